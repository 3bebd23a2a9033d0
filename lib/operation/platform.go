// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package operation

import (
	"cmp"
	"slices"
	"strings"
)

// Property is one name/value pair of a Platform.
type Property struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// Platform describes either what a worker offers or what an action
// requires. Properties are kept sorted by name, then value, so equal
// platforms encode identically.
type Platform struct {
	Properties []Property `cbor:"properties,omitempty"`
}

// NewPlatform builds a sorted Platform from a name/value map.
func NewPlatform(properties map[string]string) Platform {
	var platform Platform
	for name, value := range properties {
		platform.Properties = append(platform.Properties, Property{Name: name, Value: value})
	}
	return platform.Normalize()
}

// Normalize returns a copy with properties sorted and exact duplicates
// removed.
func (p Platform) Normalize() Platform {
	sorted := slices.Clone(p.Properties)
	slices.SortFunc(sorted, func(a, b Property) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.Value, b.Value)
	})
	return Platform{Properties: slices.Compact(sorted)}
}

// Satisfies reports whether a worker offering p can run an action
// requiring requirement: every required property must be offered with
// the same value. A property may be offered with several values.
func (p Platform) Satisfies(requirement Platform) bool {
	for _, required := range requirement.Properties {
		if !slices.Contains(p.Properties, required) {
			return false
		}
	}
	return true
}

// String renders the platform as "name=value,name=value".
func (p Platform) String() string {
	parts := make([]string, len(p.Properties))
	for i, property := range p.Properties {
		parts[i] = property.Name + "=" + property.Value
	}
	return strings.Join(parts, ",")
}
