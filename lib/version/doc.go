// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for buildfarm binaries.
//
// Three package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//
// [Version] is set by hand for releases. Development builds and test
// runs see "unknown" and "0.1.0-dev".
//
// [Info] is what every binary prints for --version. [Full] adds the Go
// toolchain and platform, and is logged by long-running services at
// startup.
package version
