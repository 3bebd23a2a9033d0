// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads buildfarm configuration.
//
// Configuration comes from exactly one YAML file, named by the
// BUILDFARM_CONFIG environment variable or a binary's --config flag.
// There is no discovery and no per-field environment override: what
// the file says is what runs.
//
// A file may carry development, staging, and production sections.
// After the base values load, the section matching the file's
// environment is applied on top; only the keys it names change.
// ${HOME}, ${BUILDFARM_ROOT}, and ${VAR:-default} are expanded in path
// fields.
//
//	environment: production
//	worker:
//	  root: ${BUILDFARM_ROOT}/worker
//	  execute_stage_width: 16
//	  platform: {os: linux, arch: amd64}
//	production:
//	  worker:
//	    requeue_on_failure: true
package config
