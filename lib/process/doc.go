// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the buildfarm
// binaries. Errors returned from run() may arrive before a structured
// logger exists, so they are reported on stderr directly.
package process
