// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite databases used by buildfarm
// services.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection: WAL journaling, NORMAL synchronous, a
// busy timeout for write contention, and an in-memory temp store. A
// service passes its schema in [Config.Schema]; Open applies it once,
// eagerly, so a malformed schema fails at startup instead of on the
// first request.
//
// Connections are not safe for concurrent use. [Pool.With] borrows a
// connection for the duration of a callback and always returns it.
package sqlitepool
