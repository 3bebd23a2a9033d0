// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the socket protocol and process scaffolding
// shared by buildfarm binaries.
//
// The protocol is one CBOR request and one CBOR response per Unix
// socket connection. A request is a map with an "action" field plus
// action-specific fields; the response is a [Response] envelope. The
// server ([SocketServer]) dispatches on the action name to handlers
// registered with [SocketServer.Handle]. The client ([Client]) opens a
// connection per call and reports server-side failures as
// [*ServiceError].
//
// Handlers may block for a long time (the queue's take is a long
// poll). While a handler runs, the server watches the connection and
// cancels the handler's context when the client hangs up, so an
// abandoned call never outlives its caller for long.
//
// [NewLogger] builds the slog logger every binary uses.
package service
