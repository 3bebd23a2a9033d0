// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/buildfarm/lib/digest"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/service"
)

// Socket actions served by memory.RegisterHandlers and called by the
// stub client.
const (
	ActionFindMissingBlobs = "find_missing_blobs"
	ActionPutBlob          = "put_blob"
	ActionGetBlob          = "get_blob"
	ActionGetActionResult  = "get_action_result"
	ActionPutActionResult  = "put_action_result"
	ActionExecute          = "execute"
	ActionTakeOperation    = "take_operation"
	ActionPutOperation     = "put_operation"
	ActionPollOperation    = "poll_operation"
	ActionGetOperation     = "get_operation"
	ActionWaitOperation    = "wait_operation"
)

// Every request embeds RequestHeader. Action is set by the client.
type RequestHeader struct {
	Action   string `cbor:"action"`
	Instance string `cbor:"instance"`
}

type FindMissingBlobsRequest struct {
	RequestHeader
	Digests []digest.Digest `cbor:"digests"`
}

type FindMissingBlobsResponse struct {
	Missing []digest.Digest `cbor:"missing"`
}

type PutBlobRequest struct {
	RequestHeader
	Data []byte `cbor:"data"`
}

type PutBlobResponse struct {
	Digest digest.Digest `cbor:"digest"`
}

type GetBlobRequest struct {
	RequestHeader
	Digest digest.Digest `cbor:"digest"`
}

type GetBlobResponse struct {
	Data []byte `cbor:"data"`
}

type GetActionResultRequest struct {
	RequestHeader
	ActionDigest digest.Digest `cbor:"action_digest"`
}

type PutActionResultRequest struct {
	RequestHeader
	ActionDigest digest.Digest           `cbor:"action_digest"`
	Result       *operation.ActionResult `cbor:"result"`
}

type ExecuteRequest struct {
	RequestHeader
	ActionDigest    digest.Digest `cbor:"action_digest"`
	SkipCacheLookup bool          `cbor:"skip_cache_lookup,omitempty"`
}

type TakeOperationRequest struct {
	RequestHeader
	Platform operation.Platform `cbor:"platform"`
}

type PutOperationRequest struct {
	RequestHeader
	Operation *operation.Operation `cbor:"operation"`
}

type PollOperationRequest struct {
	RequestHeader
	Name  string          `cbor:"name"`
	Stage operation.Stage `cbor:"stage"`
}

type PollOperationResponse struct {
	Leased bool `cbor:"leased"`
}

// OperationNameRequest serves get_operation and wait_operation.
type OperationNameRequest struct {
	RequestHeader
	Name string `cbor:"name"`
}

// notFoundPrefix marks a socket error message that stands for
// ErrNotFound, since only the message crosses the wire.
const notFoundPrefix = "not_found: "

// EncodeError prepares a handler error for the wire.
func EncodeError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return errors.New(notFoundPrefix + err.Error())
	}
	return err
}

// DecodeError restores ErrNotFound from a *service.ServiceError
// produced by EncodeError. Other errors pass through.
func DecodeError(err error) error {
	var serviceError *service.ServiceError
	if errors.As(err, &serviceError) && strings.HasPrefix(serviceError.Message, notFoundPrefix) {
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimPrefix(serviceError.Message, notFoundPrefix))
	}
	return err
}
