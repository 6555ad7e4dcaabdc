// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import "fmt"

// ValidationError reports a malformed or incomplete inbound request.
// It is surfaced to the client as a 400 and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Message
}

// UpstreamError reports that the backend returned a non-success status
// or was unreachable. StatusCode is 0 when the backend never answered.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
	}
	return "backend unreachable: " + e.Message
}

// StreamTransportError reports a failure mid-stream (backend disconnect
// or a malformed frame). It is surfaced to the client as a single
// terminal error frame, after which the stream closes.
type StreamTransportError struct {
	Message string
}

func (e *StreamTransportError) Error() string {
	return "stream transport error: " + e.Message
}
