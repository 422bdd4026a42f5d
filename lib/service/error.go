// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "fmt"

// Error is a handler failure with a stable machine-readable code. The
// server copies the code into the response envelope so clients can
// branch without parsing message text. Handlers that return a plain
// error produce a response with an empty code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds a coded error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transport-level codes used by the server itself. Handler-level
// codes belong to the daemon that registers the handlers.
const (
	// CodeBadRequest marks requests the server could not decode or
	// that are missing the action field.
	CodeBadRequest = "bad_request"

	// CodeUnknownAction marks requests naming an unregistered action.
	CodeUnknownAction = "unknown_action"

	// CodeInternal marks server-side failures such as response
	// marshaling.
	CodeInternal = "internal"
)
