// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Kinds
// =============================================================================

// ErrorKind classifies a failure so transports can map it without string matching.
type ErrorKind string

const (
	// KindInvalidArgument marks input rejected before any state mutation.
	KindInvalidArgument ErrorKind = "invalid_argument"

	// KindNotFound marks a reference to an unknown persona.
	KindNotFound ErrorKind = "not_found"

	// KindAlreadyExists marks a create that collides with an existing id.
	KindAlreadyExists ErrorKind = "already_exists"

	// KindUpstreamFailure marks a completion or embedding service failure.
	KindUpstreamFailure ErrorKind = "upstream_failure"

	// KindTimeout marks a lock wait or upstream call that ran out of time.
	KindTimeout ErrorKind = "timeout"

	// KindInternal marks a local failure such as persona persistence.
	KindInternal ErrorKind = "internal"
)

// HTTPStatus returns the HTTP status code for the kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Error Type
// =============================================================================

// Error is the typed error returned by the persona, conversation and turn layers.
//
// # Description
//
// Error carries a Kind for transport mapping, the operation that failed, a
// caller-safe message and an optional wrapped cause. Use IsKind or
// errors.As to inspect it.
//
// # Examples
//
//	err := datatypes.NewError(datatypes.KindNotFound, "set_persona", "unknown persona: bard")
//	if datatypes.IsKind(err, datatypes.KindNotFound) {
//	    c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
//	}
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error without a cause.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError builds an Error around a cause.
func WrapError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// PublicMessage returns the caller-safe message of err. Foreign errors are
// reported generically so internal details never reach clients.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}
