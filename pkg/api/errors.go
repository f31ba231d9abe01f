// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for API consumers. The set is closed: handlers
// map every failure onto one of these before it crosses an HTTP boundary.
type Code string

const (
	// CodeMissingParameter is returned when a required field is absent.
	CodeMissingParameter Code = "MissingParameter"
	// CodeInvalidArgument is returned for malformed fields and for
	// ownership failures. Authorization failures deliberately surface as
	// InvalidArgument rather than a "forbidden" so the existence of
	// resources the caller cannot see is not leaked.
	CodeInvalidArgument Code = "InvalidArgument"
	// CodeResourceNotFound is returned when a DN is not in the directory.
	CodeResourceNotFound Code = "ResourceNotFound"
	// CodeConstraint is returned when a write conflicts with existing
	// state, e.g. deleting a monitor that still has probes.
	CodeConstraint Code = "Constraint"
	// CodeUnavailable is returned when the directory or a downstream API
	// is transiently unreachable. Results carrying it must never be cached.
	CodeUnavailable Code = "Unavailable"
	// CodeInternalError is returned for bugs and corrupt records.
	CodeInternalError Code = "InternalError"
)

// HTTPStatus returns the status an HTTP handler responds with for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeMissingParameter, CodeInvalidArgument, CodeConstraint:
		return http.StatusConflict
	case CodeResourceNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the JSON error envelope of every Amon HTTP surface.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Missingf returns a MissingParameter error.
func Missingf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeMissingParameter, Message: fmt.Sprintf(format, args...)}
}

// Invalidf returns an InvalidArgument error.
func Invalidf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a ResourceNotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeResourceNotFound, Message: fmt.Sprintf(format, args...)}
}

// Constraintf returns a Constraint error.
func Constraintf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConstraint, Message: fmt.Sprintf(format, args...)}
}

// Unavailablef returns an Unavailable error.
func Unavailablef(format string, args ...interface{}) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...)}
}

// Internalf returns an InternalError.
func Internalf(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInternalError, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err, unwrapping as needed. A nil error has
// no code; non-nil errors that do not carry one classify as InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternalError
}

// IsUnavailable reports whether err classifies as a transient outage.
// Cache layers use it to decide that a result must not be stored.
func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}
