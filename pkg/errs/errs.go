/*
Copyright 2024 The CdsCTF Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package errs

import (
	"errors"
	"fmt"
)

// Kind describes a high-level category of a given error.
type Kind string

const (
	// NotFound is an error for an entity that does not exist or was soft-deleted
	NotFound Kind = "notFound"
	// BadRequest is an error related to bad parameters provided by a caller
	BadRequest Kind = "badRequest"
	// Conflict is an error for an operation racing a concurrent writer
	Conflict Kind = "conflict"
	// Forbidden is an error for an operation the caller may not perform
	Forbidden Kind = "forbidden"
	// Unauthorized is an error for an unauthenticated caller
	Unauthorized Kind = "unauthorized"
	// TooManyRequests is an error for a caller exceeding a rate limit
	TooManyRequests Kind = "tooManyRequests"
	// UnprocessableEntity is an error for a well-formed but unusable payload
	UnprocessableEntity Kind = "unprocessableEntity"
	// InternalServerError is an error inside the backend itself
	InternalServerError Kind = "internalServerError"

	// MissingScript means a challenge has no scoring script attached
	MissingScript Kind = "missingScript"
	// MissingFunction means a script does not export a required callable
	MissingFunction Kind = "missingFunction"
	// ScriptError is a runtime failure raised by a scoring script
	ScriptError Kind = "scriptError"
	// CompileError is a compilation failure of a scoring script
	CompileError Kind = "compileError"
	// NoMoreRenewal means an environment has used all of its renewals
	NoMoreRenewal Kind = "noMoreRenewal"
	// RenewalWithin10Minutes means an environment is not yet close enough to expiry
	RenewalWithin10Minutes Kind = "renewalWithin10Minutes"
	// ClusterError is an error related to communication with the cluster API server
	ClusterError Kind = "clusterError"
	// QueueError is an error related to the message broker
	QueueError Kind = "queueError"
)

// Error is an error tagged with a Kind. It wraps an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New returns a new kinded error with a message constructed from a format string.
func New(kind Kind, msg string, args ...interface{}) *Error {
	return &Error{
		kind: kind,
		msg:  fmt.Sprintf(msg, args...),
	}
}

// Wrap tags an existing error with a kind. Returns nil when err is nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		kind:  kind,
		msg:   msg,
		cause: err,
	}
}

// KindOf extracts the Kind of err, unwrapping as needed.
// Untagged errors report InternalServerError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return InternalServerError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
