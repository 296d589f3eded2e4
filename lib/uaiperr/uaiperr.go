/*
Copyright 2024 Gravitational, Inc.

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

// Package uaiperr maps the hub's error taxonomy onto gravitational/trace.
//
// Every component wraps errors it returns with trace.Wrap so stack traces
// survive propagation; the constructors here additionally tag the error
// with one of the Kind strings from the taxonomy so callers several layers
// up (the audit log, the router's ack path) can recover the kind without
// caring which component produced it.
package uaiperr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind is one of the error kinds in the taxonomy. Kinds are not Go types:
// a single Kind can be produced by many components, and propagation can
// change a Transient into a TtlExpired once a deadline elapses.
type Kind string

const (
	AuthenticationFailed Kind = "AuthenticationFailed"
	AuthorizationDenied  Kind = "AuthorizationDenied"
	InvalidToken         Kind = "InvalidToken"
	ExpiredToken         Kind = "ExpiredToken"
	CertificateInvalid   Kind = "CertificateInvalid"
	CertificateExpired   Kind = "CertificateExpired"
	CertificateRevoked   Kind = "CertificateRevoked"
	NotFound             Kind = "NotFound"
	Conflict             Kind = "Conflict"
	InvalidArgument      Kind = "InvalidArgument"
	TtlExpired           Kind = "TtlExpired"
	NoRoute              Kind = "NoRoute"
	RecipientUnavailable Kind = "RecipientUnavailable"
	Backpressure         Kind = "Backpressure"
	QueueFull            Kind = "QueueFull"
	Timeout              Kind = "Timeout"
	Transient            Kind = "Transient"
	Internal             Kind = "Internal"
	TokenConsumed        Kind = "TokenConsumed"
	Disabled             Kind = "Disabled"
	TooManyRequests      Kind = "TooManyRequests"
	UnknownDevice        Kind = "UnknownDevice"
)

// kindError is a sentinel carrying a Kind that has no direct trace.Error
// equivalent (trace covers NotFound/Conflict/AccessDenied/BadParameter/
// LimitExceeded/ConnectionProblem natively; everything else is one of
// these).
type kindError struct {
	kind    Kind
	message string
}

func (e *kindError) Error() string { return e.message }

// New builds a trace-wrapped error tagged with kind. message is the
// human-readable text returned to callers (spec §6's error response
// `message` field); args are fmt.Sprintf-style substitutions.
func New(kind Kind, format string, args ...interface{}) error {
	base := &kindError{kind: kind, message: fmt.Sprintf(format, args...)}
	switch kind {
	case NotFound:
		return trace.Wrap(trace.NotFound(base.message))
	case Conflict:
		return trace.Wrap(trace.AlreadyExists(base.message))
	case AuthorizationDenied:
		return trace.Wrap(trace.AccessDenied(base.message))
	case InvalidArgument:
		return trace.Wrap(trace.BadParameter(base.message))
	case TooManyRequests:
		return trace.Wrap(trace.LimitExceeded(base.message))
	case Transient:
		return trace.Wrap(trace.ConnectionProblem(base, base.message))
	default:
		return trace.Wrap(base)
	}
}

// KindOf recovers the Kind tagged onto err, walking wrapped errors. It
// returns "" if err is nil, and Internal if err carries no recognizable kind -
// callers should treat that as "unclassified, surface unchanged".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case trace.IsNotFound(err):
		return NotFound
	case trace.IsAlreadyExists(err):
		return Conflict
	case trace.IsAccessDenied(err):
		return AuthorizationDenied
	case trace.IsBadParameter(err):
		return InvalidArgument
	case trace.IsLimitExceeded(err):
		return TooManyRequests
	case trace.IsConnectionProblem(err):
		return Transient
	default:
		return Internal
	}
}

// Is reports whether err carries the given Kind, including through
// trace.Wrap chains.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func NotFoundf(format string, args ...interface{}) error        { return New(NotFound, format, args...) }
func Conflictf(format string, args ...interface{}) error        { return New(Conflict, format, args...) }
func InvalidArgumentf(format string, args ...interface{}) error { return New(InvalidArgument, format, args...) }
func Transientf(format string, args ...interface{}) error       { return New(Transient, format, args...) }
func AuthorizationDeniedf(format string, args ...interface{}) error {
	return New(AuthorizationDenied, format, args...)
}
