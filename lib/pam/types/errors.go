/*
 * Teleport
 * Copyright (C) 2023  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package types

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// ErrorKind classifies a core failure without forcing callers to match on
// error message text.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindSessionEnded       ErrorKind = "session_ended"
	KindSessionExpired     ErrorKind = "session_expired"
	KindGatewayUnavailable ErrorKind = "gateway_unavailable"
	KindTunnelError        ErrorKind = "tunnel_error"
	KindDriverError        ErrorKind = "driver_error"
	KindBadRequest         ErrorKind = "bad_request"
)

// CoreError is the concrete error value behind every classified failure the
// core surfaces. It is always wrapped in a trace.Trace by the constructors
// below so stack traces survive logging.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// KindOf classifies err, returning "" if it was not produced by one of this
// package's constructors.
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func newError(kind ErrorKind, cause error, format string, args ...any) error {
	return trace.Wrap(&CoreError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	})
}

// NotFound reports a missing session/account/resource.
func NotFound(format string, args ...any) error {
	return newError(KindNotFound, nil, format, args...)
}

// SessionEndedError reports a session whose status is Ended.
func SessionEndedError(format string, args ...any) error {
	return newError(KindSessionEnded, nil, format, args...)
}

// SessionExpiredError reports a session past its expiry.
func SessionExpiredError(format string, args ...any) error {
	return newError(KindSessionExpired, nil, format, args...)
}

// GatewayUnavailable reports a resource without a gateway, or a gateway
// service that returned nothing.
func GatewayUnavailable(format string, args ...any) error {
	return newError(KindGatewayUnavailable, nil, format, args...)
}

// TunnelError reports a relay/gateway handshake or transport failure.
func TunnelError(format string, args ...any) error {
	return newError(KindTunnelError, nil, format, args...)
}

// WrapTunnelError reports a relay/gateway handshake or transport failure
// with an underlying cause preserved for Unwrap.
func WrapTunnelError(cause error, format string, args ...any) error {
	return newError(KindTunnelError, cause, format, args...)
}

// DriverError reports the database refusing a connection or query.
func DriverError(cause error, format string, args ...any) error {
	return newError(KindDriverError, cause, format, args...)
}

// BadRequest is the catch-all surfaced to HTTP callers.
func BadRequest(format string, args ...any) error {
	return newError(KindBadRequest, nil, format, args...)
}

// AsBadRequest wraps err's message in a BadRequest, falling back to a
// generic message when err is nil or carries an empty message.
func AsBadRequest(err error, fallback string) error {
	if err == nil || err.Error() == "" {
		return BadRequest(fallback)
	}
	return BadRequest(err.Error())
}
