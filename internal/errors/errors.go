// Package errors provides the error types used throughout the connection
// layer. It wraps github.com/pkg/errors for stack-trace-carrying
// construction and adds the typed error kinds named in the design: a
// Fatal marker for errors that should terminate a session outright, and
// concrete types for the protocol-level failure modes (unknown channel,
// bad channel-open, SFTP substatus, auth rejection).
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// New, Errorf, Wrap and WithStack are re-exported from github.com/pkg/errors
// so that every package in this module constructs errors the same way.
var (
	New       = errors.New
	Errorf    = errors.Errorf
	Wrap      = errors.Wrap
	Wrapf     = errors.Wrapf
	WithStack = errors.WithStack
	Is        = errors.Is
	As        = errors.As
	Cause     = errors.Cause
)

// fatalError marks an error as fatal: it should abort the session rather
// than being retried or converted into a protocol-level reply.
type fatalError struct {
	s string
}

func (e *fatalError) Error() string {
	return "Fatal: " + e.s
}

// Fatal returns an error that is marked as fatal.
func Fatal(s string) error {
	return &fatalError{s}
}

// Fatalf returns a fatal error with a formatted message.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{fmt.Sprintf(format, args...)}
}

// IsFatal returns whether err is a fatal error constructed via Fatal/Fatalf.
func IsFatal(err error) bool {
	_, ok := err.(*fatalError)
	return ok
}

// ProtocolError indicates a violation of the wire protocol invariants:
// an unknown channel, an unexpected message type, or a user/service
// mismatch within a single authentication session. Per RFC 4253 the
// session is disconnected with SSH_DISCONNECT_PROTOCOL_ERROR when one of
// these is raised.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// Channel-open failure reason codes, RFC 4254 section 5.1.
const (
	OpenAdministrativelyProhibited = 1
	OpenConnectFailed              = 2
	OpenUnknownChannelType         = 3
	OpenResourceShortage           = 4
)

// OpenChannelError carries a numeric RFC 4254 reason code and converts
// directly into a SSH_MSG_CHANNEL_OPEN_FAILURE reply.
type OpenChannelError struct {
	Reason  uint32
	Message string
}

func (e *OpenChannelError) Error() string {
	return fmt.Sprintf("error opening channel (reason %d): %s", e.Reason, e.Message)
}

// NewOpenChannelError builds an OpenChannelError.
func NewOpenChannelError(reason uint32, format string, args ...interface{}) *OpenChannelError {
	return &OpenChannelError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// SftpError carries an SFTP FX_* substatus code and surfaces directly to
// SFTP client callers.
type SftpError struct {
	Code    uint32
	Message string
}

func (e *SftpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sftp: status %d", e.Code)
	}
	return fmt.Sprintf("sftp: %s (status %d)", e.Message, e.Code)
}

// NewSftpError builds an SftpError.
func NewSftpError(code uint32, message string) *SftpError {
	return &SftpError{Code: code, Message: message}
}

// AuthError reports a single authentication method failure. It is caught
// and logged at the method boundary and converted into a USERAUTH_FAILURE
// reply; it never propagates past UserAuthService.
type AuthError struct {
	Method  string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth method %q failed: %s", e.Method, e.Message)
}

// NewAuthError builds an AuthError.
func NewAuthError(method, format string, args ...interface{}) *AuthError {
	return &AuthError{Method: method, Message: fmt.Sprintf(format, args...)}
}

// EncodingError indicates a Buffer decode ran past the write cursor, or a
// declared length exceeds the bytes available.
type EncodingError struct {
	Message string
}

func (e *EncodingError) Error() string {
	return "encoding error: " + e.Message
}

// NewEncodingError builds an EncodingError.
func NewEncodingError(format string, args ...interface{}) *EncodingError {
	return &EncodingError{Message: fmt.Sprintf(format, args...)}
}
