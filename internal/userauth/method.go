package userauth

import "github.com/sshcore/sshcore/internal/wire"

// Context carries the identity a USERAUTH_REQUEST is being evaluated
// for. It is the same object across every message of a (possibly
// multi-message) method attempt.
type Context struct {
	User    string
	Service string
}

// MethodState is the per-attempt state a Method produces for one
// USERAUTH_REQUEST. Most methods complete in their Auth call; methods
// that need follow-up messages (keyboard-interactive, for instance)
// return a nil result from Auth and implement Next to consume the
// follow-ups. The publickey method also returns nil for its
// signature-less query, but the signed retry arrives as a fresh
// USERAUTH_REQUEST, not through Next.
//
// Both Auth and Next return a tri-valued outcome: nil means "still in
// progress, expect another message"; a non-nil bool is the final
// accept/reject decision.
type MethodState interface {
	// Auth processes the method-specific fields of the initial
	// USERAUTH_REQUEST, positioned just after the method name.
	Auth(ctx *Context, payload *wire.Buffer) (*bool, error)
	// Next processes a follow-up message belonging to this method
	// attempt. payload includes the message-type byte, rewound into
	// view so the method can tell the follow-up forms apart.
	Next(ctx *Context, payload *wire.Buffer) (*bool, error)
}

// Method is a named authentication method factory, looked up
// case-insensitively from the configured method set.
type Method interface {
	Name() string
	NewState(svc *Service) MethodState
}

// accepted/rejected are convenience constructors for the tri-valued
// Auth/Next outcome.
func accepted() *bool { v := true; return &v }
func rejected() *bool { v := false; return &v }
