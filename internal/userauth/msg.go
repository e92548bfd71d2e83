// Package userauth implements the RFC 4252 method-chain authentication
// state machine, server and client sides.
package userauth

// Message-type bytes, RFC 4252 section 6 and section 8.
const (
	MsgUserAuthRequest = 50
	MsgUserAuthFailure = 51
	MsgUserAuthSuccess = 52
	MsgUserAuthBanner  = 53

	// These three share wire value 60; which one a message actually is
	// depends on which method is currently in progress, exactly as RFC
	// 4252 defines it.
	MsgUserAuthPasswdChangeReq = 60
	MsgUserAuthPkOk            = 60
	MsgUserAuthInfoRequest     = 60

	MsgUserAuthInfoResponse = 61
)

// DefaultMaxAttempts bounds USERAUTH_REQUEST messages per session before
// the connection is dropped as a protocol error.
const DefaultMaxAttempts = 20
