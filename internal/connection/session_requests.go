package connection

import (
	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/wire"
)

// X11RequestHandler answers "x11-req" channel requests. Without a
// configured forwarder the request is refused; accept, if non-nil, is
// called with the request's display parameters and its return decides
// the reply.
func X11RequestHandler(accept func(singleConnection bool, authProtocol, authCookie string, screen uint32) bool) channel.RequestHandler {
	return channel.RequestHandlerFunc(func(ch *channel.Channel, requestType string, payload *wire.Buffer) channel.RequestResult {
		if requestType != "x11-req" {
			return channel.Unsupported
		}
		if accept == nil {
			return channel.ReplyFailure
		}
		single, err := payload.GetBool()
		if err != nil {
			return channel.ReplyFailure
		}
		proto, err := payload.GetString()
		if err != nil {
			return channel.ReplyFailure
		}
		cookie, err := payload.GetString()
		if err != nil {
			return channel.ReplyFailure
		}
		screen, err := payload.GetUint32()
		if err != nil {
			return channel.ReplyFailure
		}
		debug.Log("channel %d: x11-req screen %d", ch.LocalID(), screen)
		if accept(single, proto, cookie, screen) {
			return channel.ReplySuccess
		}
		return channel.ReplyFailure
	})
}

// AgentRequestHandler answers "auth-agent-req@openssh.com" channel
// requests; enabled nil (or returning false) refuses agent forwarding
// for the session.
func AgentRequestHandler(enabled func() bool) channel.RequestHandler {
	return channel.RequestHandlerFunc(func(ch *channel.Channel, requestType string, _ *wire.Buffer) channel.RequestResult {
		if requestType != "auth-agent-req@openssh.com" {
			return channel.Unsupported
		}
		if enabled == nil || !enabled() {
			return channel.ReplyFailure
		}
		debug.Log("channel %d: agent forwarding enabled", ch.LocalID())
		return channel.ReplySuccess
	})
}
