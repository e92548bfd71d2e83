package channel

import "github.com/sshcore/sshcore/internal/wire"

// RequestResult is the four-valued outcome of a RequestHandler: the
// dispatcher walks the handler chain and stops at
// the first handler that returns anything other than Unsupported.
type RequestResult int

const (
	// Unsupported means this handler does not recognize the request;
	// the dispatcher tries the next handler in the chain.
	Unsupported RequestResult = iota
	// Replied means the handler already sent whatever reply it judged
	// appropriate (or none); the dispatcher sends nothing further.
	Replied
	// ReplySuccess means the dispatcher should send CHANNEL_SUCCESS if
	// want-reply was set.
	ReplySuccess
	// ReplyFailure means the dispatcher should send CHANNEL_FAILURE if
	// want-reply was set.
	ReplyFailure
)

// RequestHandler handles one SSH_MSG_CHANNEL_REQUEST request type for a
// channel. payload is positioned just after the request-type string and
// want-reply boolean, at the start of the request-specific fields.
type RequestHandler interface {
	HandleChannelRequest(ch *Channel, requestType string, payload *wire.Buffer) RequestResult
}

// RequestHandlerFunc adapts a plain function to RequestHandler.
type RequestHandlerFunc func(ch *Channel, requestType string, payload *wire.Buffer) RequestResult

func (f RequestHandlerFunc) HandleChannelRequest(ch *Channel, requestType string, payload *wire.Buffer) RequestResult {
	return f(ch, requestType, payload)
}
