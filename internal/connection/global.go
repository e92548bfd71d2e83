package connection

import (
	"sync"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/future"
	"github.com/sshcore/sshcore/internal/wire"
)

// GlobalRequestResult is the outcome of one GlobalRequestHandler, using
// the same four-valued vocabulary as channel.RequestResult (the chain
// dispatch rule generalizes directly to global requests).
type GlobalRequestResult struct {
	Result channel.RequestResult
	// Response is appended after SSH_MSG_REQUEST_SUCCESS when Result is
	// ReplySuccess and want-reply was set (e.g. the bound port for
	// tcpip-forward).
	Response []byte
}

// GlobalRequestHandler handles one SSH_MSG_GLOBAL_REQUEST name
// ("tcpip-forward", "cancel-tcpip-forward", ...).
type GlobalRequestHandler interface {
	HandleGlobalRequest(svc *ConnectionService, requestType string, payload *wire.Buffer) GlobalRequestResult
}

// GlobalRequestHandlerFunc adapts a plain function to GlobalRequestHandler.
type GlobalRequestHandlerFunc func(svc *ConnectionService, requestType string, payload *wire.Buffer) GlobalRequestResult

func (f GlobalRequestHandlerFunc) HandleGlobalRequest(svc *ConnectionService, requestType string, payload *wire.Buffer) GlobalRequestResult {
	return f(svc, requestType, payload)
}

func (s *ConnectionService) handleGlobalRequest(buf *wire.Buffer) error {
	requestType, err := buf.GetString()
	if err != nil {
		return err
	}
	wantReply, err := buf.GetBool()
	if err != nil {
		return err
	}

	result := GlobalRequestResult{Result: channel.Unsupported}
	for _, h := range s.globalHandlers {
		result = h.HandleGlobalRequest(s, requestType, buf)
		if result.Result != channel.Unsupported {
			break
		}
	}

	if !wantReply {
		return nil
	}
	switch result.Result {
	case channel.ReplySuccess:
		out := wire.NewPacketBuffer()
		out.PutByte(channel.MsgRequestSuccess)
		out.PutBytes(result.Response)
		return s.transport.WritePacket(out.Payload(wire.HeaderReserve))
	case channel.Replied:
		return nil
	default: // Unsupported or ReplyFailure
		out := wire.NewPacketBuffer()
		out.PutByte(channel.MsgRequestFailure)
		return s.transport.WritePacket(out.Payload(wire.HeaderReserve))
	}
}

// GlobalSuccess is the value an awaited global-request future resolves
// to when SSH_MSG_REQUEST_SUCCESS arrives; Response carries whatever
// bytes followed the message type (e.g. a bound port).
type GlobalSuccess struct {
	Response []byte
}

// pendingGlobalQueue is the FIFO of futures awaiting
// SSH_MSG_REQUEST_SUCCESS/FAILURE replies to requests this side sent via
// SendGlobalRequest. The pending-global-request queue is modeled here
// rather than on Transport, since
// ConnectionService is what SendGlobalRequest call sites (e.g.
// TcpipForwarder) interact with.
type pendingGlobalQueue struct {
	mu    sync.Mutex
	queue []*future.Future
}

func (q *pendingGlobalQueue) push(f *future.Future) {
	q.mu.Lock()
	q.queue = append(q.queue, f)
	q.mu.Unlock()
}

func (q *pendingGlobalQueue) resolve(buf *wire.Buffer, ok bool) error {
	q.mu.Lock()
	if len(q.queue) == 0 {
		q.mu.Unlock()
		return nil
	}
	f := q.queue[0]
	q.queue = q.queue[1:]
	q.mu.Unlock()

	if !ok {
		f.Set(false)
		return nil
	}
	rest, _ := buf.GetBytes(buf.Available())
	f.Set(GlobalSuccess{Response: rest})
	return nil
}

// SendGlobalRequest emits SSH_MSG_GLOBAL_REQUEST. If wantReply, the
// returned future resolves to a GlobalSuccess on SSH_MSG_REQUEST_SUCCESS
// or false on SSH_MSG_REQUEST_FAILURE.
func (s *ConnectionService) SendGlobalRequest(requestType string, wantReply bool, body []byte) (*future.Future, error) {
	buf := wire.NewPacketBuffer()
	buf.PutByte(channel.MsgGlobalRequest)
	buf.PutString(requestType)
	buf.PutBool(wantReply)
	buf.PutBytes(body)

	var f *future.Future
	if wantReply {
		f = future.New()
		s.pending.push(f)
	}
	if err := s.transport.WritePacket(buf.Payload(wire.HeaderReserve)); err != nil {
		return nil, err
	}
	return f, nil
}
