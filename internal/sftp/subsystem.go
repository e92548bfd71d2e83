package sftp

import (
	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/wire"
)

// SubsystemHandler returns the channel request handler that starts an
// SFTP server on a session channel when the peer sends
// CHANNEL_REQUEST "subsystem" naming "sftp". Requests for any other
// subsystem are left to the rest of the handler chain.
func SubsystemHandler(fs FileSystem) channel.RequestHandler {
	return channel.RequestHandlerFunc(func(ch *channel.Channel, requestType string, payload *wire.Buffer) channel.RequestResult {
		if requestType != "subsystem" {
			return channel.Unsupported
		}
		mark := payload.Rpos()
		name, err := payload.GetString()
		if err != nil {
			return channel.ReplyFailure
		}
		if name != SubsystemName {
			payload.SetRpos(mark)
			return channel.Unsupported
		}

		go func() {
			srv := NewServer(channelStream{ch}, fs)
			if err := srv.Serve(); err != nil {
				debug.Log("sftp subsystem on channel %d ended: %v", ch.LocalID(), err)
			}
			ch.SendExitStatus(0)
			ch.SendEOF()
			ch.SendClose()
		}()
		return channel.ReplySuccess
	})
}

// channelStream adapts a channel's inbound data stream and outbound
// writer to the io.ReadWriter both Server and Client consume.
type channelStream struct {
	ch *channel.Channel
}

func (s channelStream) Read(p []byte) (int, error)  { return s.ch.DataReader().Read(p) }
func (s channelStream) Write(p []byte) (int, error) { return s.ch.Write(p) }

// NewClientOnChannel runs the client side of the subsystem over an open
// channel: it sends the "subsystem" request, waits for the peer's
// confirmation, and performs the version exchange.
func NewClientOnChannel(ch *channel.Channel) (*Client, error) {
	body := wire.NewBuffer()
	body.PutString(SubsystemName)
	f, err := ch.SendRequest("subsystem", true, body.Payload(0))
	if err != nil {
		return nil, err
	}
	if f != nil {
		outcome, err := f.Await(DefaultRequestTimeout)
		if err != nil {
			return nil, err
		}
		if ok, _ := outcome.(bool); !ok {
			return nil, errors.New("sftp: peer refused the subsystem request")
		}
	}
	return NewClient(channelStream{ch})
}
