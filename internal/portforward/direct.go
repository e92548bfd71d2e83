package portforward

import (
	"context"
	"net"
	"strconv"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/connection"
	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/wire"
)

// DirectTCPIPHandler returns the channel-open handler for incoming
// direct-tcpip channels (RFC 4254 section 7.2): it dials the requested
// target and, once the channel is confirmed, relays bytes both ways.
// Register it on a ConnectionService under the "direct-tcpip" type.
//
// permit, if non-nil, is consulted before dialing; refusing returns
// SSH_OPEN_ADMINISTRATIVELY_PROHIBITED to the peer.
func DirectTCPIPHandler(f *Forwarder, permit func(host string, port uint32) bool) connection.OpenHandler {
	return func(ctx context.Context, ch *channel.Channel, extra *wire.Buffer) error {
		host, err := extra.GetString()
		if err != nil {
			return err
		}
		port, err := extra.GetUint32()
		if err != nil {
			return err
		}
		originHost, _ := extra.GetString()
		originPort, _ := extra.GetUint32()
		debug.Log("portforward: direct-tcpip to %s:%d from %s:%d", host, port, originHost, originPort)

		if permit != nil && !permit(host, port) {
			return errors.NewOpenChannelError(errors.OpenAdministrativelyProhibited,
				"forwarding to %s:%d not permitted", host, port)
		}

		target := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return errors.NewOpenChannelError(errors.OpenConnectFailed, "connect to %s: %v", target, err)
		}

		go func() {
			defer conn.Close()
			ch.WaitFor(channel.EventOpened, 0)
			f.pumpAccepted(conn, ch)
		}()
		return nil
	}
}

// pumpAccepted relays an acceptor-side channel (the peer initiated the
// open) against an established network connection.
func (f *Forwarder) pumpAccepted(conn net.Conn, ch *channel.Channel) {
	if err := f.relay(conn, ch); err != nil {
		debug.Log("portforward: relay for channel %d: %v", ch.LocalID(), err)
	}
	ch.SendClose()
}
