// Package portforward implements RFC 4254 section 7 TCP/IP port
// forwarding on both sides of a session: remote forwarding, where this
// side listens on the peer's behalf and opens forwarded-tcpip channels
// back to it, and local forwarding, where this side listens for its own
// user and opens direct-tcpip channels toward the peer.
package portforward

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/connection"
	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/ratelimit"
	"github.com/sshcore/sshcore/internal/retry"
	"github.com/sshcore/sshcore/internal/sema"
	"github.com/sshcore/sshcore/internal/wire"
)

// Config holds the tunables of a Forwarder.
type Config struct {
	// MaxConnections caps concurrently forwarded streams across all
	// bound listeners. Zero means DefaultMaxConnections.
	MaxConnections uint
	// BindRetry bounds how long a transiently failing listen bind is
	// retried before the forward request is refused. Zero disables
	// retrying.
	BindRetry time.Duration
	// Limiter, if non-nil, shapes the bandwidth of every forwarded
	// stream.
	Limiter ratelimit.Limiter
}

// DefaultMaxConnections is the concurrent forwarded-stream cap used when
// Config.MaxConnections is zero.
const DefaultMaxConnections = 256

// Forwarder tracks the listeners bound for tcpip-forward requests and
// local port forwards. It registers itself on a ConnectionService both
// as a global-request handler (tcpip-forward / cancel-tcpip-forward)
// and as a Closer, so session teardown stops every listener before
// channels are torn down.
type Forwarder struct {
	svc *connection.ConnectionService
	cfg Config
	sem sema.Semaphore

	mu     sync.Mutex
	bound  map[string]*binding
	closed bool
}

type binding struct {
	ln   net.Listener
	addr *net.TCPAddr
	done chan struct{}
}

// New returns a Forwarder bound to svc and registers its global-request
// handler and close hook there.
func New(svc *connection.ConnectionService, cfg Config) *Forwarder {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	sem, _ := sema.New(cfg.MaxConnections)
	f := &Forwarder{
		svc:   svc,
		cfg:   cfg,
		sem:   sem,
		bound: make(map[string]*binding),
	}
	svc.RegisterGlobalHandler(f)
	svc.RegisterCloser(f)
	return f
}

func bindKey(host string, port uint32) string {
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}

// HandleGlobalRequest implements connection.GlobalRequestHandler for
// "tcpip-forward" and "cancel-tcpip-forward" (RFC 4254 section 7.1). The
// success reply carries the actually bound port as a uint32, which is
// how a peer that asked for port 0 learns its ephemeral assignment.
func (f *Forwarder) HandleGlobalRequest(_ *connection.ConnectionService, requestType string, payload *wire.Buffer) connection.GlobalRequestResult {
	switch requestType {
	case "tcpip-forward":
		return f.handleForward(payload)
	case "cancel-tcpip-forward":
		return f.handleCancel(payload)
	default:
		return connection.GlobalRequestResult{Result: channel.Unsupported}
	}
}

func (f *Forwarder) handleForward(payload *wire.Buffer) connection.GlobalRequestResult {
	host, err := payload.GetString()
	if err != nil {
		return connection.GlobalRequestResult{Result: channel.ReplyFailure}
	}
	port, err := payload.GetUint32()
	if err != nil {
		return connection.GlobalRequestResult{Result: channel.ReplyFailure}
	}

	addr, err := f.ListenRemote(host, port)
	if err != nil {
		debug.Log("portforward: tcpip-forward %s:%d failed: %v", host, port, err)
		return connection.GlobalRequestResult{Result: channel.ReplyFailure}
	}

	resp := wire.NewBuffer()
	resp.PutUint32(uint32(addr.Port))
	return connection.GlobalRequestResult{Result: channel.ReplySuccess, Response: resp.Payload(0)}
}

func (f *Forwarder) handleCancel(payload *wire.Buffer) connection.GlobalRequestResult {
	host, err := payload.GetString()
	if err != nil {
		return connection.GlobalRequestResult{Result: channel.ReplyFailure}
	}
	port, err := payload.GetUint32()
	if err != nil {
		return connection.GlobalRequestResult{Result: channel.ReplyFailure}
	}
	if err := f.Cancel(host, port); err != nil {
		return connection.GlobalRequestResult{Result: channel.ReplyFailure}
	}
	resp := wire.NewBuffer()
	resp.PutUint32(port)
	return connection.GlobalRequestResult{Result: channel.ReplySuccess, Response: resp.Payload(0)}
}

// ListenRemote binds a listener for a peer-requested remote forward and
// starts accepting. Port 0 asks the OS for an ephemeral port; the
// actually bound address is returned. Each accepted connection opens a
// forwarded-tcpip channel back to the peer.
func (f *Forwarder) ListenRemote(host string, port uint32) (*net.TCPAddr, error) {
	return f.listen(host, port, func(conn net.Conn, b *binding) {
		f.serveAccepted(conn, "forwarded-tcpip", forwardedOpenPayload(b.addr, conn.RemoteAddr()))
	})
}

// ListenLocal binds a local listener (the -L direction): each accepted
// connection opens a direct-tcpip channel asking the peer to connect to
// targetHost:targetPort.
func (f *Forwarder) ListenLocal(host string, port uint32, targetHost string, targetPort uint32) (*net.TCPAddr, error) {
	return f.listen(host, port, func(conn net.Conn, _ *binding) {
		f.serveAccepted(conn, "direct-tcpip", directOpenPayload(targetHost, targetPort, conn.RemoteAddr()))
	})
}

func (f *Forwarder) listen(host string, port uint32, serve func(net.Conn, *binding)) (*net.TCPAddr, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("portforward: forwarder is closed")
	}
	f.mu.Unlock()

	laddr := bindKey(host, port)
	var ln net.Listener
	bind := func() error {
		var err error
		ln, err = net.Listen("tcp", laddr)
		return err
	}
	var err error
	if f.cfg.BindRetry > 0 {
		err = retry.Do(context.Background(), fmt.Sprintf("bind %s", laddr),
			retry.Options{MaxElapsedTime: f.cfg.BindRetry}, bind)
	} else {
		err = bind()
	}
	if err != nil {
		return nil, errors.Wrap(err, "portforward: listen")
	}

	addr := ln.Addr().(*net.TCPAddr)
	b := &binding{ln: ln, addr: addr, done: make(chan struct{})}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		ln.Close()
		return nil, errors.New("portforward: forwarder is closed")
	}
	// The registry key uses the requested port so a later
	// cancel-tcpip-forward naming port 0 still finds the binding; a
	// cancel naming the actual bound port is resolved by scan below.
	f.bound[bindKey(host, port)] = b
	f.mu.Unlock()

	go f.acceptLoop(b, serve)
	return addr, nil
}

func (f *Forwarder) acceptLoop(b *binding, serve func(net.Conn, *binding)) {
	defer close(b.done)
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		f.sem.GetToken()
		go func() {
			defer f.sem.ReleaseToken()
			serve(conn, b)
		}()
	}
}

// serveAccepted opens a channel of the given type toward the peer and,
// once the peer confirms, pumps bytes both ways until either side
// finishes.
func (f *Forwarder) serveAccepted(conn net.Conn, channelType string, extra []byte) {
	defer conn.Close()

	ch, err := f.svc.OpenChannel(channelType, extra)
	if err != nil {
		debug.Log("portforward: open %s channel: %v", channelType, err)
		return
	}
	outcome, err := ch.OpenFuture().Await(30 * time.Second)
	if err != nil {
		debug.Log("portforward: %s open timed out", channelType)
		ch.SendClose()
		ch.MarkClosed()
		return
	}
	if _, ok := outcome.(*channel.Channel); !ok {
		debug.Log("portforward: %s open refused: %v", channelType, outcome)
		return
	}
	f.pump(conn, ch)
}

// pump copies conn -> channel and channel -> conn concurrently,
// propagating EOF as CHANNEL_EOF and closing the channel once both
// directions have drained. The optional limiter shapes both directions.
func (f *Forwarder) pump(conn net.Conn, ch *channel.Channel) {
	if err := f.relay(conn, ch); err != nil {
		debug.Log("portforward: relay for channel %d: %v", ch.LocalID(), err)
	}

	ch.SendClose()
	ch.WaitFor(channel.EventClosed, 5*time.Second)
	ch.MarkClosed()
}

// relay runs the two copy directions of a forwarded stream as an
// errgroup, returning the first copy error once both have finished.
func (f *Forwarder) relay(conn net.Conn, ch *channel.Channel) error {
	var toPeer io.Writer = ch
	var fromPeer io.Reader = ch.DataReader()
	if f.cfg.Limiter != nil {
		toPeer = f.cfg.Limiter.SendWriter(toPeer)
		fromPeer = f.cfg.Limiter.Receive(fromPeer)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(toPeer, conn)
		ch.SendEOF()
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(conn, fromPeer)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		return err
	})
	return g.Wait()
}

// Cancel stops the listener bound for host:port and unregisters it.
func (f *Forwarder) Cancel(host string, port uint32) error {
	f.mu.Lock()
	key := bindKey(host, port)
	b, ok := f.bound[key]
	if !ok {
		// The peer may cancel by the bound port when it originally asked
		// for port 0.
		for k, cand := range f.bound {
			if uint32(cand.addr.Port) == port {
				key, b, ok = k, cand, true
				break
			}
		}
	}
	if !ok {
		f.mu.Unlock()
		return errors.Errorf("portforward: no forward bound for %s", key)
	}
	delete(f.bound, key)
	f.mu.Unlock()

	b.ln.Close()
	<-b.done
	return nil
}

// RequestRemoteForward asks the peer, via a tcpip-forward global
// request, to listen on host:port on our behalf. It blocks until the
// peer replies and returns the port the peer actually bound.
func (f *Forwarder) RequestRemoteForward(host string, port uint32, timeout time.Duration) (uint32, error) {
	body := wire.NewBuffer()
	body.PutString(host)
	body.PutUint32(port)
	fut, err := f.svc.SendGlobalRequest("tcpip-forward", true, body.Payload(0))
	if err != nil {
		return 0, err
	}
	outcome, err := fut.Await(timeout)
	if err != nil {
		return 0, errors.Wrap(err, "portforward: tcpip-forward request")
	}
	success, ok := outcome.(connection.GlobalSuccess)
	if !ok {
		return 0, errors.New("portforward: peer refused tcpip-forward")
	}
	resp := wire.NewBufferFrom(success.Response)
	bound, err := resp.GetUint32()
	if err != nil {
		// RFC 4254 only requires the port in the reply when the request
		// asked for port 0.
		return port, nil
	}
	return bound, nil
}

// Close stops every bound listener. It implements connection.Closer and
// runs ahead of channel teardown in the session close sequence.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	bound := f.bound
	f.bound = make(map[string]*binding)
	f.mu.Unlock()

	for key, b := range bound {
		debug.Log("portforward: closing listener %s", key)
		b.ln.Close()
		<-b.done
	}
	return nil
}

func forwardedOpenPayload(bound *net.TCPAddr, origin net.Addr) []byte {
	buf := wire.NewBuffer()
	buf.PutString(bound.IP.String())
	buf.PutUint32(uint32(bound.Port))
	putAddr(buf, origin)
	return buf.Payload(0)
}

func directOpenPayload(targetHost string, targetPort uint32, origin net.Addr) []byte {
	buf := wire.NewBuffer()
	buf.PutString(targetHost)
	buf.PutUint32(targetPort)
	putAddr(buf, origin)
	return buf.Payload(0)
}

func putAddr(buf *wire.Buffer, addr net.Addr) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		buf.PutString(addr.String())
		buf.PutUint32(0)
		return
	}
	port, _ := strconv.ParseUint(portStr, 10, 32)
	buf.PutString(host)
	buf.PutUint32(uint32(port))
}
