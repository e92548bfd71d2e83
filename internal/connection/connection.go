// Package connection implements the per-session channel registry and
// message demultiplexer of RFC 4254: it is the single
// point through which every incoming SSH_MSG_CHANNEL_* and
// SSH_MSG_GLOBAL_REQUEST message is routed, and the only code that
// mutates the channel registry.
package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/flowcontrol"
	"github.com/sshcore/sshcore/internal/future"
	"github.com/sshcore/sshcore/internal/wire"
)

// Transport is the narrow collaborator this package requires from the
// binary packet layer: a non-blocking packet sender. Key exchange,
// encryption and MAC live entirely behind it.
type Transport interface {
	WritePacket(payload []byte) error
}

// OpenHandler performs channel-type-specific setup for an incoming
// SSH_MSG_CHANNEL_OPEN, such as dialing a direct-tcpip target or
// spawning a shell. It runs after the channel has been registered but
// before CHANNEL_OPEN_CONFIRMATION is sent; returning an error causes
// CHANNEL_OPEN_FAILURE to be sent instead (with the error's reason code,
// if it is an *errors.OpenChannelError, or a generic failure otherwise).
type OpenHandler func(ctx context.Context, ch *channel.Channel, extra *wire.Buffer) error

// Default per-channel window parameters, mirroring the values OpenSSH
// itself advertises.
const (
	DefaultWindowSize = 2 * 1024 * 1024
	DefaultPacketSize = flowcontrol.DefaultPacketSize
)

// Config holds the tunable limits of a ConnectionService.
type Config struct {
	MaxChannels       int
	AllowMoreSessions bool
	WindowSize        uint32
	PacketSize        uint32
	CloseGrace        time.Duration
}

// DefaultConfig returns the configuration a freshly authenticated
// session starts with.
func DefaultConfig() Config {
	return Config{
		MaxChannels:       64,
		AllowMoreSessions: true,
		WindowSize:        DefaultWindowSize,
		PacketSize:        DefaultPacketSize,
		CloseGrace:        5 * time.Second,
	}
}

// ConnectionService is the per-session channel registry and message
// dispatcher. It is created once a transport session has completed user
// authentication and is closed, in order, ahead of the transport itself.
type ConnectionService struct {
	cfg       Config
	transport Transport

	channels      *xsync.MapOf[uint32, *channel.Channel]
	nextChannelID uint32

	factories      *xsync.MapOf[string, OpenHandler]
	globalHandlers []GlobalRequestHandler

	pending pendingGlobalQueue

	closers []Closer // forwarders, closed sequentially ahead of channels
	closing bool
}

// Closer is a resource ConnectionService tears down before its
// channels, in registration order (forwarders first: tcpip, agent,
// x11).
type Closer interface {
	Close() error
}

// New returns a ConnectionService bound to transport, ready to process
// incoming messages.
func New(transport Transport, cfg Config) *ConnectionService {
	return &ConnectionService{
		cfg:       cfg,
		transport: transport,
		channels:  xsync.NewMapOf[uint32, *channel.Channel](),
		factories: xsync.NewMapOf[string, OpenHandler](),
	}
}

// WritePacket satisfies channel.Session, forwarding directly to the
// transport: the service itself never buffers or reorders outbound
// packets.
func (s *ConnectionService) WritePacket(payload []byte) error {
	return s.transport.WritePacket(payload)
}

// RegisterChannelType installs the open handler invoked for incoming
// SSH_MSG_CHANNEL_OPEN requests naming channelType ("session",
// "direct-tcpip", "forwarded-tcpip", "x11", ...).
func (s *ConnectionService) RegisterChannelType(channelType string, handler OpenHandler) {
	s.factories.Store(channelType, handler)
}

// RegisterGlobalHandler appends a global-request handler to the chain
// consulted by incoming SSH_MSG_GLOBAL_REQUEST messages ("tcpip-forward",
// "cancel-tcpip-forward", ...).
func (s *ConnectionService) RegisterGlobalHandler(h GlobalRequestHandler) {
	s.globalHandlers = append(s.globalHandlers, h)
}

// RegisterCloser appends a resource to be closed, in registration
// order, before channels are torn down.
func (s *ConnectionService) RegisterCloser(c Closer) {
	s.closers = append(s.closers, c)
}

// Channel looks up a locally registered channel by id.
func (s *ConnectionService) Channel(localID uint32) (*channel.Channel, bool) {
	return s.channels.Load(localID)
}

// OpenChannel initiates an outgoing SSH_MSG_CHANNEL_OPEN for channelType
// and registers the resulting channel under a freshly allocated local
// id. The returned channel's OpenFuture resolves once
// CHANNEL_OPEN_CONFIRMATION/FAILURE arrives.
func (s *ConnectionService) OpenChannel(channelType string, extra []byte) (*channel.Channel, error) {
	localID, err := s.allocateChannelID()
	if err != nil {
		return nil, err
	}

	ch := channel.New(localID, channelType, s, flowcontrol.New(s.cfg.WindowSize, s.cfg.PacketSize))
	s.channels.Store(localID, ch)

	buf := wire.NewPacketBuffer()
	buf.PutByte(channel.MsgChannelOpen)
	buf.PutString(channelType)
	buf.PutUint32(localID)
	buf.PutUint32(s.cfg.WindowSize)
	buf.PutUint32(s.cfg.PacketSize)
	buf.PutBytes(extra)
	if err := s.transport.WritePacket(buf.Payload(wire.HeaderReserve)); err != nil {
		s.channels.Delete(localID)
		return nil, err
	}
	return ch, nil
}

func (s *ConnectionService) allocateChannelID() (uint32, error) {
	if s.cfg.MaxChannels > 0 && s.channels.Size() >= s.cfg.MaxChannels {
		return 0, errors.NewOpenChannelError(errors.OpenResourceShortage, "too many open channels (max %d)", s.cfg.MaxChannels)
	}
	id := s.nextChannelID
	s.nextChannelID++
	return id, nil
}

// Process dispatches one incoming connection-layer message. cmd is the
// SSH message-type byte; buf is positioned just past it.
func (s *ConnectionService) Process(cmd byte, buf *wire.Buffer) error {
	switch cmd {
	case channel.MsgChannelOpen:
		return s.handleChannelOpen(buf)
	case channel.MsgGlobalRequest:
		return s.handleGlobalRequest(buf)
	case channel.MsgRequestSuccess:
		return s.pending.resolve(buf, true)
	case channel.MsgRequestFailure:
		return s.pending.resolve(buf, false)
	case channel.MsgChannelOpenConfirmation, channel.MsgChannelOpenFailure,
		channel.MsgChannelWindowAdjust, channel.MsgChannelData, channel.MsgChannelExtendedData,
		channel.MsgChannelEOF, channel.MsgChannelClose, channel.MsgChannelRequest,
		channel.MsgChannelSuccess, channel.MsgChannelFailure:
		return s.dispatchChannel(cmd, buf)
	default:
		return errors.NewProtocolError("unexpected connection-layer message type %d", cmd)
	}
}

func (s *ConnectionService) dispatchChannel(cmd byte, buf *wire.Buffer) error {
	id, err := buf.GetUint32()
	if err != nil {
		return err
	}
	ch, ok := s.channels.Load(id)
	if !ok {
		return errors.NewProtocolError("received message %d on unknown channel %d", cmd, id)
	}

	defer func() {
		// Always drain the registry once a channel reaches Closed,
		// regardless of which dispatch branch got it there.
		if ch.State() == channel.Closed {
			s.channels.Delete(id)
		}
	}()

	switch cmd {
	case channel.MsgChannelOpenConfirmation:
		return ch.HandleOpenConfirmation(buf)
	case channel.MsgChannelOpenFailure:
		return ch.HandleOpenFailure(buf)
	case channel.MsgChannelWindowAdjust:
		return ch.HandleWindowAdjust(buf)
	case channel.MsgChannelData:
		return ch.HandleData(buf)
	case channel.MsgChannelExtendedData:
		return ch.HandleExtendedData(buf)
	case channel.MsgChannelEOF:
		return ch.HandleEOF(buf)
	case channel.MsgChannelClose:
		return ch.HandleClose(buf)
	case channel.MsgChannelRequest:
		return ch.HandleRequest(buf)
	case channel.MsgChannelSuccess:
		return ch.HandleSuccess(buf)
	case channel.MsgChannelFailure:
		return ch.HandleFailure(buf)
	}
	return nil
}

func (s *ConnectionService) handleChannelOpen(buf *wire.Buffer) error {
	channelType, err := buf.GetString()
	if err != nil {
		return err
	}
	peerID, err := buf.GetUint32()
	if err != nil {
		return err
	}
	rwindow, err := buf.GetUint32()
	if err != nil {
		return err
	}
	rpacket, err := buf.GetUint32()
	if err != nil {
		return err
	}

	if s.closing || !s.cfg.AllowMoreSessions {
		return s.sendOpenFailure(peerID, errors.OpenAdministrativelyProhibited, "no more sessions allowed")
	}

	handler, ok := s.factories.Load(channelType)
	if !ok {
		return s.sendOpenFailure(peerID, errors.OpenUnknownChannelType, "unknown channel type %q", channelType)
	}

	localID, err := s.allocateChannelID()
	if err != nil {
		var oce *errors.OpenChannelError
		if errors.As(err, &oce) {
			return s.sendOpenFailure(peerID, oce.Reason, "%s", oce.Message)
		}
		return s.sendOpenFailure(peerID, errors.OpenResourceShortage, "%s", err.Error())
	}

	ch := channel.New(localID, channelType, s, flowcontrol.New(s.cfg.WindowSize, s.cfg.PacketSize))
	ch.SetRemote(peerID, rwindow, rpacket)
	s.channels.Store(localID, ch)

	// Snapshot the type-specific trailing fields: buf belongs to the
	// caller and is not valid past Process's return.
	rest, err := buf.GetBytes(buf.Available())
	if err != nil {
		return err
	}
	extra := wire.NewBufferFrom(rest)

	go func() {
		ctx := context.Background()
		open := func(ctx context.Context, extra *wire.Buffer) error {
			return handler(ctx, ch, extra)
		}
		if err := ch.Accept(ctx, open, extra); err != nil {
			s.channels.Delete(localID)
			var oce *errors.OpenChannelError
			if errors.As(err, &oce) {
				s.sendOpenFailure(peerID, oce.Reason, "%s", oce.Message)
				return
			}
			s.sendOpenFailure(peerID, 0, "Error opening channel")
			return
		}
		ch.MarkOpen()
		if err := s.sendOpenConfirmation(ch); err != nil {
			debug.Log("connection: send open confirmation for channel %d failed: %v", localID, err)
		}
	}()
	return nil
}

func (s *ConnectionService) sendOpenConfirmation(ch *channel.Channel) error {
	remoteID, _ := ch.RemoteID()
	buf := wire.NewPacketBuffer()
	buf.PutByte(channel.MsgChannelOpenConfirmation)
	buf.PutUint32(remoteID)
	buf.PutUint32(ch.LocalID())
	buf.PutUint32(s.cfg.WindowSize)
	buf.PutUint32(s.cfg.PacketSize)
	return s.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}

func (s *ConnectionService) sendOpenFailure(peerID uint32, reason uint32, format string, args ...interface{}) error {
	buf := wire.NewPacketBuffer()
	buf.PutByte(channel.MsgChannelOpenFailure)
	buf.PutUint32(peerID)
	buf.PutUint32(reason)
	buf.PutString(fmt.Sprintf(format, args...))
	buf.PutString("en")
	return s.transport.WritePacket(buf.Payload(wire.HeaderReserve))
}

// Close tears down the session's subordinates and channels: registered
// Closers sequentially (forwarders), then every
// channel in parallel via a CHANNEL_CLOSE handshake bounded by
// cfg.CloseGrace. The per-channel handshakes are collected through a
// future.Group so stragglers that missed the grace period are
// distinguished from clean closes.
func (s *ConnectionService) Close() error {
	s.closing = true

	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			debug.Log("connection: closer failed: %v", err)
		}
	}

	g := future.NewGroup()
	s.channels.Range(func(id uint32, ch *channel.Channel) bool {
		f := future.New()
		g.Add(f)
		go func() {
			if err := ch.SendClose(); err != nil {
				debug.Log("connection: channel %d close send failed: %v", id, err)
			}
			if got := ch.WaitFor(channel.EventClosed, s.cfg.CloseGrace); got&channel.EventTimeout != 0 {
				ch.MarkClosed()
				f.Cancel()
				return
			}
			f.Set(id)
		}()
		return true
	})
	for _, outcome := range g.Wait(2 * s.cfg.CloseGrace) {
		switch {
		case !outcome.Completed:
			debug.Log("connection: channel close still pending at deadline")
		case outcome.Future.IsCanceled():
			debug.Log("connection: a channel was forced closed after the grace period")
		}
	}

	s.channels.Range(func(id uint32, _ *channel.Channel) bool {
		s.channels.Delete(id)
		return true
	})
	return nil
}

// pendingGlobalQueue and GlobalRequestHandler are defined in global.go.
