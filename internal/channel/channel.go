// Package channel implements the per-logical-channel state machine of
// RFC 4254 section 5: open/close lifecycle, flow-controlled
// data streams, and the channel-request handler chain. A Channel is
// owned exclusively by an internal/connection.ConnectionService; it
// carries only a narrow Session back-reference for emitting packets, not
// an owning pointer to its session.
package channel

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
	"github.com/sshcore/sshcore/internal/flowcontrol"
	"github.com/sshcore/sshcore/internal/future"
	"github.com/sshcore/sshcore/internal/wire"
)

// State is one of the five channel lifecycle states.
type State int

const (
	Opening State = iota
	Open
	EofSent
	EofReceived
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case EofSent:
		return "eof-sent"
	case EofReceived:
		return "eof-received"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a bitmask of the conditions WaitFor can block on.
type Event int

const (
	EventOpened Event = 1 << iota
	EventClosed
	EventEOF
	EventExitStatus
	EventExitSignal
	EventTimeout
)

// Session is the narrow back-reference a Channel needs to emit packets
// on its session. internal/connection.ConnectionService satisfies it.
type Session interface {
	WritePacket(payload []byte) error
}

// ExitStatus is delivered to a WaitFor caller once the peer has sent an
// exit-status channel request (RFC 4254 section 6.10).
type ExitStatus struct {
	Code uint32
}

// ExitSignal is delivered once the peer has sent an exit-signal channel
// request.
type ExitSignal struct {
	SignalName   string
	CoreDumped   bool
	ErrorMessage string
	LanguageTag  string
}

// Channel is one logical, bidirectional, flow-controlled stream
// multiplexed over a session. The zero value is not usable; construct
// with New.
type Channel struct {
	mu sync.Mutex

	localID   uint32
	remoteID  uint32
	remoteSet bool
	kind      string
	state     State
	waitCh    chan struct{}

	localWindow  *flowcontrol.Window
	remoteWindow *flowcontrol.Window

	session  Session
	handlers []RequestHandler

	openFuture *future.Future

	closeSent      bool
	exitStatusSent bool
	exitSignalSent bool
	exitStatus     *ExitStatus
	exitSignal     *ExitSignal

	pendingRequests []*future.Future

	inR, errR *io.PipeReader
	inW, errW *io.PipeWriter
}

// New returns a channel in the Opening state, with a receive window
// already sized, ready to be driven either as the initiator (awaiting
// HandleOpenConfirmation/HandleOpenFailure) or as the acceptor (via
// Accept then MarkOpen).
func New(localID uint32, kind string, session Session, localWindow *flowcontrol.Window) *Channel {
	inR, inW := io.Pipe()
	errR, errW := io.Pipe()
	c := &Channel{
		localID:     localID,
		kind:        kind,
		state:       Opening,
		waitCh:      make(chan struct{}),
		localWindow: localWindow,
		session:     session,
		openFuture:  future.New(),
		inR:         inR,
		inW:         inW,
		errR:        errR,
		errW:        errW,
	}
	localWindow.SetAdjustFunc(func(delta uint32) {
		c.sendWindowAdjust(delta)
	})
	return c
}

func (c *Channel) wake() {
	close(c.waitCh)
	c.waitCh = make(chan struct{})
}

// LocalID returns this side's identifier for the channel.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the peer's identifier, and whether it has been set
// yet (it is set exactly once, either by SetRemote on accept or by
// HandleOpenConfirmation on the initiating side).
func (c *Channel) RemoteID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID, c.remoteSet
}

// Kind returns the channel-type string ("session", "direct-tcpip", ...).
func (c *Channel) Kind() string { return c.kind }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenFuture resolves when an initiator-side channel receives its open
// confirmation or failure; the value is the Channel on success, or an
// error on failure.
func (c *Channel) OpenFuture() *future.Future { return c.openFuture }

// RegisterHandler appends a request handler to the end of the chain
// consulted by HandleRequest.
func (c *Channel) RegisterHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// SetRemote records the peer's channel id and initializes the send
// window from its advertised size/packet-size. Used by the acceptor
// side, which learns the peer id directly from CHANNEL_OPEN rather than
// from a later confirmation message.
func (c *Channel) SetRemote(remoteID, rwindow, rpacket uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteSet {
		return
	}
	c.remoteID = remoteID
	c.remoteSet = true
	c.remoteWindow = flowcontrol.New(rwindow, rpacket)
}

// MarkOpen transitions Opening -> Open. Called by the acceptor once its
// type-specific setup (e.g. dialing a direct-tcpip target) succeeds, or
// by HandleOpenConfirmation on the initiating side.
func (c *Channel) MarkOpen() {
	c.mu.Lock()
	if c.state == Opening {
		c.state = Open
	}
	c.wake()
	c.mu.Unlock()
}

// MarkClosed transitions to Closed, closing both inbound stream pipes so
// blocked readers observe EOF, and waking any WaitFor callers. Safe to
// call more than once.
func (c *Channel) MarkClosed() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.wake()
	c.mu.Unlock()

	c.inW.Close()
	c.errW.Close()
	if c.localWindow != nil {
		c.localWindow.Close()
	}
	if c.remoteWindow != nil {
		c.remoteWindow.Close()
	}

	c.failPending(errors.New("channel: closed with requests still pending"))
}

func (c *Channel) failPending(err error) {
	c.mu.Lock()
	pending := c.pendingRequests
	c.pendingRequests = nil
	c.mu.Unlock()
	for _, f := range pending {
		f.Set(err)
	}
}

// DataReader returns the reader side of the inbound main-stream pipe:
// bytes delivered via CHANNEL_DATA, in order, ending in io.EOF once
// CHANNEL_EOF or CHANNEL_CLOSE has been processed.
func (c *Channel) DataReader() io.Reader { return c.inR }

// StderrReader returns the reader side of the inbound extended-data
// (stderr) stream.
func (c *Channel) StderrReader() io.Reader { return c.errR }

// Accept runs a channel-type-specific open handler and reports whether
// it succeeded. It does not itself change state; the caller (typically
// internal/connection.ConnectionService) calls MarkOpen on success.
func (c *Channel) Accept(ctx context.Context, open func(ctx context.Context, extra *wire.Buffer) error, extra *wire.Buffer) error {
	if open == nil {
		return nil
	}
	return open(ctx, extra)
}

// HandleOpenConfirmation decodes SSH_MSG_CHANNEL_OPEN_CONFIRMATION,
// fields after the recipient id already stripped by the caller:
// sender-channel, initial-window-size, maximum-packet-size.
func (c *Channel) HandleOpenConfirmation(buf *wire.Buffer) error {
	remoteID, err := buf.GetUint32()
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
	c.SetRemote(remoteID, rwindow, rpacket)
	c.MarkOpen()
	c.openFuture.Set(c)
	return nil
}

// HandleOpenFailure decodes SSH_MSG_CHANNEL_OPEN_FAILURE: reason code,
// description, language tag.
func (c *Channel) HandleOpenFailure(buf *wire.Buffer) error {
	reason, err := buf.GetUint32()
	if err != nil {
		return err
	}
	msg, err := buf.GetString()
	if err != nil {
		return err
	}
	_, _ = buf.GetString() // language tag, unused
	c.MarkClosed()
	c.openFuture.Set(errors.NewOpenChannelError(reason, "%s", msg))
	return nil
}

// HandleWindowAdjust decodes SSH_MSG_CHANNEL_WINDOW_ADJUST and expands
// the send-side window.
func (c *Channel) HandleWindowAdjust(buf *wire.Buffer) error {
	n, err := buf.GetUint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	w := c.remoteWindow
	c.mu.Unlock()
	if w != nil {
		w.Expand(n)
	}
	return nil
}

// HandleData decodes SSH_MSG_CHANNEL_DATA and delivers the payload to
// DataReader, after accounting it against the local receive window.
func (c *Channel) HandleData(buf *wire.Buffer) error {
	data, err := buf.GetStringBytes()
	if err != nil {
		return err
	}
	if err := c.localWindow.ConsumeAndCheck(uint32(len(data))); err != nil {
		return err
	}
	if c.State() == Closed {
		return nil
	}
	_, err = c.inW.Write(data)
	return err
}

// HandleExtendedData decodes SSH_MSG_CHANNEL_EXTENDED_DATA. Only
// SSH_EXTENDED_DATA_STDERR is defined by RFC 4254; other data-type
// codes are still window-accounted and delivered to the same stderr
// pipe, since no other type currently exists to route them to.
func (c *Channel) HandleExtendedData(buf *wire.Buffer) error {
	if _, err := buf.GetUint32(); err != nil { // data_type_code
		return err
	}
	data, err := buf.GetStringBytes()
	if err != nil {
		return err
	}
	if err := c.localWindow.ConsumeAndCheck(uint32(len(data))); err != nil {
		return err
	}
	if c.State() == Closed {
		return nil
	}
	_, err = c.errW.Write(data)
	return err
}

// HandleEOF decodes SSH_MSG_CHANNEL_EOF: there are no further fields.
func (c *Channel) HandleEOF(_ *wire.Buffer) error {
	c.mu.Lock()
	if c.state == Open {
		c.state = EofReceived
	}
	c.wake()
	c.mu.Unlock()
	c.inW.Close()
	c.errW.Close()
	return nil
}

// HandleClose decodes SSH_MSG_CHANNEL_CLOSE: there are no further
// fields. Per RFC 4254 section 5.3, if this side has not yet sent its own
// CHANNEL_CLOSE it must do so now before the channel is unregistered.
func (c *Channel) HandleClose(_ *wire.Buffer) error {
	c.SendClose()
	c.MarkClosed()
	return nil
}

// HandleRequest decodes SSH_MSG_CHANNEL_REQUEST and walks the registered
// handler chain, replying CHANNEL_SUCCESS/CHANNEL_FAILURE as directed.
func (c *Channel) HandleRequest(buf *wire.Buffer) error {
	requestType, err := buf.GetString()
	if err != nil {
		return err
	}
	wantReply, err := buf.GetBool()
	if err != nil {
		return err
	}

	// exit-status and exit-signal are one-shot notifications the channel
	// consumes itself (RFC 4254 section 6.10): they resolve WaitFor
	// callers rather than walking the handler chain.
	switch requestType {
	case "exit-status":
		return c.handleExitStatus(buf)
	case "exit-signal":
		return c.handleExitSignal(buf)
	}

	c.mu.Lock()
	handlers := append([]RequestHandler(nil), c.handlers...)
	remoteID := c.remoteID
	c.mu.Unlock()

	result := Unsupported
	for _, h := range handlers {
		result = h.HandleChannelRequest(c, requestType, buf)
		if result != Unsupported {
			break
		}
	}

	debug.Log("channel %d: request %q want-reply=%v result=%v", c.localID, requestType, wantReply, result)

	if !wantReply {
		return nil
	}
	switch result {
	case ReplySuccess:
		return c.sendSimple(channelMsg(MsgChannelSuccess, remoteID))
	case ReplyFailure, Unsupported:
		return c.sendSimple(channelMsg(MsgChannelFailure, remoteID))
	default: // Replied: the handler already responded
		return nil
	}
}

func (c *Channel) handleExitStatus(buf *wire.Buffer) error {
	code, err := buf.GetUint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.exitStatus == nil {
		c.exitStatus = &ExitStatus{Code: code}
	}
	c.wake()
	c.mu.Unlock()
	debug.Log("channel %d: peer exit-status %d", c.localID, code)
	return nil
}

func (c *Channel) handleExitSignal(buf *wire.Buffer) error {
	name, err := buf.GetString()
	if err != nil {
		return err
	}
	core, err := buf.GetBool()
	if err != nil {
		return err
	}
	msg, err := buf.GetString()
	if err != nil {
		return err
	}
	lang, err := buf.GetString()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.exitSignal == nil {
		c.exitSignal = &ExitSignal{SignalName: name, CoreDumped: core, ErrorMessage: msg, LanguageTag: lang}
	}
	c.wake()
	c.mu.Unlock()
	debug.Log("channel %d: peer exit-signal %s", c.localID, name)
	return nil
}

// ExitStatus returns the exit-status the peer reported for this
// channel, if one has arrived.
func (c *Channel) ExitStatus() (ExitStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitStatus == nil {
		return ExitStatus{}, false
	}
	return *c.exitStatus, true
}

// ExitSignal returns the exit-signal the peer reported for this
// channel, if one has arrived.
func (c *Channel) ExitSignal() (ExitSignal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitSignal == nil {
		return ExitSignal{}, false
	}
	return *c.exitSignal, true
}

// HandleSuccess and HandleFailure decode SSH_MSG_CHANNEL_SUCCESS /
// SSH_MSG_CHANNEL_FAILURE and resolve the oldest pending channel request
// future (replies arrive in the order the requests were sent).
func (c *Channel) HandleSuccess(_ *wire.Buffer) error { return c.resolveOldestPending(true) }
func (c *Channel) HandleFailure(_ *wire.Buffer) error { return c.resolveOldestPending(false) }

func (c *Channel) resolveOldestPending(ok bool) error {
	c.mu.Lock()
	if len(c.pendingRequests) == 0 {
		c.mu.Unlock()
		return nil
	}
	f := c.pendingRequests[0]
	c.pendingRequests = c.pendingRequests[1:]
	c.mu.Unlock()
	f.Set(ok)
	return nil
}

// SendRequest emits SSH_MSG_CHANNEL_REQUEST. If wantReply, the returned
// future resolves to true/false once the matching CHANNEL_SUCCESS or
// CHANNEL_FAILURE arrives.
func (c *Channel) SendRequest(requestType string, wantReply bool, body []byte) (*future.Future, error) {
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()

	buf := wire.NewPacketBuffer()
	buf.PutByte(MsgChannelRequest)
	buf.PutUint32(remoteID)
	buf.PutString(requestType)
	buf.PutBool(wantReply)
	buf.PutBytes(body)

	var f *future.Future
	if wantReply {
		f = future.New()
		c.mu.Lock()
		c.pendingRequests = append(c.pendingRequests, f)
		c.mu.Unlock()
	}
	if err := c.session.WritePacket(buf.Payload(wire.HeaderReserve)); err != nil {
		return nil, err
	}
	return f, nil
}

// SendExitStatus emits a one-shot exit-status channel request, per RFC
// 4254 section 6.10 (want-reply MUST be false). Duplicate calls are
// suppressed.
func (c *Channel) SendExitStatus(code uint32) error {
	c.mu.Lock()
	if c.exitStatusSent {
		c.mu.Unlock()
		return nil
	}
	c.exitStatusSent = true
	c.mu.Unlock()

	body := wire.NewBuffer()
	body.PutUint32(code)
	_, err := c.SendRequest("exit-status", false, body.Payload(0))
	return err
}

// SendExitSignal emits a one-shot exit-signal channel request (RFC 4254
// section 6.10). Duplicate calls are suppressed.
func (c *Channel) SendExitSignal(signalName string, coreDumped bool, errMsg, lang string) error {
	c.mu.Lock()
	if c.exitSignalSent {
		c.mu.Unlock()
		return nil
	}
	c.exitSignalSent = true
	c.mu.Unlock()

	body := wire.NewBuffer()
	body.PutString(signalName)
	body.PutBool(coreDumped)
	body.PutString(errMsg)
	body.PutString(lang)
	_, err := c.SendRequest("exit-signal", false, body.Payload(0))
	return err
}

// Write implements io.Writer: it sends p as one or more CHANNEL_DATA
// messages, chunked to the negotiated packet size and gated by the
// remote window.
func (c *Channel) Write(p []byte) (int, error) { return c.WriteContext(context.Background(), p) }

// WriteContext is Write with a cancellable context, for callers that
// want to bound how long they block on remote window credit.
func (c *Channel) WriteContext(ctx context.Context, p []byte) (int, error) {
	return c.writeFramed(ctx, MsgChannelData, 0, p)
}

// WriteExtended sends p as SSH_MSG_CHANNEL_EXTENDED_DATA with the
// stderr data-type code.
func (c *Channel) WriteExtended(p []byte) (int, error) {
	return c.writeFramed(context.Background(), MsgChannelExtendedData, ExtendedDataStderr, p)
}

func (c *Channel) writeFramed(ctx context.Context, msgType byte, dataType uint32, p []byte) (int, error) {
	c.mu.Lock()
	remoteID := c.remoteID
	w := c.remoteWindow
	c.mu.Unlock()
	if w == nil {
		return 0, errors.New("channel: write before remote window is established")
	}

	total := 0
	for len(p) > 0 {
		chunk := int(w.PacketSize())
		if chunk <= 0 || chunk > len(p) {
			chunk = len(p)
		}
		if err := w.Consume(ctx, uint32(chunk)); err != nil {
			return total, err
		}
		buf := wire.NewPacketBuffer()
		buf.PutByte(msgType)
		buf.PutUint32(remoteID)
		if msgType == MsgChannelExtendedData {
			buf.PutUint32(dataType)
		}
		buf.PutString(string(p[:chunk]))
		if err := c.session.WritePacket(buf.Payload(wire.HeaderReserve)); err != nil {
			return total, err
		}
		total += chunk
		p = p[chunk:]
	}
	return total, nil
}

// SendEOF emits SSH_MSG_CHANNEL_EOF and transitions Open -> EofSent.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	remoteID := c.remoteID
	if c.state == Open {
		c.state = EofSent
	}
	c.wake()
	c.mu.Unlock()
	return c.sendSimple(channelMsg(MsgChannelEOF, remoteID))
}

// SendClose emits SSH_MSG_CHANNEL_CLOSE, once. Repeated calls are a
// no-op.
func (c *Channel) SendClose() error {
	c.mu.Lock()
	if c.closeSent {
		c.mu.Unlock()
		return nil
	}
	c.closeSent = true
	remoteID := c.remoteID
	c.mu.Unlock()
	return c.sendSimple(channelMsg(MsgChannelClose, remoteID))
}

func channelMsg(msgType byte, remoteID uint32) *wire.Buffer {
	buf := wire.NewPacketBuffer()
	buf.PutByte(msgType)
	buf.PutUint32(remoteID)
	return buf
}

func (c *Channel) sendSimple(buf *wire.Buffer) error {
	return c.session.WritePacket(buf.Payload(wire.HeaderReserve))
}

func (c *Channel) sendWindowAdjust(delta uint32) {
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()
	buf := channelMsg(MsgChannelWindowAdjust, remoteID)
	buf.PutUint32(delta)
	if err := c.sendSimple(buf); err != nil {
		debug.Log("channel %d: window adjust send failed: %v", c.localID, err)
	}
}

func (c *Channel) satisfied(mask Event) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var got Event
	if c.state == Open || c.state == EofSent || c.state == EofReceived {
		got |= EventOpened
	}
	if c.state == Closed {
		got |= EventOpened | EventClosed
	}
	if c.state == EofReceived || c.state == EofSent {
		got |= EventEOF
	}
	if c.exitStatus != nil {
		got |= EventExitStatus
	}
	if c.exitSignal != nil {
		got |= EventExitSignal
	}
	return got & mask
}

// WaitFor blocks until any bit in mask is satisfied by the channel's
// current state, or timeout elapses, whichever comes first. A timeout
// of zero or less waits indefinitely. If the timeout elapses first, the
// returned Event has EventTimeout set and reflects whatever bits (if
// any) were satisfied at that moment.
func (c *Channel) WaitFor(mask Event, timeout time.Duration) Event {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		if got := c.satisfied(mask); got != 0 {
			return got
		}
		c.mu.Lock()
		waitCh := c.waitCh
		c.mu.Unlock()
		select {
		case <-waitCh:
		case <-deadline:
			return c.satisfied(mask) | EventTimeout
		}
	}
}
