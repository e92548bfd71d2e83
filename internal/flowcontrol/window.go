// Package flowcontrol implements the per-channel sliding send/receive
// credit described by RFC 4254 section 5.2: a Window tracks how many
// bytes of CHANNEL_DATA may still cross in one direction before the
// sender must wait for a CHANNEL_WINDOW_ADJUST.
package flowcontrol

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sshcore/sshcore/internal/debug"
	"github.com/sshcore/sshcore/internal/errors"
)

// Default and bound packet sizes, RFC 4254 section 5.2 suggests 32 KiB
// as a reasonable default; this module additionally caps growth at
// 256 KiB to bound per-channel buffering.
const (
	DefaultPacketSize = 32 * 1024
	MinPacketSize     = 1
	MaxPacketSize     = 256 * 1024
)

// clampPacketSize enforces packetSize in [MinPacketSize, MaxPacketSize],
// defaulting to DefaultPacketSize when zero.
func clampPacketSize(packetSize uint32) uint32 {
	if packetSize == 0 {
		packetSize = DefaultPacketSize
	}
	if packetSize < MinPacketSize {
		packetSize = MinPacketSize
	}
	if packetSize > MaxPacketSize {
		packetSize = MaxPacketSize
	}
	return packetSize
}

// AdjustFunc is invoked by ConsumeAndCheck when the receive window has
// fallen low enough that the peer should be told to expect more credit;
// callers wire this to emit SSH_MSG_CHANNEL_WINDOW_ADJUST.
type AdjustFunc func(delta uint32)

// Window is flow-control credit in one direction of a channel, measured
// in bytes, with a cap on how large a single CHANNEL_DATA payload may
// be (PacketSize).
type Window struct {
	mu         sync.Mutex
	size       uint32
	initial    uint32
	packetSize uint32
	maxPacket  uint32
	closed     bool
	onAdjust   AdjustFunc
	limiter    *rate.Limiter
	waitCh     chan struct{}
}

// New returns a Window initialized with size bytes of credit and the
// given packet size, clamped to [MinPacketSize, MaxPacketSize].
func New(size uint32, packetSize uint32) *Window {
	return &Window{
		size:       size,
		initial:    size,
		packetSize: clampPacketSize(packetSize),
		maxPacket:  MaxPacketSize,
		waitCh:     make(chan struct{}),
	}
}

// wake closes and replaces the wait channel, releasing every goroutine
// currently blocked on it. Must be called with w.mu held.
func (w *Window) wake() {
	close(w.waitCh)
	w.waitCh = make(chan struct{})
}

// SetAdjustFunc installs the callback ConsumeAndCheck uses to announce
// replenished receive credit to the peer.
func (w *Window) SetAdjustFunc(f AdjustFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onAdjust = f
}

// SetLimiter attaches an optional bandwidth cap to this window's
// Consume path. A nil limiter (the default) disables shaping.
func (w *Window) SetLimiter(l *rate.Limiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limiter = l
}

// Size returns the current credit.
func (w *Window) Size() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// PacketSize returns the negotiated maximum single-packet payload size.
func (w *Window) PacketSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packetSize
}

// Consume blocks until n bytes of credit are available, then deducts
// them. It is the send-side primitive: a writer wanting to emit n bytes
// of CHANNEL_DATA calls Consume before writing. It returns early with
// ctx.Err() if ctx is canceled, or ErrClosed if the window is closed
// while waiting.
func (w *Window) Consume(ctx context.Context, n uint32) error {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return ErrClosed
		}
		if w.size >= n {
			w.size -= n
			limiter := w.limiter
			w.mu.Unlock()

			if limiter != nil {
				return waitLimiter(ctx, limiter, n)
			}
			return nil
		}
		waitCh := w.waitCh
		w.mu.Unlock()

		debug.RunHook("window.consume.blocked", n)
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitLimiter(ctx context.Context, limiter *rate.Limiter, n uint32) error {
	burst := limiter.Burst()
	remaining := int(n)
	for remaining > burst {
		if err := limiter.WaitN(ctx, burst); err != nil {
			return err
		}
		remaining -= burst
	}
	return limiter.WaitN(ctx, remaining)
}

// ConsumeAndCheck is the receive-side primitive: called when n bytes of
// CHANNEL_DATA have just arrived. It decrements the local credit and
// reports an error if n exceeds the credit on hand (the peer sent more
// than it was allowed to, a protocol violation). When the remaining
// credit falls below the packet-size threshold, it replenishes the
// window back to its initial size and invokes the adjust callback with
// the amount added, so the caller can emit CHANNEL_WINDOW_ADJUST.
func (w *Window) ConsumeAndCheck(n uint32) error {
	w.mu.Lock()
	if n > w.size {
		w.mu.Unlock()
		return errors.NewProtocolError("channel data exceeds receive window: %d > %d", n, w.size)
	}
	w.size -= n

	var delta uint32
	var adjust AdjustFunc
	if w.size < w.packetSize && w.size < w.initial {
		delta = w.initial - w.size
		w.size += delta
		adjust = w.onAdjust
	}
	w.mu.Unlock()

	if adjust != nil && delta > 0 {
		adjust(delta)
	}
	return nil
}

// Expand adds n bytes of credit and wakes any writer blocked in
// Consume.
func (w *Window) Expand(n uint32) {
	w.mu.Lock()
	w.size += n
	w.wake()
	w.mu.Unlock()
}

// ErrClosed is returned by Consume when the window is closed while a
// writer is blocked waiting for credit.
var ErrClosed = errors.New("flowcontrol: window closed")

// Close marks the window closed and wakes every blocked Consume call,
// which will then return ErrClosed.
func (w *Window) Close() {
	w.mu.Lock()
	w.closed = true
	w.wake()
	w.mu.Unlock()
}
