package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	packets [][]byte
}

func (t *fakeTransport) WritePacket(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packets = append(t.packets, append([]byte(nil), payload...))
	return nil
}

func (t *fakeTransport) all() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.packets...)
}

func waitForPacket(t *testing.T, tr *fakeTransport, msgType byte) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, p := range tr.all() {
			if len(p) > 0 && p[0] == msgType {
				return p
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for message type %d", msgType)
	return nil
}

func openChannelPayload(channelType string, peerID, rwindow, rpacket uint32) *wire.Buffer {
	buf := wire.NewBuffer()
	buf.PutString(channelType)
	buf.PutUint32(peerID)
	buf.PutUint32(rwindow)
	buf.PutUint32(rpacket)
	return buf
}

func TestChannelOpenConfirmationRoundTrip(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, DefaultConfig())
	svc.RegisterChannelType("session", func(ctx context.Context, ch *channel.Channel, extra *wire.Buffer) error {
		return nil
	})

	if err := svc.Process(channel.MsgChannelOpen, openChannelPayload("session", 7, 65536, 32768)); err != nil {
		t.Fatal(err)
	}

	confirm := waitForPacket(t, tr, channel.MsgChannelOpenConfirmation)
	cbuf := wire.NewBufferFrom(confirm[1:])
	peerID, _ := cbuf.GetUint32()
	localID, _ := cbuf.GetUint32()
	if peerID != 7 {
		t.Fatalf("peer id = %d, want 7", peerID)
	}
	ch, ok := svc.Channel(localID)
	if !ok {
		t.Fatalf("channel %d not registered", localID)
	}
	if ch.State() != channel.Open {
		t.Fatalf("want Open, got %v", ch.State())
	}
}

func TestChannelOpenUnknownTypeFails(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, DefaultConfig())

	if err := svc.Process(channel.MsgChannelOpen, openChannelPayload("bogus", 1, 1024, 1024)); err != nil {
		t.Fatal(err)
	}
	fail := waitForPacket(t, tr, channel.MsgChannelOpenFailure)
	fbuf := wire.NewBufferFrom(fail[1:])
	peerID, _ := fbuf.GetUint32()
	reason, _ := fbuf.GetUint32()
	if peerID != 1 {
		t.Fatalf("peer id = %d, want 1", peerID)
	}
	if reason != 3 { // OpenUnknownChannelType
		t.Fatalf("reason = %d, want 3", reason)
	}
}

func TestDispatchOnUnknownChannelIsProtocolError(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, DefaultConfig())
	buf := wire.NewBuffer()
	buf.PutUint32(99)
	buf.PutString("hi")
	if err := svc.Process(channel.MsgChannelData, buf); err == nil {
		t.Fatal("want protocol error for data on unknown channel")
	}
}

func TestGlobalRequestUnsupportedRepliesFailure(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, DefaultConfig())
	buf := wire.NewBuffer()
	buf.PutString("no-such-request")
	buf.PutBool(true)
	if err := svc.Process(channel.MsgGlobalRequest, buf); err != nil {
		t.Fatal(err)
	}
	waitForPacket(t, tr, channel.MsgRequestFailure)
}

func TestGlobalRequestHandledSuccess(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, DefaultConfig())
	svc.RegisterGlobalHandler(GlobalRequestHandlerFunc(func(s *ConnectionService, requestType string, payload *wire.Buffer) GlobalRequestResult {
		if requestType != "tcpip-forward" {
			return GlobalRequestResult{Result: channel.Unsupported}
		}
		resp := wire.NewBuffer()
		resp.PutUint32(54321)
		return GlobalRequestResult{Result: channel.ReplySuccess, Response: resp.Payload(0)}
	}))

	buf := wire.NewBuffer()
	buf.PutString("tcpip-forward")
	buf.PutBool(true)
	buf.PutString("")
	buf.PutUint32(0)
	if err := svc.Process(channel.MsgGlobalRequest, buf); err != nil {
		t.Fatal(err)
	}
	success := waitForPacket(t, tr, channel.MsgRequestSuccess)
	sbuf := wire.NewBufferFrom(success[1:])
	port, _ := sbuf.GetUint32()
	if port != 54321 {
		t.Fatalf("port = %d, want 54321", port)
	}
}
