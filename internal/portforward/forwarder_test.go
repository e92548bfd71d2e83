package portforward

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/sshcore/sshcore/internal/channel"
	"github.com/sshcore/sshcore/internal/connection"
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

func TestForwardBindsEphemeralPort(t *testing.T) {
	tr := &fakeTransport{}
	svc := connection.New(tr, connection.DefaultConfig())
	f := New(svc, Config{})
	defer f.Close()

	payload := wire.NewBuffer()
	payload.PutString("127.0.0.1")
	payload.PutUint32(0)

	result := f.HandleGlobalRequest(svc, "tcpip-forward", payload)
	if result.Result != channel.ReplySuccess {
		t.Fatalf("result = %v, want ReplySuccess", result.Result)
	}
	resp := wire.NewBufferFrom(result.Response)
	port, err := resp.GetUint32()
	if err != nil {
		t.Fatal(err)
	}
	if port == 0 {
		t.Fatal("bound port is 0, want an ephemeral assignment")
	}

	// The listener must actually be accepting.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial bound port: %v", err)
	}
	conn.Close()
}

func TestCancelByBoundPort(t *testing.T) {
	tr := &fakeTransport{}
	svc := connection.New(tr, connection.DefaultConfig())
	f := New(svc, Config{})
	defer f.Close()

	addr, err := f.ListenRemote("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}

	payload := wire.NewBuffer()
	payload.PutString("127.0.0.1")
	payload.PutUint32(uint32(addr.Port))
	result := f.HandleGlobalRequest(svc, "cancel-tcpip-forward", payload)
	if result.Result != channel.ReplySuccess {
		t.Fatalf("cancel result = %v, want ReplySuccess", result.Result)
	}
	resp := wire.NewBufferFrom(result.Response)
	port, _ := resp.GetUint32()
	if port != uint32(addr.Port) {
		t.Fatalf("cancel reply port = %d, want %d", port, addr.Port)
	}

	if _, err := net.Dial("tcp", addr.String()); err == nil {
		t.Fatal("listener still accepting after cancel")
	}
}

func TestCancelUnknownForwardFails(t *testing.T) {
	tr := &fakeTransport{}
	svc := connection.New(tr, connection.DefaultConfig())
	f := New(svc, Config{})
	defer f.Close()

	if err := f.Cancel("127.0.0.1", 1); err == nil {
		t.Fatal("want error canceling a forward that was never bound")
	}
}

