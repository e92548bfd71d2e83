package userauth

import (
	"strings"
	"sync"
	"testing"

	"github.com/sshcore/sshcore/internal/errors"
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

func (t *fakeTransport) last(tb *testing.T) []byte {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.packets) == 0 {
		tb.Fatal("no packet written")
	}
	return t.packets[len(t.packets)-1]
}

// staticMethod accepts or rejects every attempt unconditionally.
type staticMethod struct {
	name   string
	accept bool
}

func (m *staticMethod) Name() string { return m.name }
func (m *staticMethod) NewState(_ *Service) MethodState {
	return &staticState{accept: m.accept}
}

type staticState struct{ accept bool }

func (s *staticState) Auth(_ *Context, _ *wire.Buffer) (*bool, error) {
	v := s.accept
	return &v, nil
}
func (s *staticState) Next(_ *Context, _ *wire.Buffer) (*bool, error) {
	v := s.accept
	return &v, nil
}

func authRequest(user, service, method string) *wire.Buffer {
	buf := wire.NewBuffer()
	buf.PutString(user)
	buf.PutString(service)
	buf.PutString(method)
	return buf
}

// decodeFailure unpacks a USERAUTH_FAILURE packet.
func decodeFailure(tb *testing.T, packet []byte) (methods []string, partial bool) {
	tb.Helper()
	if packet[0] != MsgUserAuthFailure {
		tb.Fatalf("packet type = %d, want USERAUTH_FAILURE", packet[0])
	}
	buf := wire.NewBufferFrom(packet[1:])
	methods, err := buf.GetNameList()
	if err != nil {
		tb.Fatal(err)
	}
	partial, err = buf.GetBool()
	if err != nil {
		tb.Fatal(err)
	}
	return methods, partial
}

func TestMethodChainProgression(t *testing.T) {
	// Configured AuthMethods = "publickey,password": both must succeed,
	// in order.
	tr := &fakeTransport{}
	svc := New(tr, []Method{
		&staticMethod{name: "publickey", accept: true},
		&staticMethod{name: "password", accept: true},
	}, Config{Chains: [][]string{{"publickey", "password"}}})

	// password first: rejected outright, the chain head is publickey.
	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "ssh-connection", "password")); err != nil {
		t.Fatal(err)
	}
	methods, partial := decodeFailure(t, tr.last(t))
	if partial {
		t.Fatal("partial = true for an out-of-order method")
	}
	if len(methods) != 1 || methods[0] != "publickey" {
		t.Fatalf("methods = %v, want [publickey]", methods)
	}

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "ssh-connection", "publickey")); err != nil {
		t.Fatal(err)
	}
	methods, partial = decodeFailure(t, tr.last(t))
	if !partial {
		t.Fatal("partial = false after a successful chain head")
	}
	if len(methods) != 1 || methods[0] != "password" {
		t.Fatalf("methods = %v, want [password]", methods)
	}

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "ssh-connection", "password")); err != nil {
		t.Fatal(err)
	}
	if got := tr.last(t)[0]; got != MsgUserAuthSuccess {
		t.Fatalf("packet type = %d, want USERAUTH_SUCCESS", got)
	}
	if _, _, ok := svc.Authenticated(); !ok {
		t.Fatal("service not marked authenticated")
	}
}

func TestUserServiceMismatchIsProtocolError(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, []Method{&staticMethod{name: "password", accept: false}},
		Config{Chains: [][]string{{"password"}}})

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("alice", "ssh-connection", "password")); err != nil {
		t.Fatal(err)
	}
	err := svc.HandleMessage(MsgUserAuthRequest, authRequest("bob", "ssh-connection", "password"))
	var perr *errors.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ProtocolError", err)
	}
}

func TestTooManyAttemptsDisconnects(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, []Method{&staticMethod{name: "password", accept: false}},
		Config{Chains: [][]string{{"password"}}, MaxAttempts: 3})

	var err error
	for i := 0; i < 4; i++ {
		err = svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "password"))
	}
	var perr *errors.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error after excess attempts = %v, want *ProtocolError", err)
	}
}

func TestRequestAfterSuccessIsProtocolError(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, []Method{&staticMethod{name: "none", accept: true}},
		Config{Chains: [][]string{{"none"}}})

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "none")); err != nil {
		t.Fatal(err)
	}
	if got := tr.last(t)[0]; got != MsgUserAuthSuccess {
		t.Fatalf("packet type = %d, want USERAUTH_SUCCESS", got)
	}
	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "none")); err == nil {
		t.Fatal("want protocol error for USERAUTH_REQUEST after SUCCESS")
	}
}

func TestRejectionExcludesNoneFromMethodList(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, []Method{&staticMethod{name: "password", accept: false}},
		Config{Chains: [][]string{{"none"}, {"password"}}})

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "password")); err != nil {
		t.Fatal(err)
	}
	methods, partial := decodeFailure(t, tr.last(t))
	if partial {
		t.Fatal("partial = true on rejection")
	}
	for _, m := range methods {
		if strings.EqualFold(m, "none") {
			t.Fatalf("methods %v include none on the rejection path", methods)
		}
	}
}

func TestBannerSentBeforeSuccess(t *testing.T) {
	tr := &fakeTransport{}
	svc := New(tr, []Method{&staticMethod{name: "password", accept: true}},
		Config{Chains: [][]string{{"password"}}, Banner: "welcome aboard"})

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "password")); err != nil {
		t.Fatal(err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.packets) < 2 {
		t.Fatalf("wrote %d packets, want banner then success", len(tr.packets))
	}
	if tr.packets[len(tr.packets)-2][0] != MsgUserAuthBanner {
		t.Fatal("banner not sent ahead of success")
	}
	bbuf := wire.NewBufferFrom(tr.packets[len(tr.packets)-2][1:])
	msg, _ := bbuf.GetString()
	lang, _ := bbuf.GetString()
	if msg != "welcome aboard" || lang != "en" {
		t.Fatalf("banner = %q lang %q", msg, lang)
	}
	if tr.packets[len(tr.packets)-1][0] != MsgUserAuthSuccess {
		t.Fatal("success not sent after banner")
	}
}

func TestDisjunctionOfChains(t *testing.T) {
	// Either publickey alone or password alone authenticates.
	tr := &fakeTransport{}
	svc := New(tr, []Method{
		&staticMethod{name: "publickey", accept: false},
		&staticMethod{name: "password", accept: true},
	}, Config{Chains: [][]string{{"publickey"}, {"password"}}})

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "publickey")); err != nil {
		t.Fatal(err)
	}
	methods, _ := decodeFailure(t, tr.last(t))
	if len(methods) != 2 {
		t.Fatalf("methods = %v, want both heads", methods)
	}

	if err := svc.HandleMessage(MsgUserAuthRequest, authRequest("u", "s", "password")); err != nil {
		t.Fatal(err)
	}
	if got := tr.last(t)[0]; got != MsgUserAuthSuccess {
		t.Fatalf("packet type = %d, want USERAUTH_SUCCESS", got)
	}
}
