package userauth

import (
	"testing"
	"time"

	"github.com/sshcore/sshcore/internal/wire"
)

func failureMessage(methods []string, partial bool) *wire.Buffer {
	buf := wire.NewBuffer()
	buf.PutNameList(methods)
	buf.PutBool(partial)
	return buf
}

func decodeRequest(tb *testing.T, packet []byte) (user, service, method string, rest *wire.Buffer) {
	tb.Helper()
	if packet[0] != MsgUserAuthRequest {
		tb.Fatalf("packet type = %d, want USERAUTH_REQUEST", packet[0])
	}
	buf := wire.NewBufferFrom(packet[1:])
	user, _ = buf.GetString()
	service, _ = buf.GetString()
	method, _ = buf.GetString()
	return user, service, method, buf
}

func TestClientNoneThenPassword(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(tr, ClientConfig{
		User:     "alice",
		Service:  "ssh-connection",
		Password: func() (string, error) { return "secret", nil },
	})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	_, _, method, _ := decodeRequest(t, tr.last(t))
	if method != "none" {
		t.Fatalf("opening method = %q, want none", method)
	}

	if err := c.HandleMessage(MsgUserAuthFailure, failureMessage([]string{"password"}, false)); err != nil {
		t.Fatal(err)
	}
	user, service, method, rest := decodeRequest(t, tr.last(t))
	if user != "alice" || service != "ssh-connection" || method != "password" {
		t.Fatalf("request = %s/%s/%s", user, service, method)
	}
	if change, _ := rest.GetBool(); change {
		t.Fatal("change-password flag set")
	}
	if pw, _ := rest.GetString(); pw != "secret" {
		t.Fatalf("password = %q", pw)
	}

	if err := c.HandleMessage(MsgUserAuthSuccess, wire.NewBuffer()); err != nil {
		t.Fatal(err)
	}
	outcome, err := c.Outcome().Await(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := outcome.(bool); !ok {
		t.Fatalf("outcome = %v, want true", outcome)
	}
}

func TestClientGivesUpWhenMethodsExhausted(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(tr, ClientConfig{User: "u", Service: "s"})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	// No signers and no password callback: any failure ends the run.
	if err := c.HandleMessage(MsgUserAuthFailure, failureMessage([]string{"publickey", "password"}, false)); err != nil {
		t.Fatal(err)
	}
	outcome, err := c.Outcome().Await(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, isErr := outcome.(error); !isErr {
		t.Fatalf("outcome = %v, want an error", outcome)
	}
}

func TestClientDeliversBanner(t *testing.T) {
	tr := &fakeTransport{}
	var banner string
	c := NewClient(tr, ClientConfig{
		User: "u", Service: "s",
		Banner: func(msg string) { banner = msg },
	})

	buf := wire.NewBuffer()
	buf.PutString("maintenance tonight")
	buf.PutString("en")
	if err := c.HandleMessage(MsgUserAuthBanner, buf); err != nil {
		t.Fatal(err)
	}
	if banner != "maintenance tonight" {
		t.Fatalf("banner = %q", banner)
	}
}
