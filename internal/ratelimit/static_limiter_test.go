package ratelimit

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"golang.org/x/time/rate"
)

func equals(t *testing.T, want, got interface{}) {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestLimiterWrapping(t *testing.T) {
	reader := bytes.NewReader([]byte{})
	writer := new(bytes.Buffer)

	for _, limits := range []Limits{
		{0, 0},
		{42, 0},
		{0, 42},
		{42, 42},
	} {
		limiter := NewStaticLimiter(limits)

		mustWrapSend := limits.SendKb > 0
		equals(t, mustWrapSend, limiter.Send(reader) != reader)
		equals(t, mustWrapSend, limiter.SendWriter(writer) != writer)

		mustWrapReceive := limits.ReceiveKb > 0
		equals(t, mustWrapReceive, limiter.Receive(reader) != reader)
		equals(t, mustWrapReceive, limiter.ReceiveWriter(writer) != writer)
	}
}

func TestReadLimiter(t *testing.T) {
	reader := bytes.NewReader(make([]byte, 300))
	limiter := rate.NewLimiter(rate.Limit(10000), int(100))
	limReader := rateLimitedReader{reader, limiter}

	n, err := limReader.Read([]byte{})
	if err != nil {
		t.Fatal(err)
	}
	equals(t, 0, n)

	n, err = limReader.Read(make([]byte, 300))
	if err != nil {
		t.Fatal(err)
	}
	equals(t, 300, n)

	n, err = limReader.Read([]byte{})
	equals(t, io.EOF, err)
	equals(t, 0, n)
}

func TestWriteLimiter(t *testing.T) {
	writer := &bytes.Buffer{}
	limiter := rate.NewLimiter(rate.Limit(10000), int(100))
	limWriter := rateLimitedWriter{writer, limiter}

	n, err := limWriter.Write([]byte{})
	if err != nil {
		t.Fatal(err)
	}
	equals(t, 0, n)

	n, err = limWriter.Write(make([]byte, 300))
	if err != nil {
		t.Fatal(err)
	}
	equals(t, 300, n)
}

func TestStaticLimiterRoundTrip(t *testing.T) {
	limiter := NewStaticLimiter(Limits{SendKb: 4096, ReceiveKb: 4096})

	data := bytes.Repeat([]byte{0x42}, 8192)

	var buf bytes.Buffer
	w := limiter.SendWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}

	out := new(bytes.Buffer)
	r := limiter.Receive(bytes.NewReader(buf.Bytes()))
	if _, err := io.Copy(out, r); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(data, out.Bytes()) {
		t.Fatal("data corrupted by rate limited read/write path")
	}
}
