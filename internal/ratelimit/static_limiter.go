package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

type staticLimiter struct {
	send    *rate.Limiter
	receive *rate.Limiter
}

// Limits represents static send and receive rate limits, in KiB/s. Zero
// means unlimited.
type Limits struct {
	SendKb    int
	ReceiveKb int
}

// NewStaticLimiter constructs a Limiter with a fixed send and receive
// rate cap.
func NewStaticLimiter(l Limits) Limiter {
	var sendBucket, receiveBucket *rate.Limiter

	if l.SendKb > 0 {
		sendBucket = rate.NewLimiter(rate.Limit(toByteRate(l.SendKb)), int(toByteRate(l.SendKb)))
	}

	if l.ReceiveKb > 0 {
		receiveBucket = rate.NewLimiter(rate.Limit(toByteRate(l.ReceiveKb)), int(toByteRate(l.ReceiveKb)))
	}

	return staticLimiter{send: sendBucket, receive: receiveBucket}
}

func (l staticLimiter) Send(r io.Reader) io.Reader {
	return l.limitReader(r, l.send)
}

func (l staticLimiter) SendWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.send)
}

func (l staticLimiter) Receive(r io.Reader) io.Reader {
	return l.limitReader(r, l.receive)
}

func (l staticLimiter) ReceiveWriter(w io.Writer) io.Writer {
	return l.limitWriter(w, l.receive)
}

func (l staticLimiter) limitReader(r io.Reader, b *rate.Limiter) io.Reader {
	if b == nil {
		return r
	}
	return &rateLimitedReader{r, b}
}

type rateLimitedReader struct {
	reader io.Reader
	bucket *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err := consumeTokens(n, r.bucket); err != nil {
		return n, err
	}
	return n, err
}

func (l staticLimiter) limitWriter(w io.Writer, b *rate.Limiter) io.Writer {
	if b == nil {
		return w
	}
	return &rateLimitedWriter{w, b}
}

type rateLimitedWriter struct {
	writer io.Writer
	bucket *rate.Limiter
}

func (w *rateLimitedWriter) Write(buf []byte) (int, error) {
	if err := consumeTokens(len(buf), w.bucket); err != nil {
		return 0, err
	}
	return w.writer.Write(buf)
}

func consumeTokens(tokens int, bucket *rate.Limiter) error {
	// bucket allows waiting for at most Burst() tokens at once
	maxWait := bucket.Burst()
	for tokens > maxWait {
		if err := bucket.WaitN(context.Background(), maxWait); err != nil {
			return err
		}
		tokens -= maxWait
	}
	return bucket.WaitN(context.Background(), tokens)
}

func toByteRate(val int) float64 {
	return float64(val) * 1024.
}
