package flowcontrol

import (
	"context"
	"testing"
	"time"
)

func TestConsumeExactCreditSucceeds(t *testing.T) {
	w := New(4096, 1024)
	if err := w.Consume(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}
	if w.Size() != 0 {
		t.Fatalf("size = %d, want 0", w.Size())
	}
}

func TestConsumeBeyondCreditBlocksUntilExpand(t *testing.T) {
	w := New(4096, 1024)
	if err := w.Consume(context.Background(), 4096); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- w.Consume(context.Background(), 2048)
	}()

	select {
	case err := <-done:
		t.Fatalf("consume returned %v before credit arrived", err)
	case <-time.After(20 * time.Millisecond):
	}

	w.Expand(2048)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("consume still blocked after expand")
	}

	// The 2048 added were consumed exactly; the next byte still blocks.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Consume(ctx, 1); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestConsumeCanceledByContext(t *testing.T) {
	w := New(0, 1024)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Consume(ctx, 1)
	}()
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestConsumeReturnsErrClosedOnClose(t *testing.T) {
	w := New(0, 1024)
	done := make(chan error, 1)
	go func() {
		done <- w.Consume(context.Background(), 1)
	}()
	time.Sleep(10 * time.Millisecond)
	w.Close()
	if err := <-done; err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestConsumeAndCheckOverdraftIsProtocolError(t *testing.T) {
	w := New(16, 1024)
	if err := w.ConsumeAndCheck(17); err == nil {
		t.Fatal("want error when peer exceeds the receive window")
	}
}

func TestConsumeAndCheckReplenishesViaAdjust(t *testing.T) {
	w := New(4096, 1024)
	var adjusted uint32
	w.SetAdjustFunc(func(delta uint32) { adjusted += delta })

	// Stay above the threshold: no adjust yet.
	if err := w.ConsumeAndCheck(2048); err != nil {
		t.Fatal(err)
	}
	if adjusted != 0 {
		t.Fatalf("adjust fired early with %d", adjusted)
	}

	// Drop below packetSize: the window replenishes back to its initial
	// size and announces the delta.
	if err := w.ConsumeAndCheck(1536); err != nil {
		t.Fatal(err)
	}
	if adjusted == 0 {
		t.Fatal("adjust did not fire")
	}
	if w.Size() != 4096 {
		t.Fatalf("size = %d, want replenished 4096", w.Size())
	}
}

func TestPacketSizeClamped(t *testing.T) {
	if got := New(1, 0).PacketSize(); got != DefaultPacketSize {
		t.Fatalf("zero packet size = %d, want default %d", got, DefaultPacketSize)
	}
	if got := New(1, MaxPacketSize+1).PacketSize(); got != MaxPacketSize {
		t.Fatalf("oversized packet size = %d, want clamped %d", got, MaxPacketSize)
	}
}
