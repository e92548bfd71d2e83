package sema_test

import (
	"testing"
	"time"

	"github.com/sshcore/sshcore/internal/sema"
)

func TestSemaphoreLimitsConcurrency(t *testing.T) {
	s, err := sema.New(2)
	if err != nil {
		t.Fatal(err)
	}

	s.GetToken()
	s.GetToken()

	acquired := make(chan struct{})
	go func() {
		s.GetToken()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third token acquired while semaphore was full")
	case <-time.After(20 * time.Millisecond):
	}

	s.ReleaseToken()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("token never became available after release")
	}

	s.ReleaseToken()
	s.ReleaseToken()
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := sema.New(0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}
