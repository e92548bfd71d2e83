// Package sema implements the counting semaphore that caps concurrent
// forwarded streams and in-flight SFTP requests.
package sema

import "github.com/sshcore/sshcore/internal/errors"

// A Semaphore limits access to a restricted resource.
type Semaphore struct {
	ch chan struct{}
}

// New returns a new semaphore with capacity n.
func New(n uint) (Semaphore, error) {
	if n == 0 {
		return Semaphore{}, errors.New("capacity must be a positive number")
	}
	return Semaphore{
		ch: make(chan struct{}, n),
	}, nil
}

// GetToken blocks until a Token is available.
func (s Semaphore) GetToken() { s.ch <- struct{}{} }

// ReleaseToken returns a token.
func (s Semaphore) ReleaseToken() { <-s.ch }
