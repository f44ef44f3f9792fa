package engine

import "sync"

// CancelToken is the cooperative cancellation handle passed into the
// per-device call chain. The runner checks it at defined yield points; it is
// never consulted mid-connection, so cancellation converges within one
// in-flight device timeout.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel requests cancellation. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether cancellation was requested.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done exposes the cancellation signal as a channel.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}
