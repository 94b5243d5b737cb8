package worker

import "errors"

// ErrDispatcherBusy signals that all outbound dispatch slots are taken and
// the caller should retry later. Handlers map it to HTTP 429.
var ErrDispatcherBusy = errors.New("dispatcher busy")

// Limiter bounds the number of concurrent outbound webhook dispatches so a
// slow upstream cannot pile up unbounded in-flight requests.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a limiter with the given number of slots.
func NewLimiter(size int) *Limiter {
	if size <= 0 {
		size = 1
	}
	return &Limiter{slots: make(chan struct{}, size)}
}

// Acquire claims a dispatch slot or fails immediately with
// ErrDispatcherBusy when none is free.
func (l *Limiter) Acquire() error {
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Release returns a previously acquired slot.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}
