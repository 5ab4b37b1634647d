package transport

import (
	"context"
	"sync"
)

// PortLocks grants exclusive use of a port: at most one session per port
// name may be open at a time.
type PortLocks struct {
	mu    sync.Mutex
	ports map[string]chan struct{}
}

// NewPortLocks creates an empty lock table.
func NewPortLocks() *PortLocks {
	return &PortLocks{ports: make(map[string]chan struct{})}
}

func (l *PortLocks) slot(port string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.ports[port]
	if !ok {
		ch = make(chan struct{}, 1)
		l.ports[port] = ch
	}
	return ch
}

// Acquire blocks until the port is free or ctx is done. The returned release
// function is safe to call more than once.
func (l *PortLocks) Acquire(ctx context.Context, port string) (func(), error) {
	ch := l.slot(port)
	select {
	case ch <- struct{}{}:
		return releaser(ch), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the port only if it is free right now.
func (l *PortLocks) TryAcquire(port string) (func(), bool) {
	ch := l.slot(port)
	select {
	case ch <- struct{}{}:
		return releaser(ch), true
	default:
		return nil, false
	}
}

// Busy reports whether a session currently holds the port.
func (l *PortLocks) Busy(port string) bool {
	return len(l.slot(port)) == 1
}

func releaser(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}
}
