// Package locks provides shop.Locker implementations.
package locks

import (
	"context"
	"sync"
)

// Local serializes keys inside one process. Waiters block on a per-key
// channel so a cancelled context can stop waiting.
type Local struct {
	mu    sync.Mutex
	held  map[string]chan struct{}
	waits map[string]int
}

func NewLocal() *Local {
	return &Local{
		held:  make(map[string]chan struct{}),
		waits: make(map[string]int),
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return l.unlocker(key), nil
		}
		l.waits[key]++
		l.mu.Unlock()

		select {
		case <-ch:
			l.doneWaiting(key)
		case <-ctx.Done():
			l.doneWaiting(key)
			return nil, ctx.Err()
		}
	}
}

func (l *Local) doneWaiting(key string) {
	l.mu.Lock()
	l.waits[key]--
	if l.waits[key] == 0 {
		delete(l.waits, key)
	}
	l.mu.Unlock()
}

func (l *Local) unlocker(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			ch := l.held[key]
			delete(l.held, key)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Held reports how many keys are currently locked.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
