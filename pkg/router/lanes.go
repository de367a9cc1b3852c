// Copyright 2024-2026 Aiku AI

package router

import (
	"sync"
)

// lanes runs jobs that share a key one at a time, in submission order. Each
// key with queued work has exactly one goroutine draining it; keys without
// work cost nothing.
type lanes struct {
	mu     sync.Mutex
	queues map[string][]func()
}

func newLanes() *lanes {
	return &lanes{queues: make(map[string][]func())}
}

func (l *lanes) submit(key string, job func()) {
	l.mu.Lock()
	q, active := l.queues[key]
	l.queues[key] = append(q, job)
	l.mu.Unlock()
	if !active {
		go l.drain(key)
	}
}

// do runs fn in the key's lane and waits for it to finish.
func (l *lanes) do(key string, fn func()) {
	done := make(chan struct{})
	l.submit(key, func() {
		defer close(done)
		fn()
	})
	<-done
}

func (l *lanes) drain(key string) {
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		job := q[0]
		q[0] = nil
		l.queues[key] = q[1:]
		l.mu.Unlock()
		job()
	}
}

// active returns the number of keys with queued or running work.
func (l *lanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}
