package plugin

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Queue runs posted functions one at a time, in posting order, on a
// goroutine it starts on demand. Post never blocks and never drops.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// Post appends fn to the queue.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

// Flush blocks until everything posted before the call has run.
// It must not be called from a function running on the same queue.
func (q *Queue) Flush() {
	done := make(chan struct{})
	q.Post(func() { close(done) })
	<-done
}

// Len reports the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		run(fn)
	}
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("PLUGIN: subscriber panicked: %v", r)
		}
	}()
	fn()
}
