// Package worker runs background tasks on a single goroutine. Tasks execute
// in FIFO order; the goroutine is started on demand and exits after an idle
// timeout, to be respawned by the next enqueue.
package worker

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const defaultIdleTimeout = 10 * time.Second

// Task is one unit of background work. Tasks must not panic; the worker does
// not recover, so a panicking task terminates the program.
type Task func()

type Worker struct {
	logger      hclog.Logger
	idleTimeout time.Duration

	mu       sync.Mutex
	queue    []Task
	running  bool
	inflight bool
	stop     bool
	wake     chan struct{}
	waiters  []chan struct{}
}

func New(idleTimeout time.Duration, logger hclog.Logger) *Worker {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Worker{
		logger:      logger,
		idleTimeout: idleTimeout,
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue appends a task and wakes or spawns the worker goroutine.
func (w *Worker) Enqueue(t Task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	if !w.running {
		w.running = true
		go w.run()
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Join blocks until the queue is drained and no task is executing. Passing
// interrupt makes the worker goroutine exit once drained; a later Enqueue
// spawns a fresh one.
func (w *Worker) Join(interrupt bool) {
	w.mu.Lock()
	if interrupt {
		w.stop = true
	}
	if len(w.queue) == 0 && !w.inflight {
		if interrupt {
			// A running goroutine consumes the flag in its loop; with none
			// running it is cleared here.
			if !w.running {
				w.stop = false
			}
		}
		w.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()
	<-ch
}

func (w *Worker) run() {
	timer := time.NewTimer(w.idleTimeout)
	defer timer.Stop()

	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			for _, ch := range w.waiters {
				close(ch)
			}
			w.waiters = nil

			if w.stop {
				w.stop = false
				w.running = false
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.idleTimeout)

			select {
			case <-w.wake:
				continue
			case <-timer.C:
				w.mu.Lock()
				if len(w.queue) == 0 {
					w.running = false
					w.stop = false
					w.mu.Unlock()
					w.logger.Trace("worker idle, exiting")
					return
				}
				w.mu.Unlock()
				continue
			}
		}

		t := w.queue[0]
		w.queue = w.queue[1:]
		w.inflight = true
		w.mu.Unlock()

		t()

		w.mu.Lock()
		w.inflight = false
		w.mu.Unlock()
	}
}
