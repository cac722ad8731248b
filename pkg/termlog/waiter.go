package termlog

import "sync"

// commitTask is an entry in the commit-threshold priority queue. It either
// wakes a parked waiter or runs a registered continuation once the actual
// commit index reaches counter.
type commitTask struct {
	counter int64

	// waiter delivery; epoch guards against waking a recycled waiter.
	waiter *delayedWaiter
	epoch  uint64
	tag    any

	// continuation for UponCommit tasks.
	fn func(commitIndex int64)
}

func (t *commitTask) run(commitIndex int64) {
	if t.waiter != nil {
		t.waiter.deliver(t.epoch, commitIndex)
	} else if t.fn != nil {
		t.fn(commitIndex)
	}
}

// taskHeap is a min-heap ordered by counter.
type taskHeap []*commitTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].counter < h[j].counter }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*commitTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}

// delayedWaiter parks one goroutine on the commit watermark. Instances are
// pooled; the epoch makes deliveries to a recycled waiter no-ops, so a task
// left behind in the heap after a timeout cannot corrupt a later wait.
type delayedWaiter struct {
	mu     sync.Mutex
	epoch  uint64
	signal chan int64
}

var waiterPool = sync.Pool{
	New: func() any {
		return &delayedWaiter{signal: make(chan int64, 1)}
	},
}

// arm prepares the waiter for a new wait and returns the epoch to stamp on
// the commit task.
func (w *delayedWaiter) arm() uint64 {
	w.mu.Lock()
	w.epoch++
	e := w.epoch
	select {
	case <-w.signal:
	default:
	}
	w.mu.Unlock()
	return e
}

func (w *delayedWaiter) deliver(epoch uint64, commitIndex int64) {
	w.mu.Lock()
	if w.epoch == epoch {
		select {
		case w.signal <- commitIndex:
		default:
		}
	}
	w.mu.Unlock()
}
