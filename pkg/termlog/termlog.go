package termlog

import (
	"container/heap"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/downfa11-org/go-termlog/pkg/config"
	"github.com/downfa11-org/go-termlog/pkg/lcache"
	"github.com/downfa11-org/go-termlog/pkg/metrics"
	"github.com/downfa11-org/go-termlog/pkg/worker"
)

// Params bundles the shared collaborators of a term log. Zero fields get
// sensible defaults; the worker is normally shared across term logs.
type Params struct {
	Options *config.Options
	Worker  *worker.Worker
	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

func (p Params) withDefaults() Params {
	if p.Options == nil {
		p.Options = config.Default()
	}
	if p.Logger == nil {
		p.Logger = hclog.NewNullLogger()
	}
	if p.Metrics == nil {
		p.Metrics = metrics.New(nil)
	}
	if p.Worker == nil {
		p.Worker = worker.New(p.Options.WorkerIdleTimeout(), p.Logger)
	}
	return p
}

/*
TermLog stores one term's data in file segments.

In general, legal index values are bounded as follows:

	start <= commit <= highest <= contig <= end

The commit index field can run ahead of the highest index; the reported
value is always min(commit, highest).
*/
type TermLog struct {
	opts    *config.Options
	logger  hclog.Logger
	metrics *metrics.Metrics
	worker  *worker.Worker

	base     string
	prevTerm int64
	term     int64

	startIndex int64

	mu           sync.RWMutex
	commitIndex  int64
	highestIndex int64
	contigIndex  int64
	endIndex     int64
	segments     segmentSet
	nonContig    writerHeap
	commitTasks  taskHeap
	closed       bool

	segmentCache *lcache.Cache[*segment]
	writerCache  *lcache.Cache[*SegmentWriter]
	readerCache  *lcache.Cache[*SegmentReader]

	syncMu sync.Mutex

	dirtyMu    sync.Mutex
	firstDirty *segment
	lastDirty  *segment
}

// writerHeap is a min-heap of non-contiguous writers ordered by start index.
type writerHeap []*SegmentWriter

func (h writerHeap) Len() int           { return len(h) }
func (h writerHeap) Less(i, j int) bool { return h[i].startIndex < h[j].startIndex }
func (h writerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *writerHeap) Push(x any)        { *h = append(*h, x.(*SegmentWriter)) }
func (h *writerHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// NewTermLog creates a new, empty term starting at startIndex.
func NewTermLog(p Params, base string, prevTerm, term, startIndex, commitIndex int64) (*TermLog, error) {
	base, err := checkBase(base)
	if err != nil {
		return nil, err
	}
	return newTermLog(p.withDefaults(), base, prevTerm, term, startIndex, commitIndex, startIndex, false)
}

// OpenTermLog opens an existing term, discovering its segment files on disk.
// Pass startIndex -1 to adopt the lowest on-disk segment's start.
func OpenTermLog(p Params, base string, prevTerm, term,
	startIndex, commitIndex, highestIndex int64) (*TermLog, error) {

	base, err := checkBase(base)
	if err != nil {
		return nil, err
	}
	return newTermLog(p.withDefaults(), base, prevTerm, term, startIndex, commitIndex, highestIndex, true)
}

func checkBase(base string) (string, error) {
	base, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		return "", fmt.Errorf("base file is a directory: %s", base)
	}
	parent := filepath.Dir(base)
	if _, err := os.Stat(parent); err != nil {
		return "", fmt.Errorf("parent directory doesn't exist: %s", parent)
	}
	return base, nil
}

func newTermLog(p Params, base string, prevTerm, term,
	startIndex, commitIndex, highestIndex int64, discover bool) (*TermLog, error) {

	if term < 0 {
		return nil, fmt.Errorf("illegal term: %d", term)
	}
	if commitIndex > highestIndex {
		return nil, fmt.Errorf("commit index is higher than highest index: %d > %d",
			commitIndex, highestIndex)
	}

	t := &TermLog{
		opts:     p.Options,
		metrics:  p.Metrics,
		worker:   p.Worker,
		base:     base,
		prevTerm: prevTerm,
		term:     term,
	}
	t.logger = p.Logger.With("term", term, "id", uuid.NewString()[:8])

	if discover {
		if err := t.loadSegments(); err != nil {
			return nil, err
		}
	}

	if startIndex == -1 {
		first := t.segments.first()
		if first == nil {
			return nil, fmt.Errorf("%w: %d", ErrNoSegmentFiles, term)
		}
		startIndex = first.startIndex
	} else if startIndex < highestIndex {
		first := t.segments.first()
		if first == nil || first.startIndex > startIndex {
			return nil, fmt.Errorf("%w: index=%d term=%d", ErrMissingSegment, startIndex, term)
		}
	}

	if err := t.verifyCoverage(startIndex, highestIndex); err != nil {
		return nil, err
	}
	if err := t.shrinkOverlaps(); err != nil {
		return nil, err
	}

	t.startIndex = startIndex
	t.commitIndex = commitIndex
	t.highestIndex = highestIndex
	t.contigIndex = highestIndex
	t.endIndex = math.MaxInt64

	t.dropOutOfBounds()

	t.segmentCache = lcache.New[*segment](t.opts.MaxCachedSegments)
	t.writerCache = lcache.New[*SegmentWriter](t.opts.MaxCachedWriters)
	t.readerCache = lcache.New[*SegmentReader](t.opts.MaxCachedReaders)

	t.logger.Debug("term log opened",
		"startIndex", t.startIndex, "commitIndex", t.commitIndex,
		"highestIndex", t.highestIndex, "segments", t.segments.len())

	return t, nil
}

// loadSegments scans the base directory for <base>.<term>.<digits> files.
func (t *TermLog) loadSegments() error {
	dir := filepath.Dir(t.base)
	name := filepath.Base(t.base)

	re, err := regexp.Compile("^" + regexp.QuoteMeta(name) +
		"\\." + strconv.FormatInt(t.term, 10) + "\\.(\\d+)$")
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		m := re.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		start, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		// Start with the desired max length; overlaps are truncated on the
		// second pass.
		maxLength := t.maxSegmentLength()
		if info.Size() > maxLength {
			maxLength = info.Size()
		}

		t.segments.insert(newSegment(t, start, maxLength))
	}

	return nil
}

// verifyCoverage checks that segment files cover [startIndex, highestIndex)
// without gaps.
func (t *TermLog) verifyCoverage(startIndex, highestIndex int64) error {
	segs := t.segments.all()
	for i, seg := range segs {
		if seg.endIndex() <= startIndex {
			continue
		}
		if seg.startIndex >= highestIndex {
			break
		}
		onDisk, err := t.segmentFileLength(seg)
		if err != nil {
			return err
		}
		segHighest := seg.startIndex + onDisk
		if segHighest >= highestIndex {
			continue
		}
		if i+1 >= len(segs) || segHighest < segs[i+1].startIndex {
			return fmt.Errorf("%w: %s", ErrIncompleteSegment, seg.path())
		}
	}
	return nil
}

// shrinkOverlaps truncates segments based on the start index of their
// successor.
func (t *TermLog) shrinkOverlaps() error {
	segs := t.segments.all()
	for i := 0; i+1 < len(segs); i++ {
		seg, next := segs[i], segs[i+1]
		if seg.endIndex() <= next.startIndex {
			continue
		}
		if !seg.setEndIndex(next.startIndex) {
			continue
		}
		onDisk, err := t.segmentFileLength(seg)
		if err != nil {
			return err
		}
		if onDisk > seg.maxLength.Load() {
			if err := seg.truncate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropOutOfBounds deletes segments which lie entirely outside
// [startIndex, highestIndex).
func (t *TermLog) dropOutOfBounds() {
	segs := append([]*segment(nil), t.segments.all()...)
	for _, seg := range segs {
		if seg.endIndex() <= t.startIndex || seg.startIndex >= t.highestIndex {
			if err := os.Remove(seg.path()); err != nil && !os.IsNotExist(err) {
				t.logger.Warn("failed to delete out-of-bounds segment",
					"path", seg.path(), "error", err)
			}
			t.segments.remove(seg)
		}
	}
}

func (t *TermLog) segmentFileLength(seg *segment) (int64, error) {
	info, err := os.Stat(seg.path())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

func (t *TermLog) PrevTerm() int64   { return t.prevTerm }
func (t *TermLog) Term() int64       { return t.term }
func (t *TermLog) StartIndex() int64 { return t.startIndex }

func (t *TermLog) EndIndex() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endIndex
}

// CaptureHighest snapshots the term, highest index and actual commit index.
func (t *TermLog) CaptureHighest(info *LogInfo) {
	info.Term = t.term
	t.mu.RLock()
	info.HighestIndex = t.highestIndex
	info.CommitIndex = t.actualCommitIndexLocked()
	t.mu.RUnlock()
}

// Caller must hold the latch.
func (t *TermLog) actualCommitIndexLocked() int64 {
	if t.commitIndex < t.highestIndex {
		return t.commitIndex
	}
	return t.highestIndex
}

// Commit permits the commit watermark to advance. Regressions are ignored.
func (t *TermLog) Commit(commitIndex int64) {
	t.mu.Lock()
	if commitIndex > t.commitIndex {
		if commitIndex > t.endIndex {
			commitIndex = t.endIndex
		}
		t.commitIndex = commitIndex
		t.notifyCommitTasks(t.actualCommitIndexLocked()) // releases the latch
		return
	}
	t.mu.Unlock()
}

// WaitForCommit blocks until the actual commit index reaches index. A
// negative timeout waits forever. Returns the commit index, or WaitTimeout,
// WaitTermEnd or WaitClosed.
func (t *TermLog) WaitForCommit(index int64, timeout time.Duration) int64 {
	return t.waitForCommit(index, timeout, t)
}

func (t *TermLog) waitForCommit(index int64, timeout time.Duration, tag any) int64 {
	t.mu.RLock()
	if c := t.actualCommitIndexLocked(); c >= index {
		t.mu.RUnlock()
		return c
	}
	pastEnd := index > t.endIndex
	closed := t.closed
	t.mu.RUnlock()

	if pastEnd {
		return WaitTermEnd
	}
	if closed {
		return WaitClosed
	}

	w := waiterPool.Get().(*delayedWaiter)
	epoch := w.arm()
	task := &commitTask{counter: index, waiter: w, epoch: epoch, tag: tag}

	t.mu.Lock()
	if c := t.actualCommitIndexLocked(); c >= index {
		t.mu.Unlock()
		waiterPool.Put(w)
		return c
	}
	if index > t.endIndex {
		t.mu.Unlock()
		waiterPool.Put(w)
		return WaitTermEnd
	}
	if t.closed {
		t.mu.Unlock()
		waiterPool.Put(w)
		return WaitClosed
	}
	heap.Push(&t.commitTasks, task)
	t.mu.Unlock()

	t.metrics.CommitWaiters.Inc()
	defer t.metrics.CommitWaiters.Dec()

	if timeout < 0 {
		v := <-w.signal
		waiterPool.Put(w)
		return v
	}

	if timeout == 0 {
		select {
		case v := <-w.signal:
			waiterPool.Put(w)
			return v
		default:
			w.arm() // ignore a late delivery
			waiterPool.Put(w)
			return WaitTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-w.signal:
		waiterPool.Put(w)
		return v
	case <-timer.C:
		w.arm()
		waiterPool.Put(w)
		return WaitTimeout
	}
}

// UponCommit registers a continuation which fires once when the actual
// commit index reaches index. It runs inline when the threshold is already
// met; close delivers WaitClosed, and a finished term delivers WaitTermEnd
// for thresholds past the end.
func (t *TermLog) UponCommit(index int64, fn func(commitIndex int64)) {
	t.mu.Lock()

	commitIndex := t.actualCommitIndexLocked()
	if commitIndex < index {
		switch {
		case t.closed:
			commitIndex = WaitClosed
		case index > t.endIndex:
			commitIndex = WaitTermEnd
		default:
			heap.Push(&t.commitTasks, &commitTask{counter: index, fn: fn})
			t.mu.Unlock()
			return
		}
	}

	t.mu.Unlock()
	fn(commitIndex)
}

// signalClosed delivers the closed sentinel to waiters parked through the
// given writer or reader.
func (t *TermLog) signalClosed(tag any) {
	t.mu.RLock()
	for _, task := range t.commitTasks {
		if task.tag == tag {
			task.run(WaitClosed)
		}
	}
	t.mu.RUnlock()
}

// FinishTerm fixes the term's end. Lowering is permanent: segments past the
// end are truncated, pending writers past the end are dropped, and waiters
// past the end observe WaitTermEnd.
func (t *TermLog) FinishTerm(endIndex int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	commitIndex := t.actualCommitIndexLocked()
	if endIndex < commitIndex && commitIndex > t.startIndex {
		return fmt.Errorf("%w: cannot finish term below commit index: %d < %d",
			ErrIllegalTermBoundary, endIndex, commitIndex)
	}
	if endIndex == t.endIndex {
		return nil
	}
	if endIndex > t.endIndex {
		return fmt.Errorf("%w: term is already finished: %d > %d",
			ErrIllegalTermBoundary, endIndex, t.endIndex)
	}

	for _, seg := range t.segments.all() {
		seg.mu.Lock()
		shouldTruncate := seg.setEndIndex(endIndex)
		seg.mu.Unlock()
		if shouldTruncate && !t.closed {
			t.scheduleTruncate(seg)
		}
	}

	t.endIndex = endIndex

	if endIndex < t.contigIndex {
		t.contigIndex = endIndex
	}
	if endIndex < t.highestIndex {
		t.highestIndex = endIndex
	}

	if len(t.nonContig) > 0 {
		kept := t.nonContig[:0]
		for _, w := range t.nonContig {
			if w.startIndex < endIndex {
				kept = append(kept, w)
			}
		}
		t.nonContig = kept
		heap.Init(&t.nonContig)
	}

	if len(t.commitTasks) > 0 {
		kept := t.commitTasks[:0]
		for _, task := range t.commitTasks {
			if task.counter > endIndex {
				task.run(WaitTermEnd)
			} else {
				kept = append(kept, task)
			}
		}
		t.commitTasks = kept
		heap.Init(&t.commitTasks)
	}

	t.logger.Debug("term finished", "endIndex", endIndex)
	return nil
}

// CheckForMissingData reports gaps in the contiguous range. Pass the contig
// index returned by the previous call (or 0); ranges are only reported when
// no progress was made since. Returns the current contig index.
func (t *TermLog) CheckForMissingData(contigIndex int64, results IndexRange) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if contigIndex < t.startIndex || t.contigIndex == contigIndex {
		expectedIndex := t.endIndex
		if expectedIndex == math.MaxInt64 {
			expectedIndex = t.commitIndex
		}

		missingStartIndex := t.contigIndex

		if len(t.nonContig) > 0 {
			writers := append([]*SegmentWriter(nil), t.nonContig...)
			sort.Slice(writers, func(i, j int) bool {
				return writers[i].startIndex < writers[j].startIndex
			})
			for _, w := range writers {
				missingEndIndex := w.startIndex
				if missingStartIndex != missingEndIndex {
					results(missingStartIndex, missingEndIndex)
				}
				missingStartIndex = w.index
			}
		}

		if expectedIndex > missingStartIndex {
			results(missingStartIndex, expectedIndex)
		}
	}

	return t.contigIndex
}

// OpenWriter returns a new or cached writer positioned at startIndex. It
// never blocks; writers above the contiguous region are tracked until the
// gap below them fills.
func (t *TermLog) OpenWriter(startIndex int64) (*SegmentWriter, error) {
	if w := t.writerCache.Remove(startIndex); w != nil {
		return w, nil
	}

	w := &SegmentWriter{
		log:        t,
		startIndex: startIndex,
		index:      startIndex,
	}
	if startIndex == t.startIndex {
		w.prevTerm = t.prevTerm
	} else {
		w.prevTerm = t.term
	}

	t.mu.Lock()
	if startIndex > t.contigIndex && startIndex < t.endIndex {
		heap.Push(&t.nonContig, w)
	}
	t.mu.Unlock()

	return w, nil
}

// OpenReader returns a new or cached reader positioned at startIndex. It
// never blocks.
func (t *TermLog) OpenReader(startIndex int64) (*SegmentReader, error) {
	if r := t.readerCache.Remove(startIndex); r != nil {
		return r, nil
	}

	prevTerm := t.term
	if startIndex <= t.startIndex {
		prevTerm = t.prevTerm
	}
	return &SegmentReader{log: t, prevTerm: prevTerm, index: startIndex}, nil
}

// addToDirtyList links a segment into the dirty FIFO. The caller must have
// won the segment's 0->1 dirty transition.
func (t *TermLog) addToDirtyList(seg *segment) {
	t.dirtyMu.Lock()
	if t.lastDirty == nil {
		t.firstDirty = seg
	} else {
		t.lastDirty.nextDirty = seg
	}
	t.lastDirty = seg
	t.dirtyMu.Unlock()

	t.metrics.DirtySegments.Inc()
}

// Sync drains the dirty list, flushing segments in FIFO order. Concurrent
// calls coalesce; on return, bytes present when the first dirty snapshot was
// taken are durable. A failed segment is re-marked dirty for a later retry.
func (t *TermLog) Sync() error {
	var firstErr error

	t.syncMu.Lock()

	start := time.Now()

	t.dirtyMu.Lock()
	seg := t.firstDirty
	if seg == nil {
		t.dirtyMu.Unlock()
		t.syncMu.Unlock()
		return nil
	}
	last := t.lastDirty
	t.popDirtyLocked(seg)
	t.dirtyMu.Unlock()

	for {
		t.metrics.DirtySegments.Dec()
		if err := seg.sync(); err != nil && firstErr == nil {
			firstErr = err
		}

		if seg == last {
			break
		}

		t.dirtyMu.Lock()
		seg = t.firstDirty
		if seg == nil {
			t.dirtyMu.Unlock()
			break
		}
		t.popDirtyLocked(seg)
		t.dirtyMu.Unlock()
	}

	t.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	t.syncMu.Unlock()

	return firstErr
}

// Caller must hold dirtyMu; seg must be the current head.
func (t *TermLog) popDirtyLocked(seg *segment) {
	next := seg.nextDirty
	t.firstDirty = next
	if next == nil {
		t.lastDirty = nil
	} else {
		seg.nextDirty = nil
	}
}

// Close joins the background worker, closes every segment and delivers the
// closed sentinel to all pending commit waiters.
func (t *TermLog) Close() error {
	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Wait for pending truncate and close tasks first. New truncate tasks
	// cannot be enqueued while the exclusive latch is held.
	t.worker.Join(false)
	t.closed = true

	var firstErr error
	for _, seg := range t.segments.all() {
		seg.mu.Lock()
		if err := seg.closeLocked(true); err != nil && firstErr == nil {
			firstErr = err
		}
		seg.mu.Unlock()
	}

	for _, task := range t.commitTasks {
		task.run(WaitClosed)
	}
	t.commitTasks = nil

	return firstErr
}

// segmentForWriting pins the segment covering index, creating one when none
// exists. Returns nil past the term end.
func (t *TermLog) segmentForWriting(index int64) (*segment, error) {
	if index < t.startIndex {
		return nil, fmt.Errorf("%w: %d < %d", ErrInvalidIndex, index, t.startIndex)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= t.endIndex {
		return nil, nil
	}

	if seg := t.segments.floor(index); seg != nil && index < seg.endIndex() {
		t.segmentCache.Remove(seg.startIndex)
		seg.refs.Add(1)
		return seg, nil
	}

	if t.closed {
		return nil, ErrClosed
	}

	maxLength := t.maxSegmentLength()
	startIndex := index
	if floor := t.segments.floor(index); floor != nil {
		startIndex = floor.endIndex() +
			((index-floor.endIndex())/maxLength)*maxLength
	}

	// Don't allow the segment to encroach on its successor or to pass the
	// term end.
	endIndex := t.endIndex
	if next := t.segments.higher(index); next != nil {
		endIndex = next.startIndex
	}
	if endIndex-startIndex < maxLength {
		maxLength = endIndex - startIndex
	}

	seg := newSegment(t, startIndex, maxLength)
	t.segments.insert(seg)
	t.metrics.SegmentsCreated.Inc()
	return seg, nil
}

// maxSegmentLength ramps with the segment count, capped by configuration.
// Caller must hold the latch.
func (t *TermLog) maxSegmentLength() int64 {
	size := t.opts.BaseSegmentSize
	max := t.opts.MaxSegmentSize
	for i := t.segments.len(); i > 0 && size < max; i-- {
		size <<= 1
	}
	if size > max {
		size = max
	}
	return size
}

// segmentForReading pins the segment covering index, or returns nil when
// none exists.
func (t *TermLog) segmentForReading(index int64) (*segment, error) {
	if index < t.startIndex {
		return nil, fmt.Errorf("%w: %d < %d", ErrInvalidIndex, index, t.startIndex)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if seg := t.segments.floor(index); seg != nil && index < seg.endIndex() {
		seg.refs.Add(1)
		return seg, nil
	}
	return nil, nil
}

// writeFinished is called by a writer after each physical write. It resolves
// the new contiguous prefix, absorbs writers from the non-contig heap, and
// applies the caller-asserted highest index.
func (t *TermLog) writeFinished(w *SegmentWriter, currentIndex, highestIndex int64) {
	t.mu.Lock()

	commitIndex := t.commitIndex
	if highestIndex < commitIndex {
		allowed := commitIndex
		if t.contigIndex < allowed {
			allowed = t.contigIndex
		}
		if highestIndex < allowed {
			highestIndex = allowed
		}
	}

	endIndex := t.endIndex
	if currentIndex > endIndex {
		currentIndex = endIndex
	}
	if highestIndex > endIndex {
		highestIndex = endIndex
	}

	w.index = currentIndex
	if currentIndex > w.startIndex {
		w.prevTerm = t.term
	}
	if highestIndex > w.highestIndex {
		w.highestIndex = highestIndex
	}

	contigIndex := t.contigIndex
	if w.startIndex <= contigIndex {
		// The writer sits on the contiguous region; check if it grows now.
		if currentIndex > contigIndex {
			contigIndex = currentIndex

			// Absorb writers which the new contiguous region reaches.
			for len(t.nonContig) > 0 {
				next := t.nonContig[0]
				if next.startIndex > contigIndex {
					break
				}
				heap.Pop(&t.nonContig)
				if next.index > contigIndex {
					contigIndex = next.index
				}
				if nh := next.highestIndex; nh > highestIndex && highestIndex <= contigIndex {
					highestIndex = nh
				}
			}

			t.contigIndex = contigIndex
		}

		apply := false
		if endIndex < math.MaxInt64 {
			// The term has ended, which is always at a valid highest index.
			// The contiguous index doubles as the highest, letting the
			// commit index advance.
			highestIndex = contigIndex
			apply = true
		} else if highestIndex > t.highestIndex && highestIndex <= contigIndex {
			apply = true
		}

		if apply {
			t.highestIndex = highestIndex
			t.notifyCommitTasks(t.actualCommitIndexLocked()) // releases the latch
			return
		}
	}

	t.mu.Unlock()
}

// notifyCommitTasks fires every task whose threshold is reached. Caller must
// hold the exclusive latch, which is always released by this method. The
// commit index is re-read between tasks since continuations may mutate it.
func (t *TermLog) notifyCommitTasks(commitIndex int64) {
	for {
		if len(t.commitTasks) == 0 || commitIndex < t.commitTasks[0].counter {
			t.mu.Unlock()
			return
		}
		task := heap.Pop(&t.commitTasks).(*commitTask)
		empty := len(t.commitTasks) == 0
		t.mu.Unlock()
		task.run(commitIndex)
		if empty {
			return
		}
		t.mu.Lock()
		commitIndex = t.actualCommitIndexLocked()
	}
}

func (t *TermLog) releaseWriter(w *SegmentWriter) {
	victim := t.writerCache.Add(w)
	if victim != nil {
		if seg := victim.seg; seg != nil {
			victim.seg = nil
			t.unreferenced(seg)
		}
	}
}

func (t *TermLog) releaseReader(r *SegmentReader) {
	victim := t.readerCache.Add(r)
	if victim != nil {
		if seg := victim.seg; seg != nil {
			victim.seg = nil
			t.unreferenced(seg)
		}
	}
}

// unreferenced drops one borrow from the segment. When the segment becomes
// idle it moves to the segment cache and background work unmaps it, closing
// whichever segment the cache evicted in its place.
func (t *TermLog) unreferenced(seg *segment) {
	if seg.refs.Add(-1) >= 0 {
		return
	}

	toClose := t.segmentCache.Add(seg)

	t.worker.Enqueue(func() {
		t.doUnreferenced(seg, toClose)
	})
}

func (t *TermLog) doUnreferenced(seg, toClose *segment) {
	seg.mu.Lock()
	if seg.refs.Load() < 0 {
		seg.unmapLocked()
	}
	seg.mu.Unlock()

	if toClose != nil {
		toClose.mu.Lock()
		if toClose.refs.Load() < 0 {
			if err := toClose.closeLocked(false); err != nil {
				t.logger.Warn("failed to close evicted segment",
					"path", toClose.path(), "error", err)
			}
		} else {
			// Still in use; at least drop the mapping.
			toClose.unmapLocked()
		}
		toClose.mu.Unlock()
	}
}

// scheduleTruncate truncates the segment on the background worker, holding a
// borrow for the duration.
func (t *TermLog) scheduleTruncate(seg *segment) {
	seg.refs.Add(1)

	t.worker.Enqueue(func() {
		if err := seg.truncate(); err != nil {
			t.logger.Warn("failed to truncate segment",
				"path", seg.path(), "error", err)
		}
		if seg.refs.Add(-1) < 0 {
			t.doUnreferenced(seg, t.segmentCache.Add(seg))
		}
	})
}
