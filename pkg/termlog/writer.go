package termlog

import (
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-termlog/pkg/lcache"
)

// SegmentWriter is a cursor which writes data into consecutive segments,
// starting from a fixed index. Writers are recycled through the writer cache
// keyed by their current index, so a released writer resumes where it left
// off when the same index is opened again.
type SegmentWriter struct {
	links lcache.Links[*SegmentWriter]

	log          *TermLog
	prevTerm     int64
	startIndex   int64
	index        int64
	highestIndex int64
	seg          *segment

	closed atomic.Bool
}

func (w *SegmentWriter) CacheKey() int64                           { return w.index }
func (w *SegmentWriter) CacheLinks() *lcache.Links[*SegmentWriter] { return &w.links }

func (w *SegmentWriter) PrevTerm() int64 { return w.prevTerm }
func (w *SegmentWriter) Term() int64     { return w.log.term }
func (w *SegmentWriter) Index() int64    { return w.index }

// Write appends data, crossing segment boundaries as needed. highestIndex is
// the caller's assertion that bytes up to it form a valid prefix once this
// write is applied. The returned count is short when the term end is reached,
// possibly zero.
func (w *SegmentWriter) Write(data []byte, highestIndex int64) (int, error) {
	index := w.index
	seg := w.seg

	if seg == nil {
		var err error
		seg, err = w.segmentForWriting(index)
		if err != nil {
			return 0, err
		}
		if seg == nil {
			return 0, nil
		}
		w.seg = seg
	}

	total := 0

	for {
		n, err := seg.write(index, data)
		if err != nil {
			return total, err
		}
		index += int64(n)
		total += n
		data = data[n:]
		if len(data) == 0 {
			break
		}
		w.seg = nil
		w.log.unreferenced(seg)
		var serr error
		seg, serr = w.segmentForWriting(index)
		if serr != nil {
			return total, serr
		}
		if seg == nil {
			break
		}
		w.seg = seg
	}

	w.log.writeFinished(w, index, highestIndex)

	return total, nil
}

func (w *SegmentWriter) segmentForWriting(index int64) (*segment, error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}
	return w.log.segmentForWriting(index)
}

// WaitForCommit blocks until the commit watermark reaches index, using the
// writer as the park key so Close can release the wait.
func (w *SegmentWriter) WaitForCommit(index int64, timeout time.Duration) int64 {
	commitIndex := w.log.waitForCommit(index, timeout, w)
	if commitIndex < 0 && (commitIndex == WaitClosed || w.closed.Load()) {
		return WaitClosed
	}
	return commitIndex
}

// UponCommit registers a continuation on the log's commit watermark.
func (w *SegmentWriter) UponCommit(index int64, fn func(commitIndex int64)) {
	w.log.UponCommit(index, fn)
}

// Release returns the writer to the cache for reuse. The evicted victim, if
// any, drops its pinned segment.
func (w *SegmentWriter) Release() {
	w.log.releaseWriter(w)
}

// Close releases the writer and wakes any wait parked through it.
func (w *SegmentWriter) Close() {
	w.closed.Store(true)
	w.Release()
	w.log.signalClosed(w)
}
