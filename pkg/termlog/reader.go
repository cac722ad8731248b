package termlog

import (
	"io"
	"sync/atomic"

	"github.com/downfa11-org/go-termlog/pkg/lcache"
)

// SegmentReader is a cursor which reads data behind the commit or contiguous
// watermark. Readers cache their watermark snapshots so the fast path avoids
// the log latch entirely.
type SegmentReader struct {
	links lcache.Links[*SegmentReader]

	log         *TermLog
	prevTerm    int64
	index       int64
	commitIndex int64
	contigIndex int64
	seg         *segment

	closed atomic.Bool
}

func (r *SegmentReader) CacheKey() int64                           { return r.index }
func (r *SegmentReader) CacheLinks() *lcache.Links[*SegmentReader] { return &r.links }

func (r *SegmentReader) PrevTerm() int64 { return r.prevTerm }
func (r *SegmentReader) Term() int64     { return r.log.term }
func (r *SegmentReader) Index() int64    { return r.index }

// Read blocks until at least one byte is committed at the current index,
// then reads up to the commit watermark. Returns io.EOF once the term has
// ended at the current index, and ErrClosed after Close.
func (r *SegmentReader) Read(buf []byte) (int, error) {
	index := r.index
	avail := r.commitIndex - index

	if avail <= 0 {
		commitIndex := r.log.waitForCommit(index+1, -1, r)
		if commitIndex < 0 {
			if commitIndex == WaitClosed || r.closed.Load() {
				return 0, ErrClosed
			}
			return 0, io.EOF
		}
		r.commitIndex = commitIndex
		avail = commitIndex - index
	}

	n := int64(len(buf))
	if n > avail {
		n = avail
	}
	return r.doRead(index, buf[:n])
}

// ReadAny reads whatever lies below the contiguous watermark without
// waiting. Returns 0 when caught up and io.EOF at the term end.
func (r *SegmentReader) ReadAny(buf []byte) (int, error) {
	index := r.index
	avail := r.contigIndex - index

	if avail <= 0 {
		r.log.mu.RLock()
		contigIndex := r.log.contigIndex
		endIndex := r.log.endIndex
		r.log.mu.RUnlock()

		r.contigIndex = contigIndex
		avail = contigIndex - index

		if avail <= 0 {
			if contigIndex == endIndex {
				return 0, io.EOF
			}
			return 0, nil
		}
	}

	n := int64(len(buf))
	if n > avail {
		n = avail
	}
	return r.doRead(index, buf[:n])
}

func (r *SegmentReader) doRead(index int64, buf []byte) (int, error) {
	seg := r.seg
	if seg == nil {
		if len(buf) == 0 {
			// Return now to avoid the prevTerm side effect.
			return 0, nil
		}
		var err error
		seg, err = r.segmentForReading(index)
		if err != nil {
			return 0, err
		}
		if seg == nil {
			return 0, io.EOF
		}
		r.seg = seg
		// The boundary to the previous term has been crossed.
		r.prevTerm = r.log.term
	}

	n, err := seg.read(index, buf)
	if err != nil {
		return 0, err
	}

	if n <= 0 {
		if len(buf) == 0 {
			return 0, nil
		}
		// Segment exhausted; move to the next one.
		r.seg = nil
		r.log.unreferenced(seg)
		seg, err = r.segmentForReading(index)
		if err != nil {
			return 0, err
		}
		if seg == nil {
			return 0, io.EOF
		}
		r.seg = seg
		n, err = seg.read(index, buf)
		if err != nil {
			return 0, err
		}
	}

	r.index = index + int64(n)
	r.log.metrics.BytesRead.Add(float64(n))
	return n, nil
}

func (r *SegmentReader) segmentForReading(index int64) (*segment, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.log.segmentForReading(index)
}

// Release returns the reader to the cache for reuse. The evicted victim, if
// any, drops its pinned segment.
func (r *SegmentReader) Release() {
	r.log.releaseReader(r)
}

// Close releases the reader and wakes any wait parked through it.
func (r *SegmentReader) Close() {
	r.closed.Store(true)
	r.Release()
	r.log.signalClosed(r)
}
