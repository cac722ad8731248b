package termlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/downfa11-org/go-termlog/pkg/lcache"
)

// segment is one file holding the slice [startIndex, startIndex+maxLength) of
// the term's byte stream. The write handle and the read mapping are opened
// lazily and may be dropped by the background worker at any time; operations
// retry once when the handle they used was swapped out underneath them.
type segment struct {
	links lcache.Links[*segment]

	log        *TermLog
	startIndex int64
	maxLength  atomic.Int64 // shrinks only

	// Zero-based reference count: 0 means one borrow, negative means idle.
	refs atomic.Int32

	dirty     atomic.Int32
	nextDirty *segment

	mu     sync.RWMutex
	file   *os.File     // write handle, preallocated to maxLength
	rdr    *mmap.ReaderAt // read-only mapping
	closed bool
}

func newSegment(log *TermLog, startIndex, maxLength int64) *segment {
	s := &segment{log: log, startIndex: startIndex}
	s.maxLength.Store(maxLength)
	return s
}

func (s *segment) CacheKey() int64                     { return s.startIndex }
func (s *segment) CacheLinks() *lcache.Links[*segment] { return &s.links }

func (s *segment) path() string {
	return fmt.Sprintf("%s.%d.%d", s.log.base, s.log.term, s.startIndex)
}

// endIndex returns the exclusive end of the slice this segment may hold.
func (s *segment) endIndex() int64 {
	return s.startIndex + s.maxLength.Load()
}

// write stores data at the absolute index, clipped to the segment bounds.
// Returns the amount written; a short count means the caller must move on to
// the next segment.
func (s *segment) write(index int64, data []byte) (int, error) {
	rel := index - s.startIndex
	if rel < 0 {
		return 0, nil
	}
	avail := s.maxLength.Load() - rel
	if avail <= 0 {
		return 0, nil
	}
	n := len(data)
	if int64(n) > avail {
		n = int(avail)
	}

	for attempt := 0; ; attempt++ {
		s.mu.RLock()
		f := s.file
		if f == nil {
			s.mu.RUnlock()
			s.mu.Lock()
			err := s.openForWritingLocked()
			s.mu.Unlock()
			if err != nil {
				return 0, err
			}
			continue
		}

		_, err := f.WriteAt(data[:n], rel)
		s.mu.RUnlock()

		if err != nil {
			if attempt == 0 && s.handleChanged(f) {
				continue
			}
			return 0, err
		}
		break
	}

	if s.dirty.CompareAndSwap(0, 1) {
		s.log.addToDirtyList(s)
	}

	s.log.metrics.BytesWritten.Add(float64(n))

	// The segment may have been shrunk while the write was in flight.
	if cur := s.maxLength.Load() - rel; int64(n) > cur {
		if cur < 0 {
			cur = 0
		}
		n = int(cur)
		if err := s.truncate(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// read copies bytes at the absolute index, clipped to the segment bounds.
// A zero count means the end of the segment was reached; reads within a
// segment are never partial.
func (s *segment) read(index int64, buf []byte) (int, error) {
	rel := index - s.startIndex
	if rel < 0 {
		return 0, ErrInvalidIndex
	}
	avail := s.maxLength.Load() - rel
	if avail <= 0 {
		return 0, nil
	}
	n := len(buf)
	if int64(n) > avail {
		n = int(avail)
	}

	for attempt := 0; ; attempt++ {
		s.mu.RLock()
		if f := s.file; f != nil {
			m, err := f.ReadAt(buf[:n], rel)
			s.mu.RUnlock()
			if err == io.EOF {
				// Data ends before the preallocated bound.
				return m, nil
			}
			if err != nil {
				if attempt == 0 && s.handleChanged(f) {
					continue
				}
				return m, err
			}
			return m, nil
		}
		if rdr := s.rdr; rdr != nil {
			if rel+int64(n) <= int64(rdr.Len()) {
				m, err := rdr.ReadAt(buf[:n], rel)
				s.mu.RUnlock()
				return m, err
			}
			// The mapping predates a preallocation which grew the file;
			// fall through and remap.
			s.mu.RUnlock()
		} else {
			s.mu.RUnlock()
		}

		s.mu.Lock()
		err := s.reopenForReadingLocked()
		rdrLen := 0
		if s.rdr != nil {
			rdrLen = s.rdr.Len()
		}
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if attempt > 0 {
			// Still short after a remap: clip to what is on disk.
			if int64(rdrLen) <= rel {
				return 0, nil
			}
			if int64(n) > int64(rdrLen)-rel {
				n = int(int64(rdrLen) - rel)
			}
		}
	}
}

// handleChanged reports whether the write handle the caller used has been
// swapped since, in which case the failed operation should retry.
func (s *segment) handleChanged(f *os.File) bool {
	s.mu.Lock()
	changed := s.file != f
	s.mu.Unlock()
	return changed
}

// openForWritingLocked opens or re-opens the segment file for writing and
// preallocates it. Caller must hold the segment latch exclusively.
func (s *segment) openForWritingLocked() error {
	if s.file != nil {
		return nil
	}
	if s.closed {
		return fmt.Errorf("segment %s: %w", s.path(), ErrClosed)
	}

	maxLength := s.maxLength.Load()
	flags := os.O_RDWR
	if maxLength > 0 {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(s.path(), flags, 0o644)
	if err != nil {
		return err
	}
	if err := preallocate(f, maxLength); err != nil {
		f.Close()
		return err
	}

	s.file = f
	return nil
}

// reopenForReadingLocked (re)maps the file read-only. Caller must hold the
// segment latch exclusively. A write handle takes precedence; nothing is
// mapped while one is open.
func (s *segment) reopenForReadingLocked() error {
	if s.file != nil {
		return nil
	}
	if s.closed {
		return fmt.Errorf("segment %s: %w", s.path(), ErrClosed)
	}
	if s.rdr != nil {
		s.rdr.Close()
		s.rdr = nil
	}
	rdr, err := mmap.Open(s.path())
	if err != nil {
		return err
	}
	s.rdr = rdr
	return nil
}

// setEndIndex lowers maxLength so the segment ends at endIndex. It never
// grows. Returns true when the on-disk file must be shortened or deleted.
// Caller must hold the segment latch exclusively.
func (s *segment) setEndIndex(endIndex int64) bool {
	if s.endIndex() <= endIndex {
		return false
	}
	newLen := endIndex - s.startIndex
	if newLen < 0 {
		newLen = 0
	}
	s.maxLength.Store(newLen)
	return true
}

// sync makes the segment durable. The dirty flag is restored on failure so a
// later sync reattempts.
func (s *segment) sync() error {
	if s.dirty.CompareAndSwap(1, 0) {
		s.refs.Add(1)
		err := s.doSync()
		if err != nil && s.dirty.CompareAndSwap(0, 1) {
			s.log.addToDirtyList(s)
		}
		s.log.unreferenced(s)
		return err
	}
	return nil
}

func (s *segment) doSync() error {
	for attempt := 0; ; attempt++ {
		s.mu.RLock()
		f := s.file
		s.mu.RUnlock()

		if f != nil {
			err := fdatasync(f)
			if err == nil {
				return nil
			}
			if attempt == 0 && s.handleChanged(f) {
				continue
			}
			return err
		}

		s.mu.Lock()
		if s.maxLength.Load() == 0 {
			s.mu.Unlock()
			return nil
		}
		err := s.openForWritingLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// truncate shortens the file to maxLength, deleting it outright at zero.
// Idempotent.
func (s *segment) truncate() error {
	s.mu.Lock()
	maxLength := s.maxLength.Load()

	if maxLength == 0 {
		err := s.closeLocked(true)
		s.mu.Unlock()
		if rmErr := os.Remove(s.path()); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		s.log.metrics.SegmentsDeleted.Inc()
		return err
	}

	if err := s.openForWritingLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	f := s.file
	s.mu.Unlock()

	return f.Truncate(maxLength)
}

// unmapLocked drops the read mapping but keeps the write handle. Caller must
// hold the segment latch exclusively.
func (s *segment) unmapLocked() {
	if s.rdr != nil {
		s.rdr.Close()
		s.rdr = nil
	}
}

// closeLocked closes the handle and mapping. A permanent close refuses any
// reopen. Caller must hold the segment latch exclusively.
func (s *segment) closeLocked(permanent bool) error {
	var err error
	if s.file != nil {
		dropCacheHint(s.file)
		err = s.file.Close()
		s.file = nil
	}
	s.unmapLocked()
	if permanent {
		s.closed = true
	}
	return err
}
