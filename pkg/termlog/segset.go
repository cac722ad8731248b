package termlog

import "sort"

// segmentSet is an ordered set of segments keyed by start index. Segments
// never overlap. Mutations happen under the term log latch only.
type segmentSet struct {
	segs []*segment
}

func (s *segmentSet) len() int { return len(s.segs) }

func (s *segmentSet) first() *segment {
	if len(s.segs) == 0 {
		return nil
	}
	return s.segs[0]
}

// search returns the position of the first segment with startIndex > index.
func (s *segmentSet) search(index int64) int {
	return sort.Search(len(s.segs), func(i int) bool {
		return s.segs[i].startIndex > index
	})
}

// floor returns the segment with the greatest startIndex <= index, or nil.
func (s *segmentSet) floor(index int64) *segment {
	i := s.search(index)
	if i == 0 {
		return nil
	}
	return s.segs[i-1]
}

// higher returns the segment with the least startIndex > index, or nil.
func (s *segmentSet) higher(index int64) *segment {
	i := s.search(index)
	if i == len(s.segs) {
		return nil
	}
	return s.segs[i]
}

func (s *segmentSet) insert(seg *segment) {
	i := s.search(seg.startIndex)
	s.segs = append(s.segs, nil)
	copy(s.segs[i+1:], s.segs[i:])
	s.segs[i] = seg
}

func (s *segmentSet) remove(seg *segment) {
	i := s.search(seg.startIndex) - 1
	if i < 0 || s.segs[i] != seg {
		return
	}
	copy(s.segs[i:], s.segs[i+1:])
	s.segs[len(s.segs)-1] = nil
	s.segs = s.segs[:len(s.segs)-1]
}

// all returns the backing slice; callers must not mutate it.
func (s *segmentSet) all() []*segment {
	return s.segs
}
