package lcache_test

import (
	"testing"

	"github.com/downfa11-org/go-termlog/pkg/lcache"
)

type entry struct {
	links lcache.Links[*entry]
	key   int64
}

func (e *entry) CacheKey() int64                   { return e.key }
func (e *entry) CacheLinks() *lcache.Links[*entry] { return &e.links }

func TestAddAndRemove(t *testing.T) {
	c := lcache.New[*entry](4)

	e1 := &entry{key: 1}
	if victim := c.Add(e1); victim != nil {
		t.Fatalf("unexpected victim %v", victim)
	}
	if c.Size() != 1 {
		t.Fatalf("size = %d, want 1", c.Size())
	}

	got := c.Remove(1)
	if got != e1 {
		t.Fatalf("Remove(1) = %v, want %v", got, e1)
	}
	if c.Size() != 0 {
		t.Fatalf("size = %d, want 0", c.Size())
	}
	if c.Remove(1) != nil {
		t.Fatal("second Remove(1) should miss")
	}
}

func TestEvictReturnsLeastRecentlyUsed(t *testing.T) {
	c := lcache.New[*entry](3)

	e1 := &entry{key: 1}
	e2 := &entry{key: 2}
	e3 := &entry{key: 3}
	c.Add(e1)
	c.Add(e2)
	c.Add(e3)

	// Touch e1 so e2 becomes the eviction candidate.
	if c.Remove(1) != e1 {
		t.Fatal("expected to extract e1")
	}
	c.Add(e1)

	victim := c.Add(&entry{key: 4})
	if victim != e2 {
		t.Fatalf("victim = %v, want e2", victim)
	}
	if c.Size() != 3 {
		t.Fatalf("size = %d, want 3", c.Size())
	}
}

func TestEvictionOrderIsFIFOWithoutTouches(t *testing.T) {
	c := lcache.New[*entry](2)

	e1 := &entry{key: 10}
	e2 := &entry{key: 20}
	c.Add(e1)
	c.Add(e2)

	if victim := c.Add(&entry{key: 30}); victim != e1 {
		t.Fatalf("victim = %v, want e1", victim)
	}
	if victim := c.Add(&entry{key: 40}); victim != e2 {
		t.Fatalf("victim = %v, want e2", victim)
	}
}

func TestDuplicateKeysChain(t *testing.T) {
	c := lcache.New[*entry](4)

	a := &entry{key: 7}
	b := &entry{key: 7}
	c.Add(a)
	c.Add(b)

	first := c.Remove(7)
	second := c.Remove(7)
	if first == second {
		t.Fatal("expected two distinct entries")
	}
	if (first != a && first != b) || (second != a && second != b) {
		t.Fatal("unexpected entries returned")
	}
}

func TestReAddAfterEviction(t *testing.T) {
	c := lcache.New[*entry](1)

	e1 := &entry{key: 1}
	e2 := &entry{key: 2}
	c.Add(e1)

	if victim := c.Add(e2); victim != e1 {
		t.Fatalf("victim = %v, want e1", victim)
	}

	// The victim's links must be clean enough to reinsert.
	if victim := c.Add(e1); victim != e2 {
		t.Fatalf("victim = %v, want e2", victim)
	}
	if c.Remove(1) != e1 {
		t.Fatal("expected e1 back")
	}
}
