package termlog_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/go-termlog/pkg/termlog"
)

func writeSegmentFile(t *testing.T, base string, term, startIndex int64, data []byte) {
	t.Helper()
	path := fmt.Sprintf("%s.%d.%d", base, term, startIndex)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write segment file: %v", err)
	}
}

func TestReopenRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i)
	}

	tl, err := termlog.NewTermLog(params, base, 0, 2, 0, 0)
	if err != nil {
		t.Fatalf("NewTermLog failed: %v", err)
	}
	w, _ := tl.OpenWriter(0)
	mustWrite(t, w, payload, 1500)
	tl.Commit(1000)
	if err := tl.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen as after a process restart.
	tl2, err := termlog.OpenTermLog(params, base, 0, 2, 0, 1000, 1500)
	if err != nil {
		t.Fatalf("OpenTermLog failed: %v", err)
	}
	defer tl2.Close()

	var info termlog.LogInfo
	tl2.CaptureHighest(&info)
	if info.HighestIndex != 1500 || info.CommitIndex != 1000 {
		t.Fatalf("recovered highest=%d commit=%d, want 1500/1000", info.HighestIndex, info.CommitIndex)
	}

	r, _ := tl2.OpenReader(0)
	got := readExactly(t, r, 1000)
	if !bytes.Equal(got, payload[:1000]) {
		t.Fatal("recovered bytes differ from written bytes")
	}
}

func TestReopenDetectsIncompleteSegment(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	writeSegmentFile(t, base, 3, 0, make([]byte, 1000))
	writeSegmentFile(t, base, 3, 1000, make([]byte, 500))

	// Files cover [0, 1500): opening at that highest index succeeds.
	tl, err := termlog.OpenTermLog(params, base, 0, 3, 0, 1000, 1500)
	if err != nil {
		t.Fatalf("OpenTermLog failed: %v", err)
	}
	tl.Close()

	// Claiming more data than the files hold must fail.
	_, err = termlog.OpenTermLog(params, base, 0, 3, 0, 1000, 2000)
	if !errors.Is(err, termlog.ErrIncompleteSegment) {
		t.Fatalf("err = %v, want ErrIncompleteSegment", err)
	}
}

func TestReopenDetectsInteriorGap(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	writeSegmentFile(t, base, 3, 0, make([]byte, 500))
	writeSegmentFile(t, base, 3, 1000, make([]byte, 500))

	_, err := termlog.OpenTermLog(params, base, 0, 3, 0, 0, 1500)
	if !errors.Is(err, termlog.ErrIncompleteSegment) {
		t.Fatalf("err = %v, want ErrIncompleteSegment", err)
	}
}

func TestReopenMissingStartSegment(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	writeSegmentFile(t, base, 4, 1000, make([]byte, 500))

	_, err := termlog.OpenTermLog(params, base, 0, 4, 0, 0, 1500)
	if !errors.Is(err, termlog.ErrMissingSegment) {
		t.Fatalf("err = %v, want ErrMissingSegment", err)
	}
}

func TestReopenAdoptsLowestSegmentStart(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	writeSegmentFile(t, base, 5, 4096, make([]byte, 1024))

	tl, err := termlog.OpenTermLog(params, base, 0, 5, -1, 4096, 5120)
	if err != nil {
		t.Fatalf("OpenTermLog failed: %v", err)
	}
	defer tl.Close()

	if tl.StartIndex() != 4096 {
		t.Fatalf("StartIndex = %d, want 4096", tl.StartIndex())
	}
}

func TestReopenWithNoSegmentsForDiscovery(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	_, err := termlog.OpenTermLog(params, base, 0, 6, -1, 0, 0)
	if !errors.Is(err, termlog.ErrNoSegmentFiles) {
		t.Fatalf("err = %v, want ErrNoSegmentFiles", err)
	}
}

func TestReopenDeletesOutOfBoundsSegments(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	writeSegmentFile(t, base, 7, 0, make([]byte, 1000))
	// This one lies entirely past the recovered highest index.
	writeSegmentFile(t, base, 7, 4096, make([]byte, 100))

	tl, err := termlog.OpenTermLog(params, base, 0, 7, 0, 0, 1000)
	if err != nil {
		t.Fatalf("OpenTermLog failed: %v", err)
	}
	defer tl.Close()

	if _, err := os.Stat(fmt.Sprintf("%s.7.%d", base, 4096)); !os.IsNotExist(err) {
		t.Fatalf("out-of-bounds segment not deleted (stat err=%v)", err)
	}
	if _, err := os.Stat(fmt.Sprintf("%s.7.%d", base, 0)); err != nil {
		t.Fatalf("in-bounds segment missing: %v", err)
	}
}

func TestReopenShrinksOverlappingSegments(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	// The first file overhangs the second segment's start by 500 bytes.
	first := make([]byte, 1500)
	second := make([]byte, 500)
	for i := range first {
		first[i] = 'a'
	}
	for i := range second {
		second[i] = 'b'
	}
	writeSegmentFile(t, base, 8, 0, first)
	writeSegmentFile(t, base, 8, 1000, second)

	tl, err := termlog.OpenTermLog(params, base, 0, 8, 0, 1500, 1500)
	if err != nil {
		t.Fatalf("OpenTermLog failed: %v", err)
	}
	defer tl.Close()

	info, err := os.Stat(fmt.Sprintf("%s.8.%d", base, 0))
	if err != nil {
		t.Fatalf("stat first segment: %v", err)
	}
	if info.Size() != 1000 {
		t.Fatalf("first segment size = %d after shrink, want 1000", info.Size())
	}

	// The successor's bytes win over the overhang.
	r, _ := tl.OpenReader(0)
	got := readExactly(t, r, 1500)
	if !bytes.Equal(got[:1000], first[:1000]) || !bytes.Equal(got[1000:], second) {
		t.Fatal("recovered bytes differ after overlap shrink")
	}
}

func TestOpenRejectsCommitAboveHighest(t *testing.T) {
	base := filepath.Join(t.TempDir(), "log")
	params := termlog.Params{Options: testOptions()}

	if _, err := termlog.OpenTermLog(params, base, 0, 9, 0, 2000, 1500); err == nil {
		t.Fatal("expected error for commit above highest")
	}
}

func TestBaseValidation(t *testing.T) {
	params := termlog.Params{Options: testOptions()}

	// Base must not be a directory.
	dir := t.TempDir()
	if _, err := termlog.NewTermLog(params, dir, 0, 1, 0, 0); err == nil {
		t.Fatal("expected error for directory base")
	}

	// The parent directory must exist.
	missing := filepath.Join(dir, "nope", "log")
	if _, err := termlog.NewTermLog(params, missing, 0, 1, 0, 0); err == nil {
		t.Fatal("expected error for missing parent")
	}
}
