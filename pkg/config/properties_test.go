package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/go-termlog/pkg/config"
)

func TestDefaultValidates(t *testing.T) {
	opts := config.Default()
	if err := opts.Validate(); err != nil {
		t.Fatalf("default options invalid: %v", err)
	}
	if opts.BaseSegmentSize != 1<<20 {
		t.Fatalf("BaseSegmentSize = %d, want 1MiB", opts.BaseSegmentSize)
	}
	if opts.MaxSegmentSize != 64<<20 {
		t.Fatalf("MaxSegmentSize = %d, want 64MiB", opts.MaxSegmentSize)
	}
	if opts.WorkerIdleTimeout() != 10*time.Second {
		t.Fatalf("WorkerIdleTimeout = %v, want 10s", opts.WorkerIdleTimeout())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	body := `
log_level: debug
base_segment_size: 4096
max_segment_size: 65536
max_cached_segments: 4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write options: %v", err)
	}

	opts, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if opts.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", opts.LogLevel)
	}
	if opts.BaseSegmentSize != 4096 || opts.MaxSegmentSize != 65536 {
		t.Fatalf("segment sizing = %d/%d", opts.BaseSegmentSize, opts.MaxSegmentSize)
	}
	if opts.MaxCachedSegments != 4 {
		t.Fatalf("MaxCachedSegments = %d", opts.MaxCachedSegments)
	}
	// Untouched fields keep defaults.
	if opts.MaxCachedWriters != 10 {
		t.Fatalf("MaxCachedWriters = %d, want default 10", opts.MaxCachedWriters)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadSizing(t *testing.T) {
	opts := config.Default()
	opts.MaxSegmentSize = opts.BaseSegmentSize - 1
	if err := opts.Validate(); err == nil {
		t.Fatal("expected error when max < base")
	}

	opts = config.Default()
	opts.BaseSegmentSize = 0
	if err := opts.Validate(); err == nil {
		t.Fatal("expected error for zero base segment size")
	}

	opts = config.Default()
	opts.MaxCachedReaders = 0
	if err := opts.Validate(); err == nil {
		t.Fatal("expected error for zero cache capacity")
	}
}
