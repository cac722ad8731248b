// Package config holds the tunable options for the term log engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options represents the log engine configuration including tunable
// performance options. The zero value is not usable; start from Default.
type Options struct {
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Cursor and segment caches
	MaxCachedSegments int `yaml:"max_cached_segments" json:"max.cached.segments"`
	MaxCachedWriters  int `yaml:"max_cached_writers" json:"max.cached.writers"`
	MaxCachedReaders  int `yaml:"max_cached_readers" json:"max.cached.readers"`

	// Segment sizing ramp: the n-th segment is sized
	// BaseSegmentSize << n, capped at MaxSegmentSize.
	BaseSegmentSize int64 `yaml:"base_segment_size" json:"base.segment.size"`
	MaxSegmentSize  int64 `yaml:"max_segment_size" json:"max.segment.size"`

	// Background worker
	WorkerIdleTimeoutMS int `yaml:"worker_idle_timeout_ms" json:"worker.idle.timeout.ms"`
}

func Default() *Options {
	return &Options{
		LogLevel:            "info",
		MaxCachedSegments:   10,
		MaxCachedWriters:    10,
		MaxCachedReaders:    10,
		BaseSegmentSize:     1 << 20,
		MaxSegmentSize:      64 << 20,
		WorkerIdleTimeoutMS: 10_000,
	}
}

// Load reads a YAML options file. Missing fields keep their defaults.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file %s: %w", path, err)
	}

	opts := Default()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) Validate() error {
	if o.MaxCachedSegments < 1 || o.MaxCachedWriters < 1 || o.MaxCachedReaders < 1 {
		return fmt.Errorf("cache capacities must be at least 1")
	}
	if o.BaseSegmentSize < 1 {
		return fmt.Errorf("base_segment_size must be positive, got %d", o.BaseSegmentSize)
	}
	if o.MaxSegmentSize < o.BaseSegmentSize {
		return fmt.Errorf("max_segment_size %d is below base_segment_size %d",
			o.MaxSegmentSize, o.BaseSegmentSize)
	}
	if o.WorkerIdleTimeoutMS < 1 {
		return fmt.Errorf("worker_idle_timeout_ms must be positive, got %d", o.WorkerIdleTimeoutMS)
	}
	return nil
}

func (o *Options) WorkerIdleTimeout() time.Duration {
	return time.Duration(o.WorkerIdleTimeoutMS) * time.Millisecond
}
