// Package config loads the commit log's on-device layout and runtime
// knobs: devices, start_offset, max_segments, blocks_per_segment,
// threads, buffer_mib, emergency_valve. The file format is JWCC
// (JSON-with-comments) via github.com/tailscale/hujson, so operators
// can annotate a commit-log config file the way they annotate the host
// database's own config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Config enumerates the commit log's tuning knobs.
type Config struct {
	// Devices is the ordered list of device names workers round-robin
	// across.
	Devices []string `json:"devices"`
	// StartOffset is the first bookkeeping block LBA.
	StartOffset uint64 `json:"start_offset"`
	// MaxSegments (N) is the size of the segment ring.
	MaxSegments uint32 `json:"max_segments"`
	// BlocksPerSegment (K) is the segment capacity in blocks.
	BlocksPerSegment uint32 `json:"blocks_per_segment"`
	// Threads (T) is the worker count.
	Threads int `json:"threads"`
	// BufferMiB (M) is the per-worker staging buffer size in MiB; each
	// worker's buffer holds M*256 blocks.
	BufferMiB int `json:"buffer_mib"`
	// EmergencyValve is the free-list fraction (0..1) below which the
	// oldest keyspaces are asked to flush.
	EmergencyValve float64 `json:"emergency_valve"`
}

// BufferBlocks returns the per-worker staging-buffer capacity in
// blocks implied by BufferMiB.
func (c Config) BufferBlocks() uint32 {
	return uint32(c.BufferMiB) * 256
}

// Default returns the configuration used when no file is present: a
// small 8-segment ring suitable for local testing.
func Default() Config {
	return Config{
		Devices:          []string{"flashwal-0"},
		StartOffset:      0,
		MaxSegments:      8,
		BlocksPerSegment: 4,
		Threads:          2,
		BufferMiB:        1,
		EmergencyValve:   0.25,
	}
}

var (
	mu       sync.Mutex
	instance *Config
)

// Get returns the process-wide Config, loading it from path on first
// call via Load and caching the result. It is keyed by explicit path
// rather than an implicit file next to the package, so callers never
// trigger config I/O just by importing this package.
func Get(path string) (Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return *instance, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	instance = &cfg
	return cfg, nil
}

// ResetForTests clears the cached singleton so tests can exercise Get
// against different config files in isolation.
func ResetForTests() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
}

// Load reads and parses a JWCC config file at path, falling back to
// Default if the file does not exist. Comments and trailing commas are
// accepted (hujson.Standardize), matching the JWCC convention the host
// database's own config uses.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s is not valid JWCC: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON via an atomic rewrite
// (github.com/natefinch/atomic), so a crash mid-write of the config file
// itself can never leave a half-written file behind. This is never used
// for in-segment block writes, which are positional in-place writes to
// fixed LBAs, not whole-file replacement.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Validate performs basic sanity checks on a loaded Config.
func Validate(cfg Config) error {
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("devices must not be empty")
	}
	if cfg.MaxSegments == 0 {
		return fmt.Errorf("max_segments must be at least 1")
	}
	if cfg.BlocksPerSegment == 0 {
		return fmt.Errorf("blocks_per_segment must be at least 1")
	}
	if cfg.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}
	if cfg.BufferMiB < 1 {
		return fmt.Errorf("buffer_mib must be at least 1")
	}
	if cfg.EmergencyValve <= 0 || cfg.EmergencyValve >= 1 {
		return fmt.Errorf("emergency_valve must be between 0 and 1")
	}
	return nil
}
