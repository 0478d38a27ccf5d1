package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.jwcc"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadParsesJWCCWithCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashwal.jwcc")
	body := `{
  // devices the worker pool round-robins across
  "devices": ["dev-a", "dev-b"],
  "start_offset": 0,
  "max_segments": 16,
  "blocks_per_segment": 32768,
  "threads": 4,
  "buffer_mib": 2,
  "emergency_valve": 0.25, // trailing comma above is allowed too
}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-a", "dev-b"}, cfg.Devices)
	assert.EqualValues(t, 16, cfg.MaxSegments)
	assert.EqualValues(t, 32768, cfg.BlocksPerSegment)
	assert.Equal(t, 4, cfg.Threads)
	assert.EqualValues(t, 512, cfg.BufferBlocks())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jwcc")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_segments": 0, "devices": ["d"], "blocks_per_segment": 1, "threads": 1, "buffer_mib": 1, "emergency_valve": 0.25}`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.json")
	want := Default()
	want.MaxSegments = 64

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetCachesAcrossCalls(t *testing.T) {
	ResetForTests()
	defer ResetForTests()

	path := filepath.Join(t.TempDir(), "cached.json")
	first := Default()
	first.Threads = 7
	require.NoError(t, Save(path, first))

	got, err := Get(path)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Threads)

	// Even if the file changes, the cached singleton does not.
	second := first
	second.Threads = 99
	require.NoError(t, Save(path, second))

	again, err := Get(path)
	require.NoError(t, err)
	assert.Equal(t, 7, again.Threads)
}
