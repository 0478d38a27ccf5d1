package flashwal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flashwal/internal/blockdevice"
	"flashwal/internal/hostiface"
	"flashwal/internal/hostiface/hostifacetest"
	"flashwal/internal/segment"
)

// scenarioConfig is a small fixture layout: 8 segments of 4 blocks each,
// 2 workers with 1 MiB staging buffers, emergency valve at 25% free.
func scenarioConfig(dir string) Config {
	return Config{
		Segment: segment.Config{
			StartOffset:      0,
			MaxSegments:      8,
			BlocksPerSegment: 4,
			EmergencyValve:   0.25,
		},
		Threads:      2,
		BufferBlocks: 256, // buffer_mib=1 => 1*256
		DeviceNames:  []string{"primary"},
	}
}

func openTestLog(t *testing.T, dir string, catalog *hostifacetest.Catalog, codec *hostifacetest.Codec, apply *hostifacetest.ApplyExecutor, flusher *hostifacetest.FlushExecutor) *Log {
	t.Helper()
	dev := blockdevice.NewFileDevice(dir)
	log, err := Open(context.Background(), scenarioConfig(dir), dev, flusher, catalog, codec, apply, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	return log
}

func mustAdd(t *testing.T, log *Log, codec *hostifacetest.Codec, cf hostiface.ColumnFamilyID, payloadSize int) hostiface.ReplayPosition {
	t.Helper()
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	// make payloads unique across calls so the codec's payload->CF map
	// doesn't collide between records of the same size.
	payload[0] = byte(codecCallCounter[codec])
	codecCallCounter[codec]++
	encoded := codec.Encode(payload, cf)
	pos, err := log.Add(context.Background(), cf, hostifacetest.Mutation{Payload: encoded, CFs: []hostiface.ColumnFamilyID{cf}})
	require.NoError(t, err)
	return pos
}

var codecCallCounter = map[*hostifacetest.Codec]int{}

func TestEmptyRecoverThenFirstAppend(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()

	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	n, err := log.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pos := mustAdd(t, log, codec, 1, 100)
	assert.Equal(t, hostiface.ReplayPosition{SegmentID: 1, BlockOffset: 1}, pos)

	raw := make([]byte, 4096)
	dev := blockdevice.NewFileDevice(dir)
	chunk, err := dev.OpenChunk("primary", 0)
	require.NoError(t, err)
	require.NoError(t, chunk.ReadBlock(context.Background(), 0, 1, raw))
	assert.Equal(t, uint64(1), leUint64(raw))
}

func TestTwoAppendsShareOneSegment(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	p1 := mustAdd(t, log, codec, 1, 100)
	p2 := mustAdd(t, log, codec, 1, 100)

	assert.Equal(t, hostiface.ReplayPosition{SegmentID: 1, BlockOffset: 1}, p1)
	assert.Equal(t, hostiface.ReplayPosition{SegmentID: 1, BlockOffset: 2}, p2)
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	mustAdd(t, log, codec, 1, 4096)
	mustAdd(t, log, codec, 1, 4096)
	p3 := mustAdd(t, log, codec, 1, 4096)

	assert.EqualValues(t, 2, p3.SegmentID)

	dev := blockdevice.NewFileDevice(dir)
	chunk, err := dev.OpenChunk("primary", 0)
	require.NoError(t, err)
	block0 := make([]byte, 4096)
	block1 := make([]byte, 4096)
	require.NoError(t, chunk.ReadBlock(context.Background(), 0, 1, block0))
	require.NoError(t, chunk.ReadBlock(context.Background(), 1, 1, block1))
	assert.NotZero(t, leUint64(block0))
	assert.NotZero(t, leUint64(block1))
}

func TestRecoverAfterCrashReplaysAllSegmentsInOrder(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()

	func() {
		log := openTestLog(t, dir, catalog, codec, apply, flusher)
		_, err := log.Recover(context.Background())
		require.NoError(t, err)
		for i := 0; i < 4; i++ {
			mustAdd(t, log, codec, 1, 4096)
		}
		require.NoError(t, log.Shutdown())
	}()

	// Simulate a crash: open a fresh Log against the same directory and
	// the same (never-flushed) catalog floor.
	apply2 := hostifacetest.NewApplyExecutor()
	log2 := openTestLog(t, dir, catalog, codec, apply2, flusher)
	count, err := log2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Len(t, apply2.Applied, 4)

	var gotCFs [][]hostiface.ColumnFamilyID
	for _, m := range apply2.Applied {
		gotCFs = append(gotCFs, codec.ColumnFamilies(m))
	}
	wantCFs := [][]hostiface.ColumnFamilyID{{1}, {1}, {1}, {1}}
	if diff := cmp.Diff(wantCFs, gotCFs); diff != "" {
		t.Errorf("replayed column families mismatch (-want +got):\n%s", diff)
	}

	// Bookkeeping is zeroed after replay.
	dev := blockdevice.NewFileDevice(dir)
	chunk, err := dev.OpenChunk("primary", 0)
	require.NoError(t, err)
	block0 := make([]byte, 4096)
	block1 := make([]byte, 4096)
	require.NoError(t, chunk.ReadBlock(context.Background(), 0, 1, block0))
	require.NoError(t, chunk.ReadBlock(context.Background(), 1, 1, block1))
	assert.Zero(t, leUint64(block0))
	assert.Zero(t, leUint64(block1))
}

func TestCorruptionMidSegmentStopsRecoveryScan(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()

	func() {
		log := openTestLog(t, dir, catalog, codec, apply, flusher)
		_, err := log.Recover(context.Background())
		require.NoError(t, err)
		mustAdd(t, log, codec, 1, 100)
		mustAdd(t, log, codec, 1, 100)
		require.NoError(t, log.Shutdown())
	}()

	// Flip a byte in block 0's payload region (after the 20-byte header).
	path := filepath.Join(dir, "primary")
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	dataOffset := int64(8 /* bookkeeping blocks: StartOffset=0, MaxSegments=8 */) * 4096
	_, err = f.WriteAt([]byte{0xFF}, dataOffset+25)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	apply2 := hostifacetest.NewApplyExecutor()
	log2 := openTestLog(t, dir, catalog, codec, apply2, flusher)
	count, err := log2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDiscardRecyclesFlushedSegments(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	mustAdd(t, log, codec, 1, 4096)
	mustAdd(t, log, codec, 1, 4096)
	mustAdd(t, log, codec, 1, 4096) // triggers rollover to slot 1, segment 2

	err = log.DiscardCompletedSegments(context.Background(), 1, hostiface.ReplayPosition{SegmentID: 2, BlockOffset: 0})
	require.NoError(t, err)

	segs := log.mgr.Segments()
	require.Len(t, segs, 1)
	assert.EqualValues(t, 2, segs[0].SegmentID)
}

func TestEmergencyValveTripsWhenFreeListRunsLow(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	// Fill 7 of 8 slots: each slot takes two 4096-byte payloads.
	for slot := 0; slot < 7; slot++ {
		mustAdd(t, log, codec, 1, 4096)
		mustAdd(t, log, codec, 1, 4096)
	}
	assert.Zero(t, flusher.Count())

	// The 8th activation observes free_list_size = 1 < 8*0.25 = 2.
	mustAdd(t, log, codec, 1, 4096)
	assert.GreaterOrEqual(t, flusher.Count(), 1)
}

func TestDiscardedSegmentsAreNotReplayedAfterCrash(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()

	func() {
		log := openTestLog(t, dir, catalog, codec, apply, flusher)
		_, err := log.Recover(context.Background())
		require.NoError(t, err)

		mustAdd(t, log, codec, 1, 4096)
		mustAdd(t, log, codec, 1, 4096)
		mustAdd(t, log, codec, 1, 4096) // rolls over into segment 2

		// The host flushed everything up to segment 2's start, so
		// segment 1's slot is recycled before the crash.
		err = log.DiscardCompletedSegments(context.Background(), 1, hostiface.ReplayPosition{SegmentID: 2, BlockOffset: 0})
		require.NoError(t, err)
		require.NoError(t, log.Shutdown())
	}()

	apply2 := hostifacetest.NewApplyExecutor()
	log2 := openTestLog(t, dir, catalog, codec, apply2, flusher)
	count, err := log2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the un-discarded segment 2 record survives")
	require.Len(t, apply2.Applied, 1)
}

func TestAddAfterShutdownReturnsError(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)
	require.NoError(t, log.Shutdown())

	_, err = log.Add(context.Background(), 1, hostifacetest.Mutation{Payload: []byte("late-arriving-mutation"), CFs: []hostiface.ColumnFamilyID{1}})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestGetContextReturnsActiveSegmentPosition(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	pos, err := log.GetContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hostiface.ReplayPosition{}, pos, "no active segment before the first append")

	mustAdd(t, log, codec, 1, 100)
	pos, err = log.GetContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hostiface.ReplayPosition{SegmentID: 1, BlockOffset: 1}, pos)
}

func TestAddRejectsOversizeMutation(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	huge := make([]byte, 256*4096) // 257 blocks framed: over the 4-block segment and the 256-block buffer
	pos, err := log.Add(context.Background(), 1, hostifacetest.Mutation{Payload: huge, CFs: []hostiface.ColumnFamilyID{1}})
	require.NoError(t, err)
	assert.Equal(t, SentinelPosition, pos)
}

func TestAddRejectsUndersizeMutation(t *testing.T) {
	dir := t.TempDir()
	catalog := hostifacetest.NewCatalog()
	catalog.Register(1, hostiface.ReplayPosition{})
	codec := hostifacetest.NewCodec()
	apply := hostifacetest.NewApplyExecutor()
	flusher := hostifacetest.NewFlushExecutor()
	log := openTestLog(t, dir, catalog, codec, apply, flusher)

	_, err := log.Recover(context.Background())
	require.NoError(t, err)

	tiny := []byte("short") // below the minimum frame payload
	pos, err := log.Add(context.Background(), 1, hostifacetest.Mutation{Payload: tiny, CFs: []hostiface.ColumnFamilyID{1}})
	require.NoError(t, err)
	assert.Equal(t, SentinelPosition, pos)

	// Nothing was allocated or written: the log still has no active
	// segment.
	next := mustAdd(t, log, codec, 1, 100)
	assert.Equal(t, hostiface.ReplayPosition{SegmentID: 1, BlockOffset: 1}, next)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
