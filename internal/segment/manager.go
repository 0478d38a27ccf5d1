package segment

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"flashwal/internal/blockdevice"
	"flashwal/internal/hostiface"
	"flashwal/internal/metrics"
)

// Config enumerates the on-device layout and behavior knobs.
type Config struct {
	// StartOffset is the first bookkeeping block LBA.
	StartOffset uint64
	// MaxSegments (N) is the size of the segment ring.
	MaxSegments uint32
	// BlocksPerSegment (K) is the segment capacity in blocks.
	BlocksPerSegment uint32
	// EmergencyValve is the free-list fraction below which the oldest
	// keyspaces are asked to flush.
	EmergencyValve float64
	// BlockSize overrides the block size; defaults to blockdevice.BlockSize.
	BlockSize int
}

// DataOffset returns the first LBA of the data region.
func (c Config) DataOffset() uint64 {
	return c.StartOffset + uint64(c.MaxSegments)
}

func (c Config) blockSize() int {
	return c.BlockSizeOrDefault()
}

// BlockSizeOrDefault returns BlockSize, or blockdevice.BlockSize if
// unset, for callers outside this package (the worker pool and the
// CommitLog facade) that need to size buffers the same way the manager
// does.
func (c Config) BlockSizeOrDefault() int {
	if c.BlockSize == 0 {
		return blockdevice.BlockSize
	}
	return c.BlockSize
}

// Manager owns the segment ring, the free-list, the active pointer, and
// the bookkeeping chunk. There is one Manager per log.
type Manager struct {
	cfg     Config
	chunk   blockdevice.Chunk
	flusher hostiface.FlushExecutor
	metrics *metrics.Metrics
	logger  *zap.Logger

	freeList chan uint32

	// actMu serializes activation decisions so two Allocate calls that
	// both observe a full active segment can't each consume a free
	// slot. It is never acquired while mu is held.
	actMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	active   *Segment
	segments []*Segment // activation order, oldest first

	// unCommitted holds slot -> segment id for slots that held
	// un-replayed data at construction time. Cleared by
	// RecycleAfterReplay.
	unCommitted map[uint32]uint64
}

// Open performs the startup recovery scan: it reads all N bookkeeping
// blocks in one operation, splits slots into a free list and an
// un-committed map, and does NOT activate a segment.
func Open(ctx context.Context, cfg Config, bookkeepingChunk blockdevice.Chunk, flusher hostiface.FlushExecutor, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if cfg.MaxSegments == 0 || cfg.BlocksPerSegment == 0 {
		return nil, fmt.Errorf("segment: MaxSegments and BlocksPerSegment must be positive")
	}

	blockSize := cfg.blockSize()
	raw := make([]byte, int(cfg.MaxSegments)*blockSize)
	if err := bookkeepingChunk.ReadBlock(ctx, cfg.StartOffset, cfg.MaxSegments, raw); err != nil {
		return nil, fmt.Errorf("segment: reading bookkeeping region: %w", err)
	}

	mgr := &Manager{
		cfg:         cfg,
		chunk:       bookkeepingChunk,
		flusher:     flusher,
		metrics:     m,
		logger:      logger,
		freeList:    make(chan uint32, cfg.MaxSegments),
		unCommitted: make(map[uint32]uint64),
	}

	var maxSeenID uint64
	for i := uint32(0); i < cfg.MaxSegments; i++ {
		block := raw[int(i)*blockSize : int(i+1)*blockSize]
		id := decodeBookkeepingBlock(block)
		if id != 0 {
			mgr.unCommitted[i] = id
			if id > maxSeenID {
				maxSeenID = id
			}
		} else {
			mgr.freeList <- i
		}
	}
	mgr.nextID = maxSeenID
	if m != nil {
		m.SetFreeSlots(len(mgr.freeList))
	}

	logger.Info("segment manager recovered",
		zap.Int("free_slots", len(mgr.freeList)),
		zap.Int("un_committed_slots", len(mgr.unCommitted)))

	return mgr, nil
}

// UnCommitted returns a snapshot of the slots that held un-replayed data
// at startup, for the Replayer to walk.
func (m *Manager) UnCommitted() map[uint32]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]uint64, len(m.unCommitted))
	for k, v := range m.unCommitted {
		out[k] = v
	}
	return out
}

// activateNextSegment mints a fresh segment and makes it active. It is
// the one operation that can block on the free list; that block happens
// without holding mu, so a concurrent RecycleSegment (which needs mu to
// update segment bookkeeping before pushing a slot back onto the free
// list) never deadlocks against it.
func (m *Manager) activateNextSegment(ctx context.Context) (*Segment, error) {
	m.maybeTripEmergencyValve()

	var slot uint32
	select {
	case slot = <-m.freeList:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID

	block := encodeBookkeepingBlock(id, m.cfg.blockSize())
	if err := m.chunk.WriteBlock(ctx, m.cfg.StartOffset+uint64(slot), 1, block); err != nil {
		// A bookkeeping write failure is fatal: the slot is stuck in an
		// indeterminate state and the log can no longer trust its own
		// occupancy record.
		return nil, fmt.Errorf("segment: fatal: writing bookkeeping block for slot %d: %w", slot, err)
	}

	seg := newSegment(slot, id)
	m.segments = append(m.segments, seg)
	m.active = seg

	if m.metrics != nil {
		m.metrics.SegmentActivated()
		m.metrics.SetFreeSlots(len(m.freeList))
	}
	m.logger.Debug("segment activated", zap.Uint32("slot", slot), zap.Uint64("segment_id", id))

	return seg, nil
}

// maybeTripEmergencyValve triggers flushOldestKeyspaces when the free
// list has fallen below the configured fraction. It must never block on
// the flush it requests.
func (m *Manager) maybeTripEmergencyValve() {
	threshold := float64(m.cfg.MaxSegments) * m.cfg.EmergencyValve
	if float64(len(m.freeList)) >= threshold {
		return
	}
	if m.metrics != nil {
		m.metrics.EmergencyValveTripped()
	}
	m.flushOldestKeyspaces()
}

// flushOldestKeyspaces enqueues a flush request for every CF dirty in
// the oldest non-active segment, on the flusher's own executor, never
// on the caller's or the manager's own goroutine. A caller holding a
// database-level lock must not end up running flush work inline.
func (m *Manager) flushOldestKeyspaces() {
	m.mu.Lock()
	var oldest *Segment
	for _, seg := range m.segments {
		if seg != m.active {
			oldest = seg
			break
		}
	}
	m.mu.Unlock()

	if oldest == nil || m.flusher == nil {
		return
	}
	for _, cf := range oldest.DirtyColumnFamilies() {
		m.flusher.RequestFlush(cf)
	}
}

// Allocate reserves blockCount contiguous blocks for cf, activating a
// new segment first if there is no active segment or it lacks
// capacity.
func (m *Manager) Allocate(ctx context.Context, blockCount uint32, cf hostiface.ColumnFamilyID) (AllocResult, error) {
	if blockCount == 0 || blockCount > m.cfg.BlocksPerSegment {
		return AllocResult{}, fmt.Errorf("segment: cannot allocate %d blocks in a %d-block segment", blockCount, m.cfg.BlocksPerSegment)
	}
	for {
		m.mu.Lock()
		seg := m.active
		if seg != nil && seg.cursor+blockCount <= m.cfg.BlocksPerSegment {
			start := seg.cursor
			seg.cursor += blockCount
			// The dirty watermark records the highest in-segment offset
			// with data for cf: the end of the record being written,
			// i.e. the first offset the record does not occupy. This
			// keeps MarkClean's comparison aligned with replay
			// positions, which always denote the next offset to read.
			if existing, ok := seg.dirty[cf]; !ok || seg.cursor > existing {
				seg.dirty[cf] = seg.cursor
			}
			res := AllocResult{
				SegmentID:     seg.SegmentID,
				SlotIndex:     seg.SlotIndex,
				StartingBlock: start,
				BlockCount:    blockCount,
			}
			m.mu.Unlock()
			return res, nil
		}
		m.mu.Unlock()

		// Activation is serialized under actMu: whichever caller gets it
		// first activates; the rest re-check and usually find the fresh
		// segment already has room.
		m.actMu.Lock()
		m.mu.Lock()
		needsActivation := m.active == nil || m.active.cursor+blockCount > m.cfg.BlocksPerSegment
		m.mu.Unlock()
		if needsActivation {
			if _, err := m.activateNextSegment(ctx); err != nil {
				m.actMu.Unlock()
				return AllocResult{}, err
			}
		}
		m.actMu.Unlock()
	}
}

// Segments returns a snapshot of the active-segments list, oldest first.
func (m *Manager) Segments() []*Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Active returns the current replay position: the active segment's id
// and write cursor.
func (m *Manager) Active() (hostiface.ReplayPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return hostiface.ReplayPosition{}, false
	}
	return hostiface.ReplayPosition{SegmentID: m.active.SegmentID, BlockOffset: m.active.cursor}, true
}

// MarkClean removes cf from seg's dirty map if watermark covers every
// dirty entry for cf in that segment.
func (m *Manager) MarkClean(seg *Segment, cf hostiface.ColumnFamilyID, watermark hostiface.ReplayPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	highest, ok := seg.dirty[cf]
	if !ok {
		return
	}
	if seg.SegmentID < watermark.SegmentID || (seg.SegmentID == watermark.SegmentID && highest <= watermark.BlockOffset) {
		delete(seg.dirty, cf)
	}
}

// RecycleSegment removes seg from the active list, zeroes its
// bookkeeping block, and returns its slot to the free list. The caller
// must already know seg.IsUnused() and that seg is not the active
// segment.
func (m *Manager) RecycleSegment(ctx context.Context, seg *Segment) error {
	m.mu.Lock()
	for i, s := range m.segments {
		if s == seg {
			m.segments = append(m.segments[:i], m.segments[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	zero := make([]byte, m.cfg.blockSize())
	if err := m.chunk.WriteBlock(ctx, m.cfg.StartOffset+uint64(seg.SlotIndex), 1, zero); err != nil {
		return fmt.Errorf("segment: fatal: zeroing bookkeeping block for slot %d: %w", seg.SlotIndex, err)
	}

	m.freeList <- seg.SlotIndex
	if m.metrics != nil {
		m.metrics.SegmentRecycled()
		m.metrics.SetFreeSlots(len(m.freeList))
	}
	m.logger.Debug("segment recycled", zap.Uint32("slot", seg.SlotIndex), zap.Uint64("segment_id", seg.SegmentID))
	return nil
}

// ForceRecycleAll marks every segment clean for each dropped CF, then
// recycles every currently-unused, non-active segment.
func (m *Manager) ForceRecycleAll(ctx context.Context, droppedCFs []hostiface.ColumnFamilyID) error {
	for _, seg := range m.Segments() {
		m.mu.Lock()
		for _, cf := range droppedCFs {
			delete(seg.dirty, cf)
		}
		m.mu.Unlock()
	}

	for _, seg := range m.Segments() {
		m.mu.Lock()
		isActive := seg == m.active
		m.mu.Unlock()
		if isActive || !seg.IsUnused() {
			continue
		}
		if err := m.RecycleSegment(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// RecycleAfterReplay zeroes every bookkeeping block for the slots the
// replayer consumed and returns them all to the free list.
func (m *Manager) RecycleAfterReplay(ctx context.Context) error {
	m.mu.Lock()
	slots := make([]uint32, 0, len(m.unCommitted))
	for slot := range m.unCommitted {
		slots = append(slots, slot)
	}
	m.mu.Unlock()

	zero := make([]byte, m.cfg.blockSize())
	for _, slot := range slots {
		if err := m.chunk.WriteBlock(ctx, m.cfg.StartOffset+uint64(slot), 1, zero); err != nil {
			return fmt.Errorf("segment: fatal: zeroing bookkeeping block for slot %d after replay: %w", slot, err)
		}
		m.freeList <- slot
	}

	m.mu.Lock()
	m.unCommitted = make(map[uint32]uint64)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetFreeSlots(len(m.freeList))
	}
	return nil
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }
