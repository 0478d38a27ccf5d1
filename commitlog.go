// Package flashwal implements a write-ahead commit log that persists
// database mutations directly to raw block-addressable flash storage.
// Log is the facade: it accepts mutations, coordinates worker
// borrow/return, exposes the replay position, and discards segments once
// their data has been flushed to on-disk tables.
package flashwal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"flashwal/internal/blockdevice"
	"flashwal/internal/framer"
	"flashwal/internal/hostiface"
	"flashwal/internal/metrics"
	"flashwal/internal/replay"
	"flashwal/internal/segment"
	"flashwal/internal/worker"
)

// SentinelPosition is returned by Add instead of a replay position when
// a mutation is rejected for its size (below the minimum frame payload
// or over the per-segment or per-worker-buffer limit). It is the zero
// ReplayPosition and is never a position a successful Add can return,
// since segment ids are minted starting at 1.
var SentinelPosition = hostiface.ReplayPosition{}

// ErrShutdown is returned by Add once Shutdown has begun.
var ErrShutdown = errors.New("flashwal: log is shut down")

// Config bundles the on-device layout knobs (segment.Config) with the
// worker-pool sizing the facade needs to construct workers.
type Config struct {
	Segment segment.Config
	// Threads (T) is the worker count.
	Threads int
	// BufferBlocks (M·256) is each worker's staging-buffer size in
	// blocks.
	BufferBlocks uint32
	// DeviceNames is the ordered list of device names workers round-robin
	// across when opening their chunk. Multiple names may alias the same
	// underlying address space (e.g. NVMe multipathing); that aliasing is
	// the block device driver's responsibility.
	DeviceNames []string
	// MaxAsyncPerChunk bounds in-flight WriteBlockAsync operations per
	// worker chunk; 0 lets the Device pick a default.
	MaxAsyncPerChunk int
}

// Log is the commit log facade.
type Log struct {
	cfg     Config
	mgr     *segment.Manager
	pool    *worker.Pool
	catalog hostiface.Catalog
	codec   hostiface.MutationCodec
	apply   hostiface.ApplyExecutor
	metrics *metrics.Metrics
	logger  *zap.Logger

	bookkeepingChunk blockdevice.Chunk

	closed       atomic.Bool
	shutdownOnce sync.Once
}

// Open constructs a Log: it performs the segment manager's recovery
// scan but does not activate a segment and does not replay. Call Recover
// before the first Add.
func Open(ctx context.Context, cfg Config, dev blockdevice.Device, flusher hostiface.FlushExecutor, catalog hostiface.Catalog, codec hostiface.MutationCodec, apply hostiface.ApplyExecutor, registry prometheus.Registerer, logger *zap.Logger) (*Log, error) {
	if len(cfg.DeviceNames) == 0 {
		return nil, fmt.Errorf("flashwal: at least one device name is required")
	}
	if cfg.Threads <= 0 {
		return nil, fmt.Errorf("flashwal: Threads must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := metrics.New(registry)

	bookkeepingChunk, err := dev.OpenChunk(cfg.DeviceNames[0], cfg.MaxAsyncPerChunk)
	if err != nil {
		return nil, fmt.Errorf("flashwal: opening bookkeeping chunk: %w", err)
	}

	mgr, err := segment.Open(ctx, cfg.Segment, bookkeepingChunk, flusher, m, logger)
	if err != nil {
		return nil, fmt.Errorf("flashwal: opening segment manager: %w", err)
	}

	workers := make([]*worker.Worker, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		name := cfg.DeviceNames[i%len(cfg.DeviceNames)]
		chunk, err := dev.OpenChunk(name, cfg.MaxAsyncPerChunk)
		if err != nil {
			for _, w := range workers[:i] {
				w.Close()
			}
			bookkeepingChunk.Close()
			return nil, fmt.Errorf("flashwal: opening chunk %q for worker %d: %w", name, i, err)
		}
		workers[i] = worker.New(i, chunk, cfg.BufferBlocks, cfg.Segment.BlockSizeOrDefault())
	}

	log := &Log{
		cfg:              cfg,
		mgr:              mgr,
		pool:             worker.NewPool(workers),
		catalog:          catalog,
		codec:            codec,
		apply:            apply,
		metrics:          m,
		logger:           logger,
		bookkeepingChunk: bookkeepingChunk,
	}
	return log, nil
}

// Add computes the framed size of mutation, rejects it (logging and
// returning SentinelPosition) if it falls below the minimum frame
// payload or would exceed the per-segment or per-worker-buffer block
// limit, then borrows a worker, allocates blocks, and performs the
// write before returning the active segment's replay position. When Add
// returns, the write has been accepted by the device.
func (l *Log) Add(ctx context.Context, cf hostiface.ColumnFamilyID, mutation hostiface.Mutation) (hostiface.ReplayPosition, error) {
	if l.closed.Load() {
		return hostiface.ReplayPosition{}, ErrShutdown
	}
	payload, err := mutation.Serialize()
	if err != nil {
		return hostiface.ReplayPosition{}, fmt.Errorf("flashwal: serializing mutation: %w", err)
	}

	if len(payload) < framer.MinPayloadSize {
		l.logger.Warn("rejecting undersize mutation",
			zap.Int("payload_bytes", len(payload)),
			zap.Int("minimum_bytes", framer.MinPayloadSize))
		if l.metrics != nil {
			l.metrics.AppendRejected()
		}
		return hostiface.ReplayPosition{}, nil
	}

	blockSize := l.cfg.Segment.BlockSizeOrDefault()
	blockCount := framer.BlocksNeeded(len(payload), blockSize)
	limit := l.cfg.BufferBlocks
	if l.cfg.Segment.BlocksPerSegment < limit {
		limit = l.cfg.Segment.BlocksPerSegment
	}
	if blockCount > limit {
		l.logger.Warn("rejecting oversize mutation",
			zap.Int("payload_bytes", len(payload)),
			zap.Uint32("blocks_needed", blockCount),
			zap.Uint32("limit", limit))
		if l.metrics != nil {
			l.metrics.AppendRejected()
		}
		return hostiface.ReplayPosition{}, nil
	}

	w, err := l.pool.Borrow(ctx)
	if err != nil {
		return hostiface.ReplayPosition{}, fmt.Errorf("flashwal: borrowing worker: %w", err)
	}
	defer l.pool.Return(w)

	alloc, err := l.mgr.Allocate(ctx, blockCount, cf)
	if err != nil {
		return hostiface.ReplayPosition{}, fmt.Errorf("flashwal: allocating: %w", err)
	}

	dataOffset := l.cfg.Segment.DataOffset()
	if err := w.WriteFramed(ctx, alloc, payload, dataOffset, l.cfg.Segment.BlocksPerSegment, blockSize); err != nil {
		// A device I/O error during append is fatal to the log.
		return hostiface.ReplayPosition{}, fmt.Errorf("flashwal: fatal: %w", err)
	}

	if l.metrics != nil {
		l.metrics.AppendAccepted()
	}

	pos, ok := l.mgr.Active()
	if !ok {
		return hostiface.ReplayPosition{}, fmt.Errorf("flashwal: no active segment after successful append")
	}
	return pos, nil
}

// DiscardCompletedSegments waits until all workers are idle, then walks
// the active-segments list oldest-first, marking cf clean up to
// replayPosition and recycling any segment that is unused and not the
// last one, stopping after the segment containing replayPosition.
// Recycling decisions rely on the dirty maps, which are only consistent
// with flash while no append is mid-flight.
func (l *Log) DiscardCompletedSegments(ctx context.Context, cf hostiface.ColumnFamilyID, replayPosition hostiface.ReplayPosition) error {
	if err := l.pool.AwaitIdle(ctx); err != nil {
		return fmt.Errorf("flashwal: awaiting idle workers: %w", err)
	}

	segments := l.mgr.Segments()
	for i, seg := range segments {
		l.mgr.MarkClean(seg, cf, replayPosition)

		isLast := i == len(segments)-1
		if seg.IsUnused() && !isLast {
			if err := l.mgr.RecycleSegment(ctx, seg); err != nil {
				return err
			}
		}

		if seg.SegmentID == replayPosition.SegmentID {
			break
		}
	}
	return nil
}

// Recover replays the manager's un-committed slots and recycles every
// slot consumed, returning the number of mutations replayed.
func (l *Log) Recover(ctx context.Context) (int, error) {
	r := replay.New(l.mgr, l.bookkeepingChunk, l.catalog, l.codec, l.apply, l.metrics, l.logger)
	count, err := r.Run(ctx)
	if err != nil {
		return count, fmt.Errorf("flashwal: replay: %w", err)
	}
	if err := l.mgr.RecycleAfterReplay(ctx); err != nil {
		return count, fmt.Errorf("flashwal: recycling after replay: %w", err)
	}
	return count, nil
}

// GetContext waits for all workers to go idle, then returns the active
// segment's replay position.
func (l *Log) GetContext(ctx context.Context) (hostiface.ReplayPosition, error) {
	if err := l.pool.AwaitIdle(ctx); err != nil {
		return hostiface.ReplayPosition{}, fmt.Errorf("flashwal: awaiting idle workers: %w", err)
	}
	pos, ok := l.mgr.Active()
	if !ok {
		return hostiface.ReplayPosition{}, nil
	}
	return pos, nil
}

// ForceRecycleAllSegments marks every segment clean for each dropped CF
// and recycles every currently-unused segment.
func (l *Log) ForceRecycleAllSegments(ctx context.Context, droppedCFs []hostiface.ColumnFamilyID) error {
	return l.mgr.ForceRecycleAll(ctx, droppedCFs)
}

// Shutdown stops accepting new work, waits for in-flight appends to
// drain, and closes every worker's device chunk plus the bookkeeping
// chunk. Each append runs on its caller's goroutine, so draining is just
// waiting for the pool to go fully idle.
func (l *Log) Shutdown() error {
	var firstErr error
	l.shutdownOnce.Do(func() {
		l.closed.Store(true)
		if err := l.pool.AwaitIdle(context.Background()); err != nil {
			firstErr = fmt.Errorf("flashwal: draining in-flight appends: %w", err)
		}
		for _, w := range l.pool.All() {
			if err := w.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("flashwal: closing worker chunk: %w", err)
			}
		}
		if err := l.bookkeepingChunk.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flashwal: closing bookkeeping chunk: %w", err)
		}
	})
	return firstErr
}
