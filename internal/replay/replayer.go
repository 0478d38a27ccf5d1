// Package replay implements the startup recovery procedure: it reads
// un-committed segments, validates framed records with dual checksums,
// filters by per-column-family flush positions, and re-applies
// surviving mutations.
package replay

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"flashwal/internal/blockdevice"
	"flashwal/internal/framer"
	"flashwal/internal/hostiface"
	"flashwal/internal/metrics"
	"flashwal/internal/segment"
)

// streamChunkBlocks bounds how many blocks are requested from the
// device in a single read while streaming a segment into memory.
const streamChunkBlocks = 8000

// DefaultMaxOutstanding is the default bound on in-flight apply tasks
// before the Replayer awaits them.
const DefaultMaxOutstanding = 1 << 21

// Replayer drives recovery against one SegmentManager.
type Replayer struct {
	mgr            *segment.Manager
	readChunk      blockdevice.Chunk
	catalog        hostiface.Catalog
	codec          hostiface.MutationCodec
	apply          hostiface.ApplyExecutor
	metrics        *metrics.Metrics
	logger         *zap.Logger
	maxOutstanding int
}

// New constructs a Replayer. readChunk is the manager's bookkeeping
// chunk, reused here to stream segment data since replay is a
// single-threaded startup phase that runs before any append is
// accepted.
func New(mgr *segment.Manager, readChunk blockdevice.Chunk, catalog hostiface.Catalog, codec hostiface.MutationCodec, apply hostiface.ApplyExecutor, m *metrics.Metrics, logger *zap.Logger) *Replayer {
	return &Replayer{
		mgr:            mgr,
		readChunk:      readChunk,
		catalog:        catalog,
		codec:          codec,
		apply:          apply,
		metrics:        m,
		logger:         logger,
		maxOutstanding: DefaultMaxOutstanding,
	}
}

// globalFloor computes the elementwise minimum replay position across
// every live column family.
func (r *Replayer) globalFloor() hostiface.ReplayPosition {
	cfs := r.catalog.AllColumnFamilies()
	if len(cfs) == 0 {
		return hostiface.ReplayPosition{}
	}
	floor := r.catalog.ReplayFloor(cfs[0])
	for _, cf := range cfs[1:] {
		if p := r.catalog.ReplayFloor(cf); p.Less(floor) {
			floor = p
		}
	}
	return floor
}

// Run walks every un-committed slot and dispatches surviving mutations
// to the apply executor, returning the total number of mutations
// delivered.
func (r *Replayer) Run(ctx context.Context) (int, error) {
	cfg := r.mgr.Config()
	floor := r.globalFloor()
	unCommitted := r.mgr.UnCommitted()

	// Walk slots in segment-id order so mutations are re-applied in the
	// order they were originally appended.
	type slotEntry struct {
		slot uint32
		id   uint64
	}
	ordered := make([]slotEntry, 0, len(unCommitted))
	for slot, id := range unCommitted {
		ordered = append(ordered, slotEntry{slot: slot, id: id})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	total := 0
	outstanding := 0
	dirtiedCFs := make(map[hostiface.ColumnFamilyID]struct{})

	for _, e := range ordered {
		slot, id := e.slot, e.id
		if id < floor.SegmentID {
			r.logger.Debug("skipping slot below global replay floor", zap.Uint32("slot", slot), zap.Uint64("segment_id", id))
			continue
		}
		startOffset := uint32(0)
		if id == floor.SegmentID {
			startOffset = floor.BlockOffset
		}

		n, touched, err := r.replaySlot(ctx, cfg, slot, id, startOffset, &outstanding)
		if err != nil {
			return total, err
		}
		total += n
		for cf := range touched {
			dirtiedCFs[cf] = struct{}{}
		}
	}

	if err := r.apply.Await(ctx); err != nil {
		return total, fmt.Errorf("replay: awaiting apply tasks: %w", err)
	}
	for cf := range dirtiedCFs {
		if err := r.apply.FlushKeyspace(ctx, cf); err != nil {
			return total, fmt.Errorf("replay: flushing keyspace after replay: %w", err)
		}
	}

	r.logger.Info("replay complete", zap.Int("mutations", total), zap.Int("slots", len(unCommitted)))
	return total, nil
}

// replaySlot streams one slot's data region into memory and walks it
// record-by-record from startOffset. The first corrupt frame marks the
// boundary between the clean pre-crash prefix and the torn tail;
// scanning past it would risk replaying garbage.
func (r *Replayer) replaySlot(ctx context.Context, cfg segment.Config, slot uint32, segmentID uint64, startOffset uint32, outstanding *int) (int, map[hostiface.ColumnFamilyID]struct{}, error) {
	blockSize := blockSizeOf(cfg)
	buf, err := r.streamSlot(ctx, cfg, slot, blockSize)
	if err != nil {
		return 0, nil, fmt.Errorf("replay: streaming slot %d: %w", slot, err)
	}

	applied := 0
	touched := make(map[hostiface.ColumnFamilyID]struct{})
	offset := startOffset
	sawAnyValid := false

	for int(offset)*blockSize < len(buf) {
		window := buf[int(offset)*blockSize:]
		result := framer.Decode(window, segmentID, blockSize)

		switch result.Status {
		case framer.EndOfRecords:
			return applied, touched, nil

		case framer.Corrupt:
			if !sawAnyValid && offset == startOffset {
				r.logger.Warn("corrupt frame at start of otherwise non-empty slot; nothing recovered",
					zap.Uint32("slot", slot), zap.Uint64("segment_id", segmentID), zap.String("reason", result.Reason))
			} else {
				r.logger.Warn("corrupt frame ends scanning of slot; keeping earlier records",
					zap.Uint32("slot", slot), zap.Uint64("segment_id", segmentID), zap.String("reason", result.Reason))
			}
			if r.metrics != nil {
				r.metrics.SlotCorrupt()
			}
			return applied, touched, nil

		case framer.Valid:
			sawAnyValid = true
			recordPos := hostiface.ReplayPosition{SegmentID: segmentID, BlockOffset: offset + result.BlockCount}

			n, err := r.applyRecord(ctx, result.Payload, recordPos, touched)
			if err != nil {
				return applied, touched, err
			}
			applied += n

			*outstanding++
			if *outstanding >= r.maxOutstanding {
				if err := r.apply.Await(ctx); err != nil {
					return applied, touched, fmt.Errorf("replay: awaiting apply backlog: %w", err)
				}
				*outstanding = 0
			}

			offset += result.BlockCount
		}
	}

	return applied, touched, nil
}

// applyRecord deserializes one record's payload, filters it to the
// column families still present and not yet covered by their flush
// floor, and submits the survivor.
func (r *Replayer) applyRecord(ctx context.Context, payload []byte, recordPos hostiface.ReplayPosition, touched map[hostiface.ColumnFamilyID]struct{}) (int, error) {
	mutation, err := r.codec.Deserialize(payload)
	if err != nil {
		// A payload that fails to deserialize despite passing its
		// checksum indicates a codec/format mismatch, not a torn
		// write; surface it rather than silently dropping data.
		return 0, fmt.Errorf("replay: deserializing payload: %w", err)
	}

	var surviving []hostiface.ColumnFamilyID
	for _, cf := range r.codec.ColumnFamilies(mutation) {
		if !r.catalog.Exists(cf) {
			if r.metrics != nil {
				r.metrics.MutationInvalid()
			}
			continue
		}
		floor := r.catalog.ReplayFloor(cf)
		if floor.Less(recordPos) {
			surviving = append(surviving, cf)
		}
	}

	if len(surviving) == 0 {
		return 0, nil
	}

	filtered := r.codec.FilterColumnFamilies(mutation, surviving)
	if filtered == nil {
		return 0, nil
	}
	if err := r.apply.Apply(ctx, filtered); err != nil {
		return 0, fmt.Errorf("replay: submitting mutation: %w", err)
	}
	for _, cf := range surviving {
		touched[cf] = struct{}{}
	}
	if r.metrics != nil {
		r.metrics.MutationReplayed()
	}
	return 1, nil
}

// streamSlot reads a slot's full data region into one contiguous
// buffer, in fixed-size chunks, to bound any single device request.
func (r *Replayer) streamSlot(ctx context.Context, cfg segment.Config, slot uint32, blockSize int) ([]byte, error) {
	total := cfg.BlocksPerSegment
	buf := make([]byte, int(total)*blockSize)
	base := cfg.DataOffset() + uint64(slot)*uint64(cfg.BlocksPerSegment)

	for done := uint32(0); done < total; {
		n := total - done
		if n > streamChunkBlocks {
			n = streamChunkBlocks
		}
		dst := buf[int(done)*blockSize : int(done+n)*blockSize]
		if err := r.readChunk.ReadBlock(ctx, base+uint64(done), n, dst); err != nil {
			return nil, err
		}
		done += n
	}
	return buf, nil
}

func blockSizeOf(cfg segment.Config) int {
	if cfg.BlockSize == 0 {
		return blockdevice.BlockSize
	}
	return cfg.BlockSize
}
