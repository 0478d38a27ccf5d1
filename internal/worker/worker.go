// Package worker implements the bounded pool of pre-allocated append
// workers: each owns a staging buffer and a device chunk, and performs
// one framed write per borrow. The pool doubles as a semaphore: the
// idle set's size is the number of appends that may start, and a full
// idle set means no append is in flight.
package worker

import (
	"context"
	"fmt"

	"flashwal/internal/blockdevice"
	"flashwal/internal/framer"
	"flashwal/internal/segment"
)

// Worker owns a device chunk and a staging buffer and performs exactly
// one framed append at a time.
type Worker struct {
	id      int
	device  blockdevice.Chunk
	staging []byte
}

// New creates a worker pinned to device with a staging buffer sized for
// bufferBlocks blocks of blockSize bytes each.
func New(id int, device blockdevice.Chunk, bufferBlocks uint32, blockSize int) *Worker {
	return &Worker{
		id:      id,
		device:  device,
		staging: make([]byte, int(bufferBlocks)*blockSize),
	}
}

// BufferBlocks reports the worker's staging-buffer capacity in blocks.
func (w *Worker) BufferBlocks(blockSize int) uint32 {
	return uint32(len(w.staging) / blockSize)
}

// WriteFramed serializes payload into the worker's staging buffer with
// framing for alloc.SegmentID, then writes the resulting blocks to the
// worker's own device chunk at the physical address
// dataOffset + alloc.SlotIndex*blocksPerSegment + alloc.StartingBlock.
func (w *Worker) WriteFramed(ctx context.Context, alloc segment.AllocResult, payload []byte, dataOffset uint64, blocksPerSegment uint32, blockSize int) error {
	blockCount, err := framer.Encode(alloc.SegmentID, payload, blockSize, w.BufferBlocks(blockSize), w.staging)
	if err != nil {
		return err
	}
	if blockCount != alloc.BlockCount {
		return fmt.Errorf("worker: framed %d blocks but allocation reserved %d", blockCount, alloc.BlockCount)
	}

	addr := dataOffset + uint64(alloc.SlotIndex)*uint64(blocksPerSegment) + uint64(alloc.StartingBlock)
	if err := w.device.WriteBlock(ctx, addr, blockCount, w.staging[:int(blockCount)*blockSize]); err != nil {
		return fmt.Errorf("worker %d: device I/O error: %w", w.id, err)
	}
	return nil
}

// Close releases the worker's device chunk. Workers are created once at
// startup and closed only at shutdown.
func (w *Worker) Close() error {
	return w.device.Close()
}
