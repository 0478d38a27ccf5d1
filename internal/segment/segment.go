// Package segment implements the ring of fixed-size segments carved out
// of the raw device: block-granular allocation inside a segment,
// per-segment dirty-tracking, recycling after flush, and the persistent
// bookkeeping region recording which segment slots hold un-replayed
// data.
package segment

import (
	"fmt"

	"flashwal/internal/hostiface"
)

// Segment is a contiguous run of BlocksPerSegment blocks. Segments
// carry no back-reference to the manager that owns them.
type Segment struct {
	SlotIndex uint32
	SegmentID uint64

	// cursor is the next free block offset within the segment, in
	// [0, BlocksPerSegment]. Monotonically non-decreasing for the
	// lifetime of the segment.
	cursor uint32

	// dirty maps column-family id to the highest in-segment block
	// offset (exclusive end of the record occupying it) that still
	// holds data not yet flushed for that CF.
	dirty map[hostiface.ColumnFamilyID]uint32
}

func newSegment(slot uint32, id uint64) *Segment {
	return &Segment{
		SlotIndex: slot,
		SegmentID: id,
		dirty:     make(map[hostiface.ColumnFamilyID]uint32),
	}
}

// Cursor returns the segment's current write cursor.
func (s *Segment) Cursor() uint32 { return s.cursor }

// IsUnused reports whether the segment's dirty map is empty.
func (s *Segment) IsUnused() bool { return len(s.dirty) == 0 }

// DirtyColumnFamilies returns a snapshot of the column families
// currently holding un-flushed data in this segment.
func (s *Segment) DirtyColumnFamilies() []hostiface.ColumnFamilyID {
	out := make([]hostiface.ColumnFamilyID, 0, len(s.dirty))
	for cf := range s.dirty {
		out = append(out, cf)
	}
	return out
}

// AllocResult is what Allocate hands back to a caller: the exact
// location to frame and write a record into.
type AllocResult struct {
	SegmentID     uint64
	SlotIndex     uint32
	StartingBlock uint32
	BlockCount    uint32
}

func (r AllocResult) String() string {
	return fmt.Sprintf("segment=%d slot=%d blocks=[%d,%d)", r.SegmentID, r.SlotIndex, r.StartingBlock, r.StartingBlock+r.BlockCount)
}
