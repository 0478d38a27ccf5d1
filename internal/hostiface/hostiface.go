// Package hostiface names the collaborators the commit log consumes
// from the host column-family database but does not implement. Mutation
// serialization, schema lookup, and mutation-apply/flush dispatch all
// live on the other side of these interfaces.
package hostiface

import "context"

// ColumnFamilyID identifies a column family within the host database.
type ColumnFamilyID uint64

// ReplayPosition is a (segment_id, block_offset) watermark. It forms a
// total order: first by SegmentID, then by BlockOffset.
type ReplayPosition struct {
	SegmentID   uint64
	BlockOffset uint32
}

// Less reports whether p sorts strictly before other.
func (p ReplayPosition) Less(other ReplayPosition) bool {
	if p.SegmentID != other.SegmentID {
		return p.SegmentID < other.SegmentID
	}
	return p.BlockOffset < other.BlockOffset
}

// LessOrEqual reports whether p sorts before or equal to other.
func (p ReplayPosition) LessOrEqual(other ReplayPosition) bool {
	return p == other || p.Less(other)
}

// Mutation is the opaque, host-owned payload carried by one record. The
// commit log never interprets its bytes; it only frames and replays them.
type Mutation interface {
	// Serialize returns the wire bytes to persist for this mutation.
	Serialize() ([]byte, error)
	// SerializedSize reports the exact byte length Serialize will produce,
	// used to size staging buffers without allocating twice.
	SerializedSize() int
}

// MutationCodec deserializes mutations read back from the log during
// replay and reports which column families a mutation touches.
type MutationCodec interface {
	// Deserialize reconstructs a Mutation from persisted payload bytes.
	Deserialize(payload []byte) (Mutation, error)
	// ColumnFamilies returns the set of column families a mutation
	// writes to, so the replayer can filter sub-mutations per CF.
	ColumnFamilies(m Mutation) []ColumnFamilyID
	// FilterColumnFamilies returns a copy of m containing only the
	// sub-mutations for the given surviving column families, or nil if
	// none survive.
	FilterColumnFamilies(m Mutation, surviving []ColumnFamilyID) Mutation
}

// Catalog resolves per-CF recovery floors and schema membership. It is
// the thin interface onto the host's column-family metadata and system
// keyspace truncation records.
type Catalog interface {
	// ReplayFloor returns the position up to (and including) which cf's
	// on-disk tables already reflect every mutation, optionally bumped
	// forward by a recorded truncation point.
	ReplayFloor(cf ColumnFamilyID) ReplayPosition
	// Exists reports whether cf is still present in the live schema. A
	// replayed sub-mutation for a dropped CF is discarded.
	Exists(cf ColumnFamilyID) bool
	// AllColumnFamilies enumerates every live CF, used to compute the
	// global replay floor at startup.
	AllColumnFamilies() []ColumnFamilyID
}

// ApplyExecutor is the external mutation-apply stage (Stage = MUTATION in
// the host database) that replayed mutations are dispatched to.
type ApplyExecutor interface {
	// Apply submits m for application against the live keyspace. Apply
	// must not block waiting on FlushKeyspace; submission is fire-and-forget
	// from the replayer's perspective, bounded by Await.
	Apply(ctx context.Context, m Mutation) error
	// Await blocks until every previously submitted Apply has completed.
	Await(ctx context.Context) error
	// FlushKeyspace requests a flush of cf's memtables, used once replay
	// has pushed mutations into a CF so its on-disk tables catch up.
	FlushKeyspace(ctx context.Context, cf ColumnFamilyID) error
}

// FlushExecutor is the disjoint, optional-tasks executor emergency-valve
// flush requests are enqueued on. It must never be the same executor
// callers of Log.Add run on, or a caller holding a database-level lock
// could deadlock against its own commit-log write.
type FlushExecutor interface {
	RequestFlush(cf ColumnFamilyID)
}
