// Package hostifacetest provides minimal in-memory implementations of
// the hostiface interfaces for use by this module's own tests and the
// bench CLI, standing in for the column-family catalog, mutation codec,
// and apply/flush executors a real host database would supply.
package hostifacetest

import (
	"context"
	"sync"

	"flashwal/internal/hostiface"
)

// Mutation is a trivial hostiface.Mutation: an opaque payload tagged
// with the column families it touches.
type Mutation struct {
	Payload []byte
	CFs     []hostiface.ColumnFamilyID
}

func (m Mutation) Serialize() ([]byte, error) { return m.Payload, nil }
func (m Mutation) SerializedSize() int        { return len(m.Payload) }

// Codec is a hostiface.MutationCodec over Mutation: deserializing just
// wraps the payload bytes back up, tagged with the CFs the encoder
// records alongside it in Encode (tests populate cfsByPayload because the
// wire payload itself, opaque to this module, doesn't need to encode
// CFs for these tests).
type Codec struct {
	mu           sync.Mutex
	cfsByPayload map[string][]hostiface.ColumnFamilyID
}

// NewCodec creates an empty Codec.
func NewCodec() *Codec {
	return &Codec{cfsByPayload: make(map[string][]hostiface.ColumnFamilyID)}
}

// Encode records which CFs a payload belongs to and returns the payload
// unchanged, for use as the bytes an Add call and a later replay will
// round-trip.
func (c *Codec) Encode(payload []byte, cfs ...hostiface.ColumnFamilyID) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfsByPayload[string(payload)] = cfs
	return payload
}

func (c *Codec) Deserialize(payload []byte) (hostiface.Mutation, error) {
	c.mu.Lock()
	cfs := c.cfsByPayload[string(payload)]
	c.mu.Unlock()
	return Mutation{Payload: payload, CFs: cfs}, nil
}

func (c *Codec) ColumnFamilies(m hostiface.Mutation) []hostiface.ColumnFamilyID {
	return m.(Mutation).CFs
}

func (c *Codec) FilterColumnFamilies(m hostiface.Mutation, surviving []hostiface.ColumnFamilyID) hostiface.Mutation {
	if len(surviving) == 0 {
		return nil
	}
	mm := m.(Mutation)
	mm.CFs = surviving
	return mm
}

// Catalog is an in-memory hostiface.Catalog.
type Catalog struct {
	mu     sync.Mutex
	floors map[hostiface.ColumnFamilyID]hostiface.ReplayPosition
	exists map[hostiface.ColumnFamilyID]bool
}

// NewCatalog creates a Catalog with no registered column families (an
// empty catalog yields a zero-valued global replay floor).
func NewCatalog() *Catalog {
	return &Catalog{
		floors: make(map[hostiface.ColumnFamilyID]hostiface.ReplayPosition),
		exists: make(map[hostiface.ColumnFamilyID]bool),
	}
}

// Register adds cf to the catalog with the given replay floor.
func (c *Catalog) Register(cf hostiface.ColumnFamilyID, floor hostiface.ReplayPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exists[cf] = true
	c.floors[cf] = floor
}

// Drop removes cf from the catalog, simulating a dropped column family.
func (c *Catalog) Drop(cf hostiface.ColumnFamilyID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.exists, cf)
}

// SetFloor updates cf's replay floor, simulating a flush notification.
func (c *Catalog) SetFloor(cf hostiface.ColumnFamilyID, floor hostiface.ReplayPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.floors[cf] = floor
}

func (c *Catalog) ReplayFloor(cf hostiface.ColumnFamilyID) hostiface.ReplayPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.floors[cf]
}

func (c *Catalog) Exists(cf hostiface.ColumnFamilyID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exists[cf]
}

func (c *Catalog) AllColumnFamilies() []hostiface.ColumnFamilyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hostiface.ColumnFamilyID, 0, len(c.exists))
	for cf := range c.exists {
		out = append(out, cf)
	}
	return out
}

// ApplyExecutor is an in-memory hostiface.ApplyExecutor that records
// every applied mutation and flushed keyspace for test assertions.
type ApplyExecutor struct {
	mu       sync.Mutex
	Applied  []hostiface.Mutation
	Flushed  []hostiface.ColumnFamilyID
	ApplyErr error
}

func NewApplyExecutor() *ApplyExecutor { return &ApplyExecutor{} }

func (a *ApplyExecutor) Apply(ctx context.Context, m hostiface.Mutation) error {
	if a.ApplyErr != nil {
		return a.ApplyErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Applied = append(a.Applied, m)
	return nil
}

func (a *ApplyExecutor) Await(ctx context.Context) error { return nil }

func (a *ApplyExecutor) FlushKeyspace(ctx context.Context, cf hostiface.ColumnFamilyID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Flushed = append(a.Flushed, cf)
	return nil
}

// FlushExecutor is an in-memory hostiface.FlushExecutor recording every
// requested CF, for asserting emergency-valve back-pressure.
type FlushExecutor struct {
	mu        sync.Mutex
	Requested []hostiface.ColumnFamilyID
}

func NewFlushExecutor() *FlushExecutor { return &FlushExecutor{} }

func (f *FlushExecutor) RequestFlush(cf hostiface.ColumnFamilyID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requested = append(f.Requested, cf)
}

func (f *FlushExecutor) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requested)
}
