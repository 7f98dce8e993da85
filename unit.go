package graph

import (
	"fmt"
	"sync"
	"time"
)

// TimestampMetaKind is the metadata kind of ReferenceTimestamp.
const TimestampMetaKind = "TimeStampMetaData"

type (
	// Unit is a single piece of data flowing through the graph. Payload is
	// opaque for the graph. Units passed through the tee are shared by
	// all branches, so stages must not modify received units. Transforms
	// that produce a new payload should use Derive. Probes on tee outputs
	// get a fork of the unit, so metadata they attach stays in their
	// branch.
	Unit struct {
		// Seq is assigned by the source executor, starting from 1.
		Seq     uint64
		Payload []byte
		Format  Format
		meta    *metadata
	}

	// metadata is the side-table of the unit. It's shared by all units
	// derived from the same origin.
	metadata struct {
		mu      sync.RWMutex
		entries []metaEntry
	}

	metaEntry struct {
		kind  string
		value interface{}
	}

	// ReferenceTimestamp is the metadata that correlates unit with
	// external timeline.
	ReferenceTimestamp struct {
		Reference string
		Timestamp uint64
		// Duration is zero if unknown.
		Duration time.Duration
	}
)

// NewUnit returns new unit with empty metadata.
func NewUnit(payload []byte) *Unit {
	return &Unit{
		Payload: payload,
		meta:    &metadata{},
	}
}

// Derive returns a new unit with provided payload. Sequence number,
// format and metadata side-table are shared with the original.
func (u *Unit) Derive(payload []byte) *Unit {
	return &Unit{
		Seq:     u.Seq,
		Payload: payload,
		Format:  u.Format,
		meta:    u.side(),
	}
}

// fork returns a copy of the unit with its own side-table holding the
// entries attached so far. Later attachments are not visible to the
// original unit.
func (u *Unit) fork() *Unit {
	m := &metadata{}
	if u.meta != nil {
		u.meta.mu.RLock()
		m.entries = append([]metaEntry(nil), u.meta.entries...)
		u.meta.mu.RUnlock()
	}
	return &Unit{
		Seq:     u.Seq,
		Payload: u.Payload,
		Format:  u.Format,
		meta:    m,
	}
}

// Attach adds metadata of provided kind. Attached metadata is immutable,
// ErrMetaExists is returned if kind is already attached.
func (u *Unit) Attach(kind string, value interface{}) error {
	m := u.side()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.kind == kind {
			return fmt.Errorf("attach %s to unit %d: %w", kind, u.Seq, ErrMetaExists)
		}
	}
	m.entries = append(m.entries, metaEntry{kind: kind, value: value})
	return nil
}

// Lookup returns metadata of provided kind.
func (u *Unit) Lookup(kind string) (interface{}, bool) {
	if u.meta == nil {
		return nil, false
	}
	u.meta.mu.RLock()
	defer u.meta.mu.RUnlock()
	for _, e := range u.meta.entries {
		if e.kind == kind {
			return e.value, true
		}
	}
	return nil, false
}

// MetaKinds returns attached kinds in order of attachment.
func (u *Unit) MetaKinds() []string {
	if u.meta == nil {
		return nil
	}
	u.meta.mu.RLock()
	defer u.meta.mu.RUnlock()
	kinds := make([]string, 0, len(u.meta.entries))
	for _, e := range u.meta.entries {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

// side returns the side-table. Units that were not created with NewUnit
// get it on first write, which is safe only before unit is sent.
func (u *Unit) side() *metadata {
	if u.meta == nil {
		u.meta = &metadata{}
	}
	return u.meta
}

// MetaAs returns metadata of provided kind converted to T. False is
// returned if metadata is missing or has different type.
func MetaAs[T any](u *Unit, kind string) (T, bool) {
	var zero T
	v, ok := u.Lookup(kind)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Timestamp returns the reference timestamp of the unit.
func Timestamp(u *Unit) (ReferenceTimestamp, bool) {
	return MetaAs[ReferenceTimestamp](u, TimestampMetaKind)
}
