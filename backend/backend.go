// Package backend defines the pluggable storage-engine contract used by
// store masters (spec §4.5 "Backend Contract"), plus the status codes
// its mutation operations return.
package backend

import (
	"time"

	"github.com/SiChiTong/broker/data"
)

// Seq is a per-store monotonically non-decreasing sequence number,
// bumped on every successful mutating command (spec §3 "Sequence number").
type Seq uint64

// Expiry describes when an entry should be considered expired.
// last_modification plus an optional duration, per spec §3.
type Expiry struct {
	LastModification time.Time
	Duration         *time.Duration
}

// Equal reports whether two expiries describe the same expiration,
// used by the expire() race guard (spec §4.5, §4.6).
func (e Expiry) Equal(o Expiry) bool {
	if !e.LastModification.Equal(o.LastModification) {
		return false
	}
	if (e.Duration == nil) != (o.Duration == nil) {
		return false
	}
	return e.Duration == nil || *e.Duration == *o.Duration
}

// Entry is one stored value plus its optional expiry (spec §3 "Value
// entry").
type Entry struct {
	Value  data.Value
	Expiry *Expiry
}

// SnapshotEntry pairs a stored key with its entry, used by Snapshot.
type SnapshotEntry struct {
	Key data.Value
	Entry
}

// Snapshot is the full state of a backend at a point in time: every
// entry plus the sequence number it was taken at (spec §4.4
// "snapshot_command"/"snapshot_reply"). A slice, not a map, is used so
// the arbitrary-typed Data keys survive a gob round trip over the wire
// unchanged (a map keyed by a derived string would lose the original
// typed key).
type Snapshot struct {
	Entries []SnapshotEntry
	Seq     Seq
}

// ModStatus is the three-way outcome of a typed mutation (increment,
// set/vector ops), per spec §4.5.
type ModStatus int

const (
	// StatusSuccess: the mutation applied.
	StatusSuccess ModStatus = iota
	// StatusInvalid: the target key holds a value of the wrong shape.
	StatusInvalid
	// StatusFailure: the underlying engine failed (I/O error).
	StatusFailure
)

// ModResult is returned by every typed mutation operation.
type ModResult struct {
	Status ModStatus
	Expiry *Expiry
	// Popped carries the removed element for PopLeft/PopRight; nil if the
	// vector was empty or the key was missing (still StatusSuccess).
	Popped data.Value
}

// Backend is the pluggable key/value engine contract a store Master
// drives (spec §4.5). All mutating operations are called by the Master
// actor only; the Master — not the Backend — is responsible for calling
// IncreaseSequence after a successful apply (spec §4.5 final paragraph).
type Backend interface {
	// Init replaces all state with the snapshot's entries and sequence.
	Init(snap Snapshot) error
	// Sequence returns the current sequence number.
	Sequence() (Seq, error)
	// IncreaseSequence bumps the sequence number by one.
	IncreaseSequence() error

	// Insert overwrites the mapping for k, setting or clearing its expiry
	// per the supplied pointer (nil clears any existing expiry).
	Insert(k data.Value, v data.Value, expiry *Expiry) error
	// Erase removes the mapping and expiry for k, if any.
	Erase(k data.Value) error
	// Expire removes k only if its current expiry equals the supplied
	// expiration, guarding against a concurrent update (spec §4.5, §4.6,
	// invariant 6).
	Expire(k data.Value, expiry Expiry) error

	// Increment adds by to the integer/count value at k.
	Increment(k data.Value, by int64, modTime time.Time) (ModResult, error)
	// AddToSet inserts e into the set at k.
	AddToSet(k data.Value, e data.Value, modTime time.Time) (ModResult, error)
	// RemoveFromSet removes e from the set at k.
	RemoveFromSet(k data.Value, e data.Value, modTime time.Time) (ModResult, error)
	// PushLeft prepends items to the vector at k.
	PushLeft(k data.Value, items []data.Value, modTime time.Time) (ModResult, error)
	// PushRight appends items to the vector at k.
	PushRight(k data.Value, items []data.Value, modTime time.Time) (ModResult, error)
	// PopLeft removes and returns the first element of the vector at k.
	PopLeft(k data.Value, modTime time.Time) (ModResult, error)
	// PopRight removes and returns the last element of the vector at k.
	PopRight(k data.Value, modTime time.Time) (ModResult, error)

	// Lookup returns the value at k, or nil if absent (absence is not an
	// error, per spec §4.5).
	Lookup(k data.Value) (data.Value, error)
	// LookupExpiry returns both the value and expiry at k; either, or
	// both, may be absent independently.
	LookupExpiry(k data.Value) (data.Value, *Expiry, error)
	// Exists reports whether k has a mapping.
	Exists(k data.Value) (bool, error)
	// Keys returns every key, unordered.
	Keys() ([]data.Value, error)
	// Size returns the number of entries, possibly estimated.
	Size() (int64, error)
	// Snap returns a full snapshot of the current state.
	Snap() (Snapshot, error)
	// Expiries returns every key with a configured expiry, for scheduler use.
	Expiries() ([]KeyExpiry, error)
	// Clear destroys all state; equivalent to closing and reopening empty.
	Clear() error

	// Close releases any resources held by the backend.
	Close() error
}

// KeyExpiry pairs a key with its expiry, returned by Expiries.
type KeyExpiry struct {
	Key    data.Value
	Expiry Expiry
}
