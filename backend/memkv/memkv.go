// Package memkv is an in-memory Backend implementation for tests (spec
// §9: "provide at least one in-memory implementation for tests"). It is
// only ever touched by the Master/Clone actor goroutine that owns it, so
// unlike a general-purpose cache it carries no internal lock (spec §5
// "no lock is needed for actor-private state").
package memkv

import (
	"fmt"
	"time"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/data"
)

// Backend is a map-backed implementation of backend.Backend.
type Backend struct {
	entries map[string]entry
	seq     backend.Seq
}

type entry struct {
	key    data.Value
	value  data.Value
	expiry *backend.Expiry
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{entries: make(map[string]entry)}
}

func keyString(k data.Value) string { return fmt.Sprintf("%d:%v", k.Kind(), k) }

func (b *Backend) Init(snap backend.Snapshot) error {
	b.entries = make(map[string]entry, len(snap.Entries))
	for _, e := range snap.Entries {
		b.entries[keyString(e.Key)] = entry{key: e.Key, value: e.Value, expiry: e.Expiry}
	}
	b.seq = snap.Seq
	return nil
}

func (b *Backend) Sequence() (backend.Seq, error)  { return b.seq, nil }
func (b *Backend) IncreaseSequence() error          { b.seq++; return nil }

func (b *Backend) Insert(k, v data.Value, expiry *backend.Expiry) error {
	b.entries[keyString(k)] = entry{key: k, value: v, expiry: expiry}
	return nil
}

func (b *Backend) Erase(k data.Value) error {
	delete(b.entries, keyString(k))
	return nil
}

func (b *Backend) Expire(k data.Value, expiry backend.Expiry) error {
	ks := keyString(k)
	e, ok := b.entries[ks]
	if !ok {
		return nil
	}
	if e.expiry == nil || !e.expiry.Equal(expiry) {
		// Stale expire request: a concurrent update changed the expiry
		// since the scheduler read it. No-op, per spec §4.5/invariant 6.
		return nil
	}
	delete(b.entries, ks)
	return nil
}

func (b *Backend) get(k data.Value) (entry, bool) {
	e, ok := b.entries[keyString(k)]
	return e, ok
}

func updatedExpiry(existing *backend.Expiry, modTime time.Time) *backend.Expiry {
	if existing == nil {
		return nil
	}
	ne := *existing
	ne.LastModification = modTime
	return &ne
}

func (b *Backend) Increment(k data.Value, by int64, modTime time.Time) (backend.ModResult, error) {
	e, ok := b.get(k)
	if !ok {
		ne := updatedExpiry(nil, modTime)
		b.entries[keyString(k)] = entry{key: k, value: data.Int(by), expiry: ne}
		return backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, nil
	}
	var newVal data.Value
	switch cur := e.value.(type) {
	case data.Int:
		newVal = data.Int(int64(cur) + by)
	case data.Count:
		nv := int64(cur) + by
		if nv < 0 {
			return backend.ModResult{Status: backend.StatusInvalid}, nil
		}
		newVal = data.Count(nv)
	default:
		return backend.ModResult{Status: backend.StatusInvalid}, nil
	}
	ne := updatedExpiry(e.expiry, modTime)
	e.value = newVal
	e.expiry = ne
	b.entries[keyString(k)] = e
	return backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, nil
}

func (b *Backend) AddToSet(k, elem data.Value, modTime time.Time) (backend.ModResult, error) {
	e, ok := b.get(k)
	var s data.Set
	if ok {
		var isSet bool
		s, isSet = e.value.(data.Set)
		if !isSet {
			return backend.ModResult{Status: backend.StatusInvalid}, nil
		}
	}
	s.Add(elem)
	ne := updatedExpiry(e.expiry, modTime)
	b.entries[keyString(k)] = entry{key: k, value: s, expiry: ne}
	return backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, nil
}

func (b *Backend) RemoveFromSet(k, elem data.Value, modTime time.Time) (backend.ModResult, error) {
	e, ok := b.get(k)
	if !ok {
		return backend.ModResult{Status: backend.StatusSuccess}, nil
	}
	s, isSet := e.value.(data.Set)
	if !isSet {
		return backend.ModResult{Status: backend.StatusInvalid}, nil
	}
	s.Remove(elem)
	ne := updatedExpiry(e.expiry, modTime)
	e.value = s
	e.expiry = ne
	b.entries[keyString(k)] = e
	return backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, nil
}

func (b *Backend) pushVector(k data.Value, items []data.Value, modTime time.Time, left bool) (backend.ModResult, error) {
	e, ok := b.get(k)
	var v data.Vector
	if ok {
		var isVec bool
		v, isVec = e.value.(data.Vector)
		if !isVec {
			return backend.ModResult{Status: backend.StatusInvalid}, nil
		}
	}
	if left {
		v.Items = append(append([]data.Value{}, items...), v.Items...)
	} else {
		v.Items = append(v.Items, items...)
	}
	ne := updatedExpiry(e.expiry, modTime)
	b.entries[keyString(k)] = entry{key: k, value: v, expiry: ne}
	return backend.ModResult{Status: backend.StatusSuccess, Expiry: ne}, nil
}

func (b *Backend) PushLeft(k data.Value, items []data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.pushVector(k, items, modTime, true)
}

func (b *Backend) PushRight(k data.Value, items []data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.pushVector(k, items, modTime, false)
}

func (b *Backend) popVector(k data.Value, modTime time.Time, left bool) (backend.ModResult, error) {
	e, ok := b.get(k)
	if !ok {
		return backend.ModResult{Status: backend.StatusSuccess}, nil
	}
	v, isVec := e.value.(data.Vector)
	if !isVec {
		return backend.ModResult{Status: backend.StatusInvalid}, nil
	}
	if len(v.Items) == 0 {
		return backend.ModResult{Status: backend.StatusSuccess}, nil
	}
	var popped data.Value
	if left {
		popped = v.Items[0]
		v.Items = v.Items[1:]
	} else {
		popped = v.Items[len(v.Items)-1]
		v.Items = v.Items[:len(v.Items)-1]
	}
	ne := updatedExpiry(e.expiry, modTime)
	e.value = v
	e.expiry = ne
	b.entries[keyString(k)] = e
	return backend.ModResult{Status: backend.StatusSuccess, Expiry: ne, Popped: popped}, nil
}

func (b *Backend) PopLeft(k data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.popVector(k, modTime, true)
}

func (b *Backend) PopRight(k data.Value, modTime time.Time) (backend.ModResult, error) {
	return b.popVector(k, modTime, false)
}

func (b *Backend) Lookup(k data.Value) (data.Value, error) {
	e, ok := b.get(k)
	if !ok {
		return nil, nil
	}
	return e.value, nil
}

func (b *Backend) LookupExpiry(k data.Value) (data.Value, *backend.Expiry, error) {
	e, ok := b.get(k)
	if !ok {
		return nil, nil, nil
	}
	return e.value, e.expiry, nil
}

func (b *Backend) Exists(k data.Value) (bool, error) {
	_, ok := b.get(k)
	return ok, nil
}

func (b *Backend) Keys() ([]data.Value, error) {
	out := make([]data.Value, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.key)
	}
	return out, nil
}

func (b *Backend) Size() (int64, error) { return int64(len(b.entries)), nil }

func (b *Backend) Snap() (backend.Snapshot, error) {
	entries := make([]backend.SnapshotEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, backend.SnapshotEntry{
			Key:   e.key,
			Entry: backend.Entry{Value: e.value, Expiry: e.expiry},
		})
	}
	return backend.Snapshot{Entries: entries, Seq: b.seq}, nil
}

func (b *Backend) Expiries() ([]backend.KeyExpiry, error) {
	var out []backend.KeyExpiry
	for _, e := range b.entries {
		if e.expiry != nil {
			out = append(out, backend.KeyExpiry{Key: e.key, Expiry: *e.expiry})
		}
	}
	return out, nil
}

func (b *Backend) Clear() error {
	b.entries = make(map[string]entry)
	b.seq = 0
	return nil
}

func (b *Backend) Close() error { return nil }
