package memkv

import (
	"testing"
	"time"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/data"
	"github.com/stretchr/testify/require"
)

func TestInsertLookupErase(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(data.String("k"), data.Int(1), nil))
	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.Int(1), v)

	require.NoError(t, b.Erase(data.String("k")))
	v, err = b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestExpireRaceGuard(t *testing.T) {
	b := New()
	t0 := time.Now()
	e0 := backend.Expiry{LastModification: t0}
	require.NoError(t, b.Insert(data.String("k"), data.Int(1), &e0))

	t1 := t0.Add(time.Second)
	e1 := backend.Expiry{LastModification: t1}
	require.NoError(t, b.Insert(data.String("k"), data.Int(2), &e1))

	// Stale expire() referencing the old expiry must be a no-op
	// (invariant 6: "An expire(k, e) call after insert(k, v', e') with
	// e' != e is a no-op").
	require.NoError(t, b.Expire(data.String("k"), e0))
	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.Int(2), v, "stale expire must not remove the freshly updated entry")

	require.NoError(t, b.Expire(data.String("k"), e1))
	v, err = b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Nil(t, v, "matching expire must remove the entry")
}

func TestIncrementTypeClash(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(data.String("k"), data.String("not a number"), nil))
	res, err := b.Increment(data.String("k"), 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, backend.StatusInvalid, res.Status)

	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.String("not a number"), v, "failed increment must not mutate state")
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert(data.String("a"), data.Int(1), nil))
	require.NoError(t, b.Insert(data.String("b"), data.Int(2), nil))
	require.NoError(t, b.IncreaseSequence())

	snap, err := b.Snap()
	require.NoError(t, err)

	b2 := New()
	require.NoError(t, b2.Init(snap))
	snap2, err := b2.Snap()
	require.NoError(t, err)

	require.Equal(t, snap.Seq, snap2.Seq)
	require.ElementsMatch(t, keysOf(snap), keysOf(snap2))
}

func keysOf(s backend.Snapshot) []string {
	var out []string
	for _, e := range s.Entries {
		out = append(out, string(e.Key.(data.String)))
	}
	return out
}

func TestPushPopVector(t *testing.T) {
	b := New()
	res, err := b.PushRight(data.String("v"), []data.Value{data.Int(1), data.Int(2)}, time.Now())
	require.NoError(t, err)
	require.Equal(t, backend.StatusSuccess, res.Status)

	res, err = b.PopLeft(data.String("v"), time.Now())
	require.NoError(t, err)
	require.Equal(t, data.Int(1), res.Popped)
}
