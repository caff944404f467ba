package sqlitekv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/data"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestInsertLookupErase(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Insert(data.String("k"), data.Int(1), nil))
	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.Int(1), v)

	require.NoError(t, b.Erase(data.String("k")))
	v, err = b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestInsertWithExpiryIsAtomic(t *testing.T) {
	b := openTestBackend(t)
	exp := backend.Expiry{LastModification: time.Now()}
	require.NoError(t, b.Insert(data.String("k"), data.Int(1), &exp))

	v, gotExp, err := b.LookupExpiry(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.Int(1), v)
	require.NotNil(t, gotExp)
	require.True(t, gotExp.Equal(exp))
}

func TestExpireRaceGuard(t *testing.T) {
	b := openTestBackend(t)
	t0 := time.Now()
	e0 := backend.Expiry{LastModification: t0}
	require.NoError(t, b.Insert(data.String("k"), data.Int(1), &e0))

	t1 := t0.Add(time.Second)
	e1 := backend.Expiry{LastModification: t1}
	require.NoError(t, b.Insert(data.String("k"), data.Int(2), &e1))

	require.NoError(t, b.Expire(data.String("k"), e0))
	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.Int(2), v, "stale expire must not remove the freshly updated entry")

	require.NoError(t, b.Expire(data.String("k"), e1))
	v, err = b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Nil(t, v, "matching expire must remove the entry")
}

func TestDanglingExpiryTreatedAsAbsent(t *testing.T) {
	b := openTestBackend(t)
	exp := backend.Expiry{LastModification: time.Now()}
	require.NoError(t, b.Insert(data.String("k"), data.Int(1), &exp))

	kb, err := encodeValue(data.String("k"))
	require.NoError(t, err)
	// Simulate a crash between the two erase deletes: remove only the
	// application row, leaving a dangling expiry row behind.
	_, err = b.db.Exec(`DELETE FROM broker_kv WHERE keyspace = ? AND key = ?`, keyspaceApp, kb)
	require.NoError(t, err)

	v, gotExp, err := b.LookupExpiry(data.String("k"))
	require.NoError(t, err)
	require.Nil(t, v)
	require.Nil(t, gotExp)

	expiries, err := b.Expiries()
	require.NoError(t, err)
	require.Empty(t, expiries, "dangling expiry row must not surface as a live expiry")
}

func TestIncrementTypeClash(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Insert(data.String("k"), data.String("not a number"), nil))
	res, err := b.Increment(data.String("k"), 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, backend.StatusInvalid, res.Status)

	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.String("not a number"), v, "failed increment must not mutate state")
}

func TestCountIncrementGuardsNegative(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Insert(data.String("k"), data.Count(1), nil))
	res, err := b.Increment(data.String("k"), -5, time.Now())
	require.NoError(t, err)
	require.Equal(t, backend.StatusInvalid, res.Status)

	v, err := b.Lookup(data.String("k"))
	require.NoError(t, err)
	require.Equal(t, data.Count(1), v)
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Insert(data.String("a"), data.Int(1), nil))
	require.NoError(t, b.Insert(data.String("b"), data.Int(2), nil))
	require.NoError(t, b.IncreaseSequence())

	snap, err := b.Snap()
	require.NoError(t, err)

	b2 := openTestBackend(t)
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
	b := openTestBackend(t)
	res, err := b.PushRight(data.String("v"), []data.Value{data.Int(1), data.Int(2)}, time.Now())
	require.NoError(t, err)
	require.Equal(t, backend.StatusSuccess, res.Status)

	res, err = b.PopLeft(data.String("v"), time.Now())
	require.NoError(t, err)
	require.Equal(t, data.Int(1), res.Popped)
}

func TestClear(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Insert(data.String("a"), data.Int(1), nil))
	require.NoError(t, b.IncreaseSequence())
	require.NoError(t, b.Clear())

	n, err := b.Size()
	require.NoError(t, err)
	require.Zero(t, n)

	seq, err := b.Sequence()
	require.NoError(t, err)
	require.Zero(t, seq)
}
