package data

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAddRemoveSorted(t *testing.T) {
	var s Set
	require.True(t, s.Add(Int(3)))
	require.True(t, s.Add(Int(1)))
	require.True(t, s.Add(Int(2)))
	require.False(t, s.Add(Int(2)), "duplicate add must report no change")
	require.Equal(t, []Value{Int(1), Int(2), Int(3)}, s.Items)

	require.True(t, s.Remove(Int(2)))
	require.False(t, s.Remove(Int(2)), "second remove is a no-op")
	require.Equal(t, 2, s.Len())
}

func TestTableSetGetOverwrite(t *testing.T) {
	tbl := NewTable()
	tbl.Set(String("a"), Int(1))
	tbl.Set(String("a"), Int(2))
	v, ok := tbl.Get(String("a"))
	require.True(t, ok)
	require.Equal(t, Int(2), v)
	require.Equal(t, 1, tbl.Len())

	_, ok = tbl.Get(String("missing"))
	require.False(t, ok)
}

func TestEqualAcrossKinds(t *testing.T) {
	require.False(t, Int(1).Equal(Real(1)))
	require.True(t, Int(1).Equal(Int(1)))
}

// TestGobRoundTrip exercises the wire encoding path: a Value stored
// behind its interface type must survive an encode/decode cycle, since
// that's exactly how publications and store entries cross broker/wire.
func TestGobRoundTrip(t *testing.T) {
	var s Set
	s.Add(Int(1))
	s.Add(String("x"))
	original := []Value{
		Nil{},
		Bool(true),
		Int(-5),
		Count(7),
		Real(3.5),
		String("hello"),
		Enum("RUNNING"),
		s,
		Vector{Items: []Value{Int(1), Int(2)}},
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(original))

	var decoded []Value
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))
	require.Len(t, decoded, len(original))
	for i := range original {
		require.True(t, original[i].Equal(decoded[i]), "index %d: %v != %v", i, original[i], decoded[i])
	}
}
