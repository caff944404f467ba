package governor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SiChiTong/broker/data"
	"github.com/SiChiTong/broker/topic"
)

func TestPushMatchesFilterOnly(t *testing.T) {
	g := New()
	g.AddLane("a", topic.New("x"))
	g.Grant("a", 10)

	g.Push("x/y", data.Int(42), "")
	g.Push("z", data.Int(99), "")

	msgs := g.Drain("a")
	require.Len(t, msgs, 1)
	require.Equal(t, "x/y", msgs[0].Topic)
}

func TestPushExcludesReversePathLane(t *testing.T) {
	g := New()
	g.AddLane("peer-a", topic.New("x"))
	g.AddLane("peer-b", topic.New("x"))
	g.Grant("peer-a", 10)
	g.Grant("peer-b", 10)

	// A message that arrived from peer-a must not be forwarded back to
	// peer-a (invariant 4: no self-loop forwarding).
	g.Push("x/y", data.Int(1), "peer-a")

	require.Empty(t, g.Drain("peer-a"))
	require.Len(t, g.Drain("peer-b"), 1)
}

func TestDrainRespectsCredit(t *testing.T) {
	g := New()
	g.AddLane("a", topic.New("x"))
	g.Grant("a", 1)

	g.Push("x", data.Int(1), "")
	g.Push("x", data.Int(2), "")

	first := g.Drain("a")
	require.Len(t, first, 1)
	require.Equal(t, data.Int(1), first[0].Data)

	// No more credit left; second item stays queued.
	require.Empty(t, g.Drain("a"))

	g.Grant("a", 1)
	second := g.Drain("a")
	require.Len(t, second, 1)
	require.Equal(t, data.Int(2), second[0].Data)
}

func TestLaneSaturationDropsAndReportsCount(t *testing.T) {
	g := New()
	g.maxQueue = 2
	g.AddLane("a", topic.New("x"))
	// No credit granted: everything accumulates in the queue.
	g.Push("x", data.Int(1), "")
	g.Push("x", data.Int(2), "")
	g.Push("x", data.Int(3), "")

	l := g.Lane("a")
	require.True(t, l.Blocked)
	require.EqualValues(t, 1, l.Dropped())
}

func TestUpdateFilterAffectsFutureRoutingOnly(t *testing.T) {
	g := New()
	g.AddLane("a", topic.New("x"))
	g.Grant("a", 10)

	g.Push("y", data.Int(1), "")
	require.Empty(t, g.Drain("a"))

	g.UpdateFilter("a", topic.New("y"))
	g.Push("y", data.Int(2), "")
	msgs := g.Drain("a")
	require.Len(t, msgs, 1)
	require.Equal(t, data.Int(2), msgs[0].Data)
}
