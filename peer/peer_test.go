package peer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SiChiTong/broker/topic"
	"github.com/SiChiTong/broker/wire"
)

// fakeHandle records every record sent to it, standing in for a real
// wire.Conn or in-process channel handle in tests.
type fakeHandle struct {
	sent []wire.Record
}

func (h *fakeHandle) Send(rec wire.Record) error { h.sent = append(h.sent, rec); return nil }
func (h *fakeHandle) Close() error               { return nil }

func newManager(id uuid.UUID) *Manager {
	return New(wire.EndpointInfo{ID: id}, func() topic.Filter { return topic.New() })
}

func TestHandshakeHappyPath(t *testing.T) {
	aID, bID := uuid.New(), uuid.New()
	a := newManager(aID)
	b := newManager(bID)

	aToB := &fakeHandle{}
	require.NoError(t, a.Peer(wire.EndpointInfo{ID: bID}, aToB))
	require.Len(t, aToB.sent, 1)
	init := aToB.sent[0].(wire.PeerInit)

	bToA := &fakeHandle{}
	openRec, err := b.HandlePeerInit(bToA, init)
	require.NoError(t, err)
	open := openRec.(wire.PeerOpen)

	ackRec, err := a.HandlePeerOpen(aToB, open)
	require.NoError(t, err)
	ack := ackRec.(wire.PeerAck)

	aPeer, _ := a.Get(bID)
	require.Equal(t, StatusConnected, aPeer.Status, "A must be connected once it has both stream ids")

	gotPeer, err := b.HandlePeerAck(bToA, ack)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, gotPeer.Status)

	bPeer, _ := b.Get(aID)
	require.Equal(t, StatusConnected, bPeer.Status)
}

func TestAnonymousHandshakeRejected(t *testing.T) {
	b := newManager(uuid.New())
	_, err := b.HandlePeerInit(&fakeHandle{}, wire.PeerInit{Info: wire.EndpointInfo{}})
	require.ErrorIs(t, err, ErrAnonymous)
}

func TestDuplicatePeerInitDropped(t *testing.T) {
	aID, bID := uuid.New(), uuid.New()
	b := newManager(bID)

	h := &fakeHandle{}
	init := wire.PeerInit{Info: wire.EndpointInfo{ID: aID}}

	_, err := b.HandlePeerInit(h, init)
	require.NoError(t, err)
	before, _ := b.Get(aID)

	// Replay: B must still have exactly one Peer(A) record (S2).
	_, err = b.HandlePeerInit(h, init)
	require.NoError(t, err)
	after, _ := b.Get(aID)
	require.Equal(t, before, after)
	require.Len(t, b.All(), 1)
}

func TestPeerOpenWithoutPendingRecordRejected(t *testing.T) {
	a := newManager(uuid.New())
	_, err := a.HandlePeerOpen(&fakeHandle{}, wire.PeerOpen{Info: wire.EndpointInfo{ID: uuid.New()}})
	require.ErrorIs(t, err, ErrNoPendingRecord)
}

// TestCrossedHandshakeTieBreak exercises the simultaneous-peer()
// scenario: A and B each independently call peer() on the other before
// either's PEER_INIT arrives at the other side.
func TestCrossedHandshakeTieBreak(t *testing.T) {
	// Construct two ids whose relative order is known, so the test is
	// deterministic regardless of uuid.New()'s randomness.
	lesser := uuid.UUID{0x00}
	greater := uuid.UUID{0xff}

	l := newManager(lesser)
	g := newManager(greater)

	lToG := &fakeHandle{}
	gToL := &fakeHandle{}

	require.NoError(t, l.Peer(wire.EndpointInfo{ID: greater}, lToG))
	require.NoError(t, g.Peer(wire.EndpointInfo{ID: lesser}, gToL))

	lInit := lToG.sent[0].(wire.PeerInit)
	gInit := gToL.sent[0].(wire.PeerInit)

	// G receives L's PEER_INIT: G sorts greater, answers normally with
	// PEER_OPEN.
	gReply, err := g.HandlePeerInit(gToL, lInit)
	require.NoError(t, err)
	gOpen, ok := gReply.(wire.PeerOpen)
	require.True(t, ok, "greater side must answer normally with PEER_OPEN")

	// L receives G's PEER_INIT: L sorts lesser, jumps to step #2 and
	// replies PEER_ACK instead of PEER_OPEN.
	lReply, err := l.HandlePeerInit(lToG, gInit)
	require.NoError(t, err)
	lAck, ok := lReply.(wire.PeerAck)
	require.True(t, ok, "lesser side must jump straight to PEER_ACK")

	// G's real PEER_OPEN arrives at L afterward; L must not send a
	// second PEER_ACK, but must finish transitioning to connected.
	followUp, err := l.HandlePeerOpen(lToG, gOpen)
	require.NoError(t, err)
	require.Nil(t, followUp, "L must not re-ack after already jumping")

	lPeer, _ := l.Get(greater)
	require.Equal(t, StatusConnected, lPeer.Status)

	// L's PEER_ACK arrives at G, completing G's side.
	gPeer, err := g.HandlePeerAck(gToL, lAck)
	require.NoError(t, err)
	require.Equal(t, StatusConnected, gPeer.Status)
}
