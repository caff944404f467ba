package peer

import (
	"bytes"

	"github.com/SiChiTong/broker/wire"
)

// resolveCrossedHandshake breaks the tie when A and B call peer() on
// each other in the same instant: each sees the other's PEER_INIT while
// it already holds a pending record it created itself via step #0
// (spec §9's crossed-handshake Open Question, resolved per
// SPEC_FULL.md §4.1).
//
// The side whose EndpointId sorts greater (byte-wise, via uuid.UUID)
// answers normally with PEER_OPEN, exactly as step #1 would for any
// other inbound PEER_INIT. The lesser side instead treats the incoming
// PEER_INIT as the PEER_OPEN it was waiting for: it proceeds directly
// to step #2's action — allocate its own outgoing stream and reply
// PEER_ACK — without waiting for an explicit PEER_OPEN. This is
// deterministic from both ends and needs no extra message.
//
// The real PEER_OPEN the greater side sends still arrives afterward;
// HandlePeerOpen's ack-already-sent check stops the lesser side from
// reprocessing it as a fresh step #2, while still picking up the
// incoming stream id and completing the transition to connected.
func (m *Manager) resolveCrossedHandshake(existing *Peer, rec wire.PeerInit) (wire.Record, error) {
	if bytes.Compare(m.Self.ID[:], rec.Info.ID[:]) > 0 {
		// We sort greater: answer normally, as if this were any other
		// inbound PEER_INIT.
		sid := m.allocStream()
		existing.OutgoingStream = sid
		existing.Filter = wire.FilterOf(rec.Filter)
		return wire.PeerOpen{StreamID: sid, Filter: m.SelfFilter().Topics(), Info: m.Self}, nil
	}

	// We sort lesser: jump to step #2's action directly. Our incoming
	// stream id isn't known yet (PEER_INIT carries none) — it arrives
	// with the greater side's real PEER_OPEN, handled normally by
	// HandlePeerOpen, which also completes our transition to connected.
	existing.Filter = wire.FilterOf(rec.Filter)
	if existing.OutgoingStream == 0 {
		existing.OutgoingStream = m.allocStream()
	}
	existing.ackSent = true
	return wire.PeerAck{StreamID: existing.OutgoingStream}, nil
}
