// Package peer implements the Peer Manager and 3-way handshake state
// machine (spec §4.1). A Manager is owned exclusively by its Core's
// actor goroutine, the same single-writer discipline governor.Governor
// documents — no internal lock.
package peer

import (
	"errors"

	"github.com/google/uuid"

	"github.com/SiChiTong/broker/internal/logs"
	"github.com/SiChiTong/broker/topic"
	"github.com/SiChiTong/broker/wire"
)

// Status is a Peer's lifecycle state (spec §3 "Peer").
type Status int

const (
	StatusPending Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Handle is how a Manager reaches a remote peer to send it records,
// whether the underlying transport is a wire.Conn or a direct
// in-process channel to the other Core's mailbox.
type Handle interface {
	Send(rec wire.Record) error
	Close() error
}

// Peer is one remote endpoint's handshake/session state (spec §3).
type Peer struct {
	Remote         wire.EndpointInfo
	Handle         Handle
	IncomingStream wire.StreamID
	OutgoingStream wire.StreamID
	Filter         topic.Filter
	Status         Status

	initiatedByUs bool
	ackSent       bool
}

var (
	// ErrAnonymous is returned for a handshake message carrying no
	// EndpointId (spec §4.1: "Anonymous handshakes are dropped").
	ErrAnonymous = errors.New("peer: anonymous handshake rejected")
	// ErrNoPendingRecord is returned for a PEER_OPEN/PEER_ACK with no
	// matching pending Peer record (spec §4.1 step #2/#3 rejection).
	ErrNoPendingRecord = errors.New("peer: no pending record for remote")
)

// Manager owns every Peer for one Core.
type Manager struct {
	Self       wire.EndpointInfo
	SelfFilter func() topic.Filter

	peers     map[uuid.UUID]*Peer
	byHandle  map[Handle]uuid.UUID
	streamSeq wire.StreamID
}

// New returns an empty Manager identified as self.
func New(self wire.EndpointInfo, selfFilter func() topic.Filter) *Manager {
	return &Manager{
		Self:       self,
		SelfFilter: selfFilter,
		peers:      make(map[uuid.UUID]*Peer),
		byHandle:   make(map[Handle]uuid.UUID),
	}
}

func (m *Manager) allocStream() wire.StreamID {
	m.streamSeq++
	return m.streamSeq
}

// Get returns the Peer record for id, if any.
func (m *Manager) Get(id uuid.UUID) (*Peer, bool) {
	p, ok := m.peers[id]
	return p, ok
}

// PeerHandleID returns the remote id currently associated with h, the
// same lookup HandlePeerAck uses to identify a message's sender by the
// connection it arrived on.
func (m *Manager) PeerHandleID(h Handle) (uuid.UUID, bool) {
	id, ok := m.byHandle[h]
	return id, ok
}

// All returns every known Peer.
func (m *Manager) All() []*Peer {
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Peer initiates local peering with remote over h (spec §4.1 step #0):
// creates a pending Peer record if none exists, and sends PEER_INIT.
func (m *Manager) Peer(remote wire.EndpointInfo, h Handle) error {
	if remote.ID == uuid.Nil {
		return ErrAnonymous
	}
	// A Disconnected record is stale (spec §4.1's handshake re-enters
	// from step #0 on reconnect, not from wherever the old session left
	// off) — replace it rather than reusing its old stream ids/status.
	if p, ok := m.peers[remote.ID]; !ok || p.Status == StatusDisconnected {
		m.peers[remote.ID] = &Peer{Remote: remote, Handle: h, Status: StatusPending, initiatedByUs: true}
	}
	m.byHandle[h] = remote.ID
	return h.Send(wire.PeerInit{Filter: m.SelfFilter().Topics(), Info: m.Self})
}

// HandlePeerInit processes an inbound PEER_INIT (spec §4.1 step #1),
// including the crossed-handshake tie-break documented in
// handshake.go. It returns the record, if any, to send back over h.
func (m *Manager) HandlePeerInit(h Handle, rec wire.PeerInit) (wire.Record, error) {
	if rec.Info.ID == uuid.Nil {
		return nil, ErrAnonymous
	}
	m.byHandle[h] = rec.Info.ID

	existing, ok := m.peers[rec.Info.ID]
	if ok && existing.Status != StatusDisconnected {
		if existing.initiatedByUs && existing.Status == StatusPending {
			return m.resolveCrossedHandshake(existing, rec)
		}
		// Duplicate step #1: drop idempotently, existing record unchanged.
		logs.Warning.Printf("peer: duplicate PEER_INIT from %s dropped", rec.Info.ID)
		return nil, nil
	}

	sid := m.allocStream()
	p := &Peer{
		Remote:         rec.Info,
		Handle:         h,
		OutgoingStream: sid,
		Filter:         wire.FilterOf(rec.Filter),
		Status:         StatusPending,
	}
	m.peers[rec.Info.ID] = p
	return wire.PeerOpen{StreamID: sid, Filter: m.SelfFilter().Topics(), Info: m.Self}, nil
}

// HandlePeerOpen processes an inbound PEER_OPEN (spec §4.1 step #2). A
// peer is considered connected as soon as it knows both of its stream
// ids — which happens here, on the side that sends PEER_ACK, and on
// the remote side when that PEER_ACK arrives (HandlePeerAck).
func (m *Manager) HandlePeerOpen(h Handle, rec wire.PeerOpen) (wire.Record, error) {
	p, ok := m.peers[rec.Info.ID]
	if !ok || p.Status == StatusDisconnected {
		logs.Warning.Printf("peer: PEER_OPEN from %s with no pending record", rec.Info.ID)
		return nil, ErrNoPendingRecord
	}
	if p.IncomingStream != 0 {
		// Duplicate step #2.
		logs.Warning.Printf("peer: duplicate PEER_OPEN from %s dropped", rec.Info.ID)
		return nil, nil
	}

	m.byHandle[h] = rec.Info.ID
	p.IncomingStream = rec.StreamID
	p.Filter = wire.FilterOf(rec.Filter)
	if p.OutgoingStream == 0 {
		p.OutgoingStream = m.allocStream()
	}
	p.Status = StatusConnected

	if p.ackSent {
		return nil, nil
	}
	p.ackSent = true
	return wire.PeerAck{StreamID: p.OutgoingStream}, nil
}

// HandlePeerAck processes an inbound PEER_ACK (spec §4.1 step #3),
// completing the handshake on the side that received the original
// PEER_INIT. The sender is identified by which connection the ack
// arrived on, established during the earlier PEER_INIT/PEER_OPEN
// exchange on the same Handle.
func (m *Manager) HandlePeerAck(h Handle, rec wire.PeerAck) (*Peer, error) {
	id, ok := m.byHandle[h]
	if !ok {
		logs.Warning.Printf("peer: PEER_ACK on unrecognized connection dropped")
		return nil, ErrNoPendingRecord
	}
	p, ok := m.peers[id]
	if !ok || p.OutgoingStream == 0 {
		logs.Warning.Printf("peer: PEER_ACK from %s with no pending record", id)
		return nil, ErrNoPendingRecord
	}
	if p.Status == StatusConnected {
		// Duplicate step #3.
		logs.Warning.Printf("peer: duplicate PEER_ACK from %s dropped", id)
		return nil, nil
	}

	p.IncomingStream = rec.StreamID
	p.Status = StatusConnected
	return p, nil
}

// Disconnect marks a peer disconnected, e.g. on a down-notification.
func (m *Manager) Disconnect(id uuid.UUID) {
	if p, ok := m.peers[id]; ok {
		p.Status = StatusDisconnected
	}
}

// Remove deletes a peer record entirely, e.g. after unpeer() tears it
// down for good.
func (m *Manager) Remove(id uuid.UUID) {
	delete(m.peers, id)
}
