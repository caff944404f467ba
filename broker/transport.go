package broker

import (
	"net"

	"github.com/SiChiTong/broker/governor"
	"github.com/SiChiTong/broker/internal/logs"
	"github.com/SiChiTong/broker/peer"
	"github.com/SiChiTong/broker/wire"
)

// netHandle adapts a wire.Conn (TCP or websocket) to peer.Handle. sup
// is non-nil for handles dialed out by PeerRemote, so a later read
// error can re-arm that connection's reconnect supervisor instead of
// leaving the peer disconnected for good.
type netHandle struct {
	conn wire.Conn
	sup  *peer.Supervisor
}

func (h *netHandle) Send(rec wire.Record) error { return h.conn.Send(rec) }
func (h *netHandle) Close() error               { return h.conn.Close() }

// Listen accepts inbound peerings on addr (spec §4.1's passive side of
// the handshake).
func (c *Core) Listen(addr string) (net.Listener, error) {
	return wire.ListenTCP(addr, func(conn wire.Conn) {
		nh := &netHandle{conn: conn}
		go c.readLoop(nh)
	})
}

// readLoop decodes records off a connection until it closes, handing
// each one to the Core's actor goroutine in order.
func (c *Core) readLoop(h *netHandle) {
	for {
		rec, err := h.conn.Recv()
		if err != nil {
			c.run(func(c *Core) { c.handleConnLost(h) })
			return
		}
		r := rec
		c.run(func(c *Core) { c.handleRecord(h, r) })
	}
}

func (c *Core) handleConnLost(h *netHandle) {
	for _, p := range c.peers.All() {
		if p.Handle == h {
			c.peers.Disconnect(p.Remote.ID)
			c.gov.RemoveLane(governor.LaneID(p.Remote.ID.String()))
			c.outStatus.Push(StatusTransition{Status: StatusDisconnected, Peer: p.Remote, Reason: "connection lost"})
		}
	}
	if h.sup != nil {
		h.sup.Lost()
	}
}

// handleRecord dispatches one inbound wire.Record through the peer
// handshake state machine or the publish/credit data plane, exactly
// mirroring spec §4.1's per-tag handling.
func (c *Core) handleRecord(h peer.Handle, rec wire.Record) {
	switch r := rec.(type) {
	case wire.PeerInit:
		if r.Info.Token != "" {
			if err := wire.VerifyIdentity(r.Info.Token, r.Info.ID, c.key); err != nil {
				logs.Warning.Printf("broker: peer_incompatible from %s: %v", r.Info.ID, err)
				c.outStatus.Push(StatusTransition{Status: StatusIncompatible, Peer: r.Info, Reason: err.Error()})
				return
			}
		}
		reply, err := c.peers.HandlePeerInit(h, r)
		if err != nil {
			logs.Warning.Printf("broker: PEER_INIT rejected: %v", err)
			return
		}
		c.inStatus.Push(StatusTransition{Status: StatusInitializing, Peer: r.Info})
		if reply != nil {
			h.Send(reply)
		}
		c.addPeerLane(r.Info.ID, r.Filter)

	case wire.PeerOpen:
		reply, err := c.peers.HandlePeerOpen(h, r)
		if err != nil {
			logs.Warning.Printf("broker: PEER_OPEN rejected: %v", err)
			return
		}
		c.addPeerLane(r.Info.ID, r.Filter)
		if reply != nil {
			h.Send(reply)
		}
		c.markConnected(r.Info.ID)

	case wire.PeerAck:
		p, err := c.peers.HandlePeerAck(h, r)
		if err != nil {
			logs.Warning.Printf("broker: PEER_ACK rejected: %v", err)
			return
		}
		if p != nil {
			c.markConnected(p.Remote.ID)
		}

	case wire.FilterUpdate:
		if id, ok := c.peers.PeerHandleID(h); ok {
			c.gov.UpdateFilter(governor.LaneID(id.String()), wire.FilterOf(r.Filter))
		}

	case wire.Publish:
		if id, ok := c.peers.PeerHandleID(h); ok {
			c.dispatch(r.Topic, r.Data, governor.LaneID(id.String()))
		}

	case wire.Credit:
		// r.Lane names the destination lane from the sender's point of
		// view; since each connection here maps to exactly one peer lane,
		// the connection the CREDIT frame arrived on already identifies it.
		if id, ok := c.peers.PeerHandleID(h); ok {
			lid := governor.LaneID(id.String())
			c.gov.Grant(lid, r.N)
			for _, m := range c.gov.Drain(lid) {
				c.deliverOne(lid, m)
			}
		}
	}
}

func (c *Core) addPeerLane(id EndpointId, filter []string) {
	lid := governor.LaneID(id.String())
	if c.gov.Lane(lid) == nil {
		c.gov.AddLane(lid, wire.FilterOf(filter))
	}
	c.gov.Grant(lid, 1024)
}

// markConnected emits the established transition and, per spec.md's
// "upon transition to connected, A and B immediately send each other
// their current filter via FILTER_UPDATE" — distinct from growFilter's
// broadcast on a later mutation — so a filter grown locally between
// sending the handshake's own filter and the connection settling into
// connected isn't silently missed.
func (c *Core) markConnected(id EndpointId) {
	p, ok := c.peers.Get(id)
	if !ok {
		return
	}
	c.outStatus.Push(StatusTransition{Status: StatusEstablished, Peer: p.Remote})
	if err := p.Handle.Send(wire.FilterUpdate{Filter: c.filter.Topics()}); err != nil {
		logs.Warning.Printf("broker: filter update to %s failed: %v", p.Remote.ID, err)
	}
}

// inProcHandle links two in-process Cores directly (spec §11's
// supplemented in-process peering mode), bypassing wire.Conn/the codec
// entirely: Send hands the record straight to the target Core's own
// mailbox instead of framing it onto a socket. It is fire-and-forget,
// like a real network write, so two Cores exchanging a handshake never
// block waiting on each other's actor goroutine.
type inProcHandle struct {
	to        *Core
	arrivesAs peer.Handle
}

func newInProcPair(a, b *Core) (peer.Handle, peer.Handle) {
	hA := &inProcHandle{to: b}
	hB := &inProcHandle{to: a}
	hA.arrivesAs = hB
	hB.arrivesAs = hA
	return hA, hB
}

func (h *inProcHandle) Send(rec wire.Record) error {
	h.to.inbox <- func(c *Core) { c.handleRecord(h.arrivesAs, rec) }
	return nil
}

func (h *inProcHandle) Close() error { return nil }
