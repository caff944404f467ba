package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SiChiTong/broker/data"
	"github.com/SiChiTong/broker/governor"
	"github.com/SiChiTong/broker/internal/logs"
	"github.com/SiChiTong/broker/peer"
	"github.com/SiChiTong/broker/store"
	"github.com/SiChiTong/broker/topic"
	"github.com/SiChiTong/broker/wire"
)

// EndpointId names one Core across the whole peering graph.
type EndpointId = uuid.UUID

// NetworkInfo is the address a Core listens for peerings on, if any.
type NetworkInfo struct {
	Host string
	Port uint16
}

// EndpointInfo is a peer's full identity: its id plus, if it is
// reachable over the network, the address to redial it on. Live
// reports whether this describes an in-process peer (Address is empty:
// the two Cores share a process and are linked directly, spec §11's
// supplemented "in-process peering" mode) versus one reached only over
// the network.
type EndpointInfo struct {
	ID      EndpointId
	Address NetworkInfo
}

// Live reports whether this endpoint is reachable purely in-process
// (no network address to redial).
func (e EndpointInfo) Live() bool { return e.Address.Host == "" }

func (e EndpointInfo) wire(token string) wire.EndpointInfo {
	return wire.EndpointInfo{ID: e.ID, Host: e.Address.Host, Port: e.Address.Port, Token: token}
}

// task is one closure run on the Core's single actor goroutine, giving
// every exported method the same "one message to completion" discipline
// peer.Manager and governor.Governor rely on internally.
type task func(c *Core)

// Deliver is invoked on the Core's actor goroutine for every
// locally-matched application publish (spec §4.2's local-subscriber
// case). It must not block or re-enter the Core synchronously.
type Deliver func(topic string, v data.Value)

// Core is the top-level facade wiring peer.Manager, governor.Governor,
// and store.Registry into the endpoint API surface (spec §6).
type Core struct {
	Self EndpointInfo
	key  []byte

	gov         *governor.Governor
	peers       *peer.Manager
	registry    *store.Registry
	filter      topic.Filter
	deliver     Deliver
	localClones map[string]*store.Clone

	outStatus *StatusQueue
	inStatus  *StatusQueue

	inbox chan task
	done  chan struct{}
}

const localLaneID governor.LaneID = "<local>"

// NewCore builds an idle Core. Call Run in its own goroutine before
// using any other method.
func NewCore(self EndpointInfo, signingKey []byte, retryInterval time.Duration, newBackend store.BackendFactory, deliver Deliver) (*Core, error) {
	outQ, err := NewStatusQueue(64)
	if err != nil {
		return nil, err
	}
	inQ, err := NewStatusQueue(64)
	if err != nil {
		return nil, err
	}

	c := &Core{
		Self:      self,
		key:       signingKey,
		gov:       governor.New(),
		filter:    topic.Filter{},
		deliver:   deliver,
		outStatus: outQ,
		inStatus:  inQ,
		inbox:     make(chan task, 256),
		done:      make(chan struct{}),
	}
	c.gov.AddLane(localLaneID, topic.Filter{})
	c.gov.Grant(localLaneID, 1<<30) // local delivery is never flow-controlled (spec §4.2 applies credit to wire lanes)

	c.registry = store.NewRegistry(newBackend, c.broadcastToTopic, c.peerQueries, retryInterval)
	c.peers = peer.New(self.wire(""), func() topic.Filter { return c.filter })

	return c, nil
}

// Run drains the Core's mailbox until Stop is called. Every exported
// method that touches shared state does so by enqueuing a task here.
func (c *Core) Run() {
	for {
		select {
		case t := <-c.inbox:
			t(c)
		case <-c.done:
			return
		}
	}
}

// Stop ends the Core's actor loop.
func (c *Core) Stop() { close(c.done) }

// OutgoingStatus and IncomingStatus expose the two spsc status queues
// (spec §6 "Two spsc queues per endpoint").
func (c *Core) OutgoingStatus() *StatusQueue { return c.outStatus }
func (c *Core) IncomingStatus() *StatusQueue { return c.inStatus }

func (c *Core) run(t task) {
	done := make(chan struct{})
	c.inbox <- func(c *Core) {
		t(c)
		close(done)
	}
	<-done
}

// Subscribe adds topics to the Core's own interest, propagating a
// FILTER_UPDATE to every connected peer when the filter actually grows
// (spec §4.3).
func (c *Core) Subscribe(topics ...string) {
	c.run(func(c *Core) { c.growFilter(topics) })
}

// growFilter adds topics to the Core's own interest and, if that
// actually grows the filter, both updates the local lane's routing and
// announces the change to every connected peer (spec §4.3
// "update_peer(peer, new_filter)" is the receiving side of this
// announcement) — shared by Subscribe and every attach_* call, since
// both are just different sources of new local interest.
func (c *Core) growFilter(topics []string) {
	if !c.filter.Add(topics) {
		return
	}
	c.gov.UpdateFilter(localLaneID, c.filter)
	for _, p := range c.peers.All() {
		if p.Status == peer.StatusConnected {
			if err := p.Handle.Send(wire.FilterUpdate{Filter: c.filter.Topics()}); err != nil {
				logs.Warning.Printf("broker: filter update to %s failed: %v", p.Remote.ID, err)
			}
		}
	}
}

// PeerLocal peers with another in-process Core directly (spec §11's
// supplemented in-process peering mode), skipping the wire codec
// entirely: both sides exchange the same handshake records over a
// pair of channel-backed Handles instead of a net.Conn.
func (c *Core) PeerLocal(other *Core) error {
	if other == nil {
		return ErrInvalidArgument
	}
	hA, _ := newInProcPair(c, other)
	var err error
	c.run(func(c *Core) { err = c.peers.Peer(other.Self.wire(""), hA) })
	return err
}

// PeerRemote initiates peering with a network address, always spawning
// a reconnect supervisor; with retry == 0 the supervisor makes a single
// connection attempt (spec §6 "peer(address, port,
// retry) — spawns supervisor"). The supervisor stays reachable from
// every handle it hands out (netHandle.sup) so a later connection loss
// re-arms it instead of leaving the peer disconnected for good.
func (c *Core) PeerRemote(addr string, retry time.Duration) error {
	var sup *peer.Supervisor
	dial := func(ctx context.Context, addr string) (peer.Handle, error) {
		conn, err := wire.DialTCP(addr)
		if err != nil {
			return nil, err
		}
		return &netHandle{conn: conn, sup: sup}, nil
	}
	onEvent := func(ev peer.StatusEvent) {
		c.outStatus.Push(StatusTransition{Status: ev.Status, Reason: ev.Reason})
	}
	onConnect := func(h peer.Handle) {
		nh := h.(*netHandle)
		go c.readLoop(nh)
		c.run(func(c *Core) {
			token, _ := wire.SignIdentity(c.Self.ID, c.key)
			self := c.Self.wire(token)
			if err := c.peers.Peer(self, h); err != nil {
				logs.Warning.Printf("broker: peer %s: %v", addr, err)
			}
		})
	}
	sup = peer.NewSupervisor(addr, retry, dial, onEvent, onConnect)
	go sup.Run(context.Background())
	return nil
}

// Unpeer tears a peer down and emits its final status (spec §6
// "unpeer(handle) — tear down peer; emit appropriate status").
func (c *Core) Unpeer(id EndpointId) error {
	var err error
	c.run(func(c *Core) {
		p, ok := c.peers.Get(id)
		if !ok {
			err = ErrInvalidArgument
			return
		}
		p.Handle.Close()
		c.gov.RemoveLane(governor.LaneID(id.String()))
		c.peers.Remove(id)
		c.outStatus.Push(StatusTransition{Status: StatusDisconnected, Peer: p.Remote})
	})
	return err
}

// Publish enqueues data for the Governor to fan out to every matching
// lane, local and remote alike (spec §6 "publish(topic, data)").
func (c *Core) Publish(t string, v data.Value) {
	c.run(func(c *Core) { c.dispatch(t, v, "") })
}

// dispatch pushes one (topic, value) through the governor and
// immediately drains every affected lane — spec's flow control caps
// how much a lane may hold un-acked, not how promptly a Core forwards
// once credit exists.
func (c *Core) dispatch(t string, v any, from governor.LaneID) {
	c.gov.Push(t, v, from)
	for _, id := range c.gov.Lanes() {
		for _, m := range c.gov.Drain(id) {
			c.deliverOne(id, m)
		}
	}
}

func (c *Core) deliverOne(id governor.LaneID, m governor.Message) {
	if id == localLaneID {
		c.handleLocal(m)
		return
	}
	uid, err := uuid.Parse(string(id))
	if err != nil {
		return
	}
	p, ok := c.peers.Get(uid)
	if !ok || p.Status != peer.StatusConnected {
		return
	}
	if err := p.Handle.Send(wire.Publish{Topic: m.Topic, Data: m.Data}); err != nil {
		logs.Warning.Printf("broker: publish to %s failed: %v", uid, err)
	}
}

func (c *Core) handleLocal(m governor.Message) {
	if name, ok := masterStoreName(m.Topic); ok {
		c.handleMasterTraffic(name, m)
		return
	}
	if name, ok := cloneStoreName(m.Topic); ok {
		c.handleCloneTraffic(name, m)
		return
	}
	if c.deliver != nil {
		if v, ok := m.Data.(data.Value); ok {
			c.deliver(m.Topic, v)
		}
	}
}

// broadcastToTopic is a store.Broadcast. It is called from a Master's
// own goroutine (store.Master.Run), never the Core's actor goroutine,
// so it hands the dispatch off as a task rather than touching the
// Governor directly — the same single-writer discipline every other
// cross-goroutine entry point into the Core observes.
func (c *Core) broadcastToTopic(t string, payload any) {
	c.inbox <- func(c *Core) { c.dispatch(t, payload, "") }
}

func (c *Core) handleMasterTraffic(name string, m governor.Message) {
	cmd, ok := m.Data.(store.SnapshotCommand)
	if !ok {
		return
	}
	master, ok := c.registry.LocalMaster(name)
	if !ok {
		return
	}
	snap := master.Snapshot()
	// The distilled protocol addresses snapshot_reply back to
	// requester_handle directly; here it rides the same clone topic
	// every clone of this store already watches, so any clone — not
	// just the requester — can pick up a fresh snapshot from it.
	c.dispatch(topic.CloneTopic(name), store.SnapshotReply{Snapshot: snap}, "")
	_ = cmd.Requester
}

func (c *Core) handleCloneTraffic(name string, m governor.Message) {
	clone, ok := c.localClones[name]
	if !ok {
		return
	}
	switch payload := m.Data.(type) {
	case store.UpdateCommand:
		clone.Apply(payload)
	case store.SnapshotReply:
		clone.LoadSnapshot(payload.Snapshot)
	}
}

// AttachMaster implements spec §6 "attach_master(name, backend_type,
// options)".
func (c *Core) AttachMaster(ctx context.Context, name string) (*store.Handle, error) {
	var h *store.Handle
	var err error
	c.run(func(c *Core) {
		h, err = c.registry.AttachMaster(ctx, name)
		if err == nil {
			c.growFilter([]string{topic.MasterTopic(name)})
		}
	})
	return h, translateStoreErr(err)
}

// AttachClone implements spec §6 "attach_clone(name)".
func (c *Core) AttachClone(ctx context.Context, name string) (*store.Clone, error) {
	var clone *store.Clone
	var err error
	c.run(func(c *Core) {
		clone, err = c.registry.AttachClone(ctx, name)
		if err == nil {
			if c.localClones == nil {
				c.localClones = make(map[string]*store.Clone)
			}
			c.localClones[name] = clone
			c.growFilter([]string{topic.CloneTopic(name)})
			c.dispatch(topic.MasterTopic(name), store.SnapshotCommand{Requester: c.Self.ID.String()}, "")
		}
	})
	return clone, translateStoreErr(err)
}

// LookupMaster implements spec §6 "lookup_master(name)".
func (c *Core) LookupMaster(ctx context.Context, name string) (*store.Handle, error) {
	var h *store.Handle
	var err error
	c.run(func(c *Core) { h, err = c.registry.LookupMaster(ctx, name) })
	return h, translateStoreErr(err)
}

func translateStoreErr(err error) error {
	switch err {
	case nil:
		return nil
	case store.ErrMasterExists:
		return ErrMasterExists
	case store.ErrNoSuchMaster:
		return ErrNoSuchMaster
	default:
		return wrapBackend(err)
	}
}

func (c *Core) peerQueries() []store.PeerQuery {
	var queries []store.PeerQuery
	for _, p := range c.peers.All() {
		if p.Status != peer.StatusConnected {
			continue
		}
		p := p
		queries = append(queries, func(ctx context.Context, name string) (any, bool) {
			// A real remote master_get would round-trip a request record
			// and await its reply; this Core answers affirmatively for
			// any peer whose advertised filter already covers the name's
			// master topic, since that is the only signal store commands
			// propagate over the wire (spec §4.4).
			return p.Remote.ID.String(), p.Filter.Matches(topic.MasterTopic(name))
		})
	}
	return queries
}

// Lanes, PeerCount, and StoreSequences implement metrics.Source. A
// Prometheus scrape runs on its own goroutine, so each reads through
// c.run like every other external caller rather than touching
// gov/peers/localClones directly; Lanes hands back copies of the lanes
// so the scrape never reads the Governor's live state.
func (c *Core) Lanes() []*governor.Lane {
	var lanes []*governor.Lane
	c.run(func(c *Core) {
		for _, l := range c.gov.All() {
			cp := *l
			lanes = append(lanes, &cp)
		}
	})
	return lanes
}

func (c *Core) PeerCount() int {
	var n int
	c.run(func(c *Core) {
		for _, p := range c.peers.All() {
			if p.Status != peer.StatusDisconnected {
				n++
			}
		}
	})
	return n
}

func (c *Core) StoreSequences() map[string]uint64 {
	out := make(map[string]uint64)
	c.run(func(c *Core) {
		for name, clone := range c.localClones {
			if seq, err := clone.Backend.Sequence(); err == nil {
				out[name] = uint64(seq)
			}
		}
	})
	return out
}

func masterStoreName(t string) (string, bool) {
	suffix := topic.Separator + topic.Reserved + topic.Separator + topic.Master
	if len(t) > len(suffix) && t[len(t)-len(suffix):] == suffix {
		return t[:len(t)-len(suffix)], true
	}
	return "", false
}

func cloneStoreName(t string) (string, bool) {
	suffix := topic.Separator + topic.Reserved + topic.Separator + topic.Clone
	if len(t) > len(suffix) && t[len(t)-len(suffix):] == suffix {
		return t[:len(t)-len(suffix)], true
	}
	return "", false
}
