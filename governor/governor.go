// Package governor implements the Stream Governor (spec §4.2): the
// per-Core multiplexer that fans a publish out to every lane whose
// filter matches, applies credit-based flow control, and enforces the
// no-self-loop forwarding rule. A Governor is owned exclusively by its
// Core's actor goroutine — every exported method is only ever called
// from that goroutine, so (like tinode's Hub, which never touches
// h.topics from outside its own goroutine except through the one
// sync.Map it deliberately chose for cross-goroutine access) it carries
// no internal lock.
package governor

import (
	"github.com/SiChiTong/broker/internal/logs"
	"github.com/SiChiTong/broker/topic"
)

// LaneID names one outbound destination: a peer's EndpointId string, or
// a local-subscriber group id.
type LaneID string

// defaultMaxQueue bounds a lane's buffered-but-uncredited backlog
// before it is considered saturated (spec §4.2: "buffers up to an
// implementation-defined bound").
const defaultMaxQueue = 4096

// Message is one queued (topic, data) pair awaiting dispatch on a lane.
// Data is usually a data.Value, but store command envelopes riding
// reserved topics use the same field (spec §2, §6).
type Message struct {
	Topic string
	Data  any
}

// Lane is one outbound destination's filter, credit balance, and FIFO
// backlog (spec §3 "Subscription Lane").
type Lane struct {
	Destination LaneID
	Filter      topic.Filter
	Credit      int64
	Queue       []Message
	// Blocked is set once the queue overflows defaultMaxQueue; pushes
	// keep being dropped (with a warning) until the consumer drains it
	// below the bound again.
	Blocked bool

	dropped uint64
}

// Dropped reports how many messages have been dropped on this lane due
// to saturation, for metrics.
func (l *Lane) Dropped() uint64 { return l.dropped }

// Governor owns every lane for one Core.
type Governor struct {
	lanes    map[LaneID]*Lane
	maxQueue int
}

// New returns an empty Governor.
func New() *Governor {
	return &Governor{lanes: make(map[LaneID]*Lane), maxQueue: defaultMaxQueue}
}

// AddLane registers a new destination with an initial filter. Credit
// starts at zero; the destination must Grant credit before anything is
// dispatched to it.
func (g *Governor) AddLane(id LaneID, filter topic.Filter) *Lane {
	l := &Lane{Destination: id, Filter: filter}
	g.lanes[id] = l
	return l
}

// RemoveLane drops a destination entirely, e.g. on unpeer.
func (g *Governor) RemoveLane(id LaneID) {
	delete(g.lanes, id)
}

// Lane returns the lane for id, or nil if none is registered.
func (g *Governor) Lane(id LaneID) *Lane {
	return g.lanes[id]
}

// UpdateFilter replaces a lane's stored filter (spec §4.2
// "update_peer(peer, new_filter)"). In-flight already-enqueued items
// are not re-checked against the new filter.
func (g *Governor) UpdateFilter(id LaneID, filter topic.Filter) {
	if l, ok := g.lanes[id]; ok {
		l.Filter = filter
	}
}

// Push enumerates every lane whose filter matches t and appends (t,
// v) to its queue, except the lane named from — the reverse-path
// forwarding rule that prevents routing a message back onto the lane
// it arrived from (spec §4.2, invariant 4). from is "" for a
// locally-originated publish, which has no lane to exclude.
func (g *Governor) Push(t string, v any, from LaneID) {
	for id, l := range g.lanes {
		if id == from {
			continue
		}
		if !l.Filter.Matches(t) {
			continue
		}
		g.enqueue(l, Message{Topic: t, Data: v})
	}
}

func (g *Governor) enqueue(l *Lane, m Message) {
	if len(l.Queue) >= g.maxQueue {
		l.Blocked = true
		l.dropped++
		logs.Warning.Printf("governor: lane %s saturated, dropping publish on %s", l.Destination, m.Topic)
		return
	}
	l.Queue = append(l.Queue, m)
	if len(l.Queue) < g.maxQueue {
		l.Blocked = false
	}
}

// Grant adds n credit to a lane (spec §4.1/4.2 "CREDIT(n) frames").
func (g *Governor) Grant(id LaneID, n int64) {
	if l, ok := g.lanes[id]; ok {
		l.Credit += n
	}
}

// Drain pops and returns up to the lane's current credit worth of
// queued messages, decrementing credit by the number returned (spec
// §4.2: "dispatches at most credit pending items between credit
// announcements").
func (g *Governor) Drain(id LaneID) []Message {
	l, ok := g.lanes[id]
	if !ok || l.Credit <= 0 || len(l.Queue) == 0 {
		return nil
	}
	n := l.Credit
	if int64(len(l.Queue)) < n {
		n = int64(len(l.Queue))
	}
	out := l.Queue[:n]
	l.Queue = l.Queue[n:]
	l.Credit -= n
	if len(l.Queue) < g.maxQueue {
		l.Blocked = false
	}
	return out
}

// Lanes returns every registered lane id, for iteration (e.g.
// broadcasting a FILTER_UPDATE to every connected peer lane).
func (g *Governor) Lanes() []LaneID {
	out := make([]LaneID, 0, len(g.lanes))
	for id := range g.lanes {
		out = append(out, id)
	}
	return out
}

// All returns every registered lane, for metrics collection.
func (g *Governor) All() []*Lane {
	out := make([]*Lane, 0, len(g.lanes))
	for _, l := range g.lanes {
		out = append(out, l)
	}
	return out
}
