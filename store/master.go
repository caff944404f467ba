package store

import (
	"time"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/internal/logs"
)

// Broadcast delivers an UpdateCommand or SnapshotReply to a topic — the
// Master's only way to reach clones, kept as a narrow injected
// dependency so this package never imports governor directly (spec §2:
// "Store commands ride the same flow addressed to a reserved topic").
type Broadcast func(topic string, payload any)

// Master owns authoritative state for one named store (spec §4.4
// "Master"). It is a single goroutine reading its own mailbox, the
// same actor discipline as every other component here — nothing else
// ever touches its Backend.
type Master struct {
	Name        string
	CloneTopic  string
	Backend     backend.Backend
	Broadcast   Broadcast
	requests    chan Request
	snapshotReq chan chan backend.Snapshot
	done        chan struct{}
}

// NewMaster spawns a Master over an already-opened backend. Call Run in
// its own goroutine.
func NewMaster(name, cloneTopic string, be backend.Backend, broadcast Broadcast) *Master {
	return &Master{
		Name:        name,
		CloneTopic:  cloneTopic,
		Backend:     be,
		Broadcast:   broadcast,
		requests:    make(chan Request, 256),
		snapshotReq: make(chan chan backend.Snapshot, 8),
		done:        make(chan struct{}),
	}
}

// Submit enqueues a mutation request and returns without waiting for
// it; it never blocks the caller's own actor loop beyond the channel
// send — the outcome arrives on req.Reply.
func (m *Master) Submit(req Request) {
	m.requests <- req
}

// Snapshot asks the master for a snapshot to ship to a newly attached
// clone (spec §4.4 "On snapshot_command(requester) sends a full
// snapshot + current seq to the requester").
func (m *Master) Snapshot() backend.Snapshot {
	reply := make(chan backend.Snapshot, 1)
	m.snapshotReq <- reply
	return <-reply
}

// Stop ends the master's goroutine and closes its backend.
func (m *Master) Stop() {
	close(m.done)
}

// Run is the master's actor loop: process one message to completion
// before the next, exactly the discipline spec §5 requires.
func (m *Master) Run() {
	defer m.Backend.Close()
	for {
		select {
		case req := <-m.requests:
			m.apply(req)
		case reply := <-m.snapshotReq:
			snap, err := m.Backend.Snap()
			if err != nil {
				logs.Error.Printf("store: master %s snapshot failed: %v", m.Name, err)
			}
			reply <- snap
		case <-m.done:
			return
		}
	}
}

func (m *Master) apply(req Request) {
	modTime := time.Unix(0, req.ModTime)
	if req.ModTime == 0 {
		modTime = time.Now()
	}

	var (
		res backend.ModResult
		err error
	)
	switch req.Op {
	case OpInsert:
		err = m.Backend.Insert(req.Key, req.Value, req.Expiry)
		res.Status = statusFromErr(err)
	case OpErase:
		err = m.Backend.Erase(req.Key)
		res.Status = statusFromErr(err)
	case OpExpire:
		var exp backend.Expiry
		if req.Expiry != nil {
			exp = *req.Expiry
		}
		err = m.Backend.Expire(req.Key, exp)
		res.Status = statusFromErr(err)
	case OpIncrement:
		res, err = m.Backend.Increment(req.Key, req.By, modTime)
	case OpAddToSet:
		res, err = m.Backend.AddToSet(req.Key, req.Elem, modTime)
	case OpRemoveFromSet:
		res, err = m.Backend.RemoveFromSet(req.Key, req.Elem, modTime)
	case OpPushLeft:
		res, err = m.Backend.PushLeft(req.Key, req.Items, modTime)
	case OpPushRight:
		res, err = m.Backend.PushRight(req.Key, req.Items, modTime)
	case OpPopLeft:
		res, err = m.Backend.PopLeft(req.Key, modTime)
	case OpPopRight:
		res, err = m.Backend.PopRight(req.Key, modTime)
	case OpClear:
		err = m.Backend.Clear()
		res.Status = statusFromErr(err)
	}

	if req.Reply != nil {
		req.Reply <- Response{Result: res, Err: err}
	}

	if err != nil {
		logs.Error.Printf("store: master %s apply failed: %v", m.Name, err)
		return
	}
	if res.Status != backend.StatusSuccess {
		// type_clash and similar: nothing to broadcast, sequence unchanged
		// (spec §4.4/§4.5: only successful commands bump the sequence).
		return
	}

	if err := m.Backend.IncreaseSequence(); err != nil {
		logs.Error.Printf("store: master %s increase_sequence failed: %v", m.Name, err)
		return
	}
	seq, err := m.Backend.Sequence()
	if err != nil {
		logs.Error.Printf("store: master %s sequence read failed: %v", m.Name, err)
		return
	}

	// Clones converge by replaying the master's resulting value rather
	// than re-deriving container mutations locally, so look up the
	// post-apply value for anything that isn't a pure removal.
	value := req.Value
	if req.Op != OpErase && req.Op != OpExpire && req.Op != OpClear {
		if v, lookupErr := m.Backend.Lookup(req.Key); lookupErr == nil {
			value = v
		}
	}

	// Insert and expire report no expiry in res; the clone needs the
	// request's own expiry to store it (insert) or to match it (expire).
	expiry := res.Expiry
	if req.Op == OpInsert || req.Op == OpExpire {
		expiry = req.Expiry
	}

	m.Broadcast(m.CloneTopic, UpdateCommand{
		Seq:     seq,
		Op:      req.Op,
		Key:     req.Key,
		Value:   value,
		Expiry:  expiry,
		ModTime: modTime.UnixNano(),
	})
}

func statusFromErr(err error) backend.ModStatus {
	if err != nil {
		return backend.StatusFailure
	}
	return backend.StatusSuccess
}
