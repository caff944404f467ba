package store

import (
	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/internal/logs"
)

// RequestSnapshot asks the owning master for a fresh snapshot, used
// both on initial attach and after a detected sequence gap (spec §4.4
// "Clone... if seq' > seq+1 the clone detects a gap and requests a
// fresh snapshot").
type RequestSnapshot func()

// Clone holds a local replica of a master's state (spec §4.4 "Clone").
// Like Master, it is a single goroutine owning its Backend exclusively.
type Clone struct {
	Name            string
	Backend         backend.Backend
	RequestSnapshot RequestSnapshot

	updates  chan UpdateCommand
	snapshot chan backend.Snapshot
	done     chan struct{}
}

// NewClone returns a Clone over an already-opened backend. Call Run in
// its own goroutine after sending the master an initial SnapshotCommand.
func NewClone(name string, be backend.Backend, requestSnapshot RequestSnapshot) *Clone {
	return &Clone{
		Name:            name,
		Backend:         be,
		RequestSnapshot: requestSnapshot,
		updates:         make(chan UpdateCommand, 256),
		snapshot:        make(chan backend.Snapshot, 1),
		done:            make(chan struct{}),
	}
}

// Apply delivers one update_command from the master's broadcast.
func (c *Clone) Apply(cmd UpdateCommand) { c.updates <- cmd }

// LoadSnapshot delivers a snapshot_reply, either the initial bootstrap
// or a re-snapshot after a detected gap.
func (c *Clone) LoadSnapshot(snap backend.Snapshot) { c.snapshot <- snap }

// Stop ends the clone's goroutine and closes its backend.
func (c *Clone) Stop() { close(c.done) }

// Run is the clone's actor loop.
func (c *Clone) Run() {
	defer c.Backend.Close()
	for {
		select {
		case snap := <-c.snapshot:
			if err := c.Backend.Init(snap); err != nil {
				logs.Error.Printf("store: clone %s snapshot load failed: %v", c.Name, err)
			}
		case cmd := <-c.updates:
			c.applyUpdate(cmd)
		case <-c.done:
			return
		}
	}
}

func (c *Clone) applyUpdate(cmd UpdateCommand) {
	seq, err := c.Backend.Sequence()
	if err != nil {
		logs.Error.Printf("store: clone %s sequence read failed: %v", c.Name, err)
		return
	}

	switch {
	case cmd.Seq <= seq:
		// Stale or already-applied update: ignored (spec §4.4).
		return
	case cmd.Seq > seq+1:
		// Gap detected: the clone is missing one or more updates. Ask
		// for a fresh snapshot rather than trying to fill the gap.
		logs.Warning.Printf("store: clone %s detected sequence gap (have %d, got %d), requesting snapshot", c.Name, seq, cmd.Seq)
		c.RequestSnapshot()
		return
	}

	// cmd.Seq == seq+1: apply in order and bump. The master already
	// computed the resulting value for every mutation op, so the clone
	// converges by replaying that value rather than re-deriving the
	// mutation itself.
	var err2 error
	switch cmd.Op {
	case OpErase:
		err2 = c.Backend.Erase(cmd.Key)
	case OpExpire:
		var exp backend.Expiry
		if cmd.Expiry != nil {
			exp = *cmd.Expiry
		}
		err2 = c.Backend.Expire(cmd.Key, exp)
	case OpClear:
		err2 = c.Backend.Clear()
	default: // OpInsert, OpIncrement, OpAddToSet, OpRemoveFromSet, OpPush*, OpPop*
		err2 = c.Backend.Insert(cmd.Key, cmd.Value, cmd.Expiry)
	}
	if err2 != nil {
		logs.Error.Printf("store: clone %s apply failed: %v", c.Name, err2)
		return
	}
	if err := c.Backend.IncreaseSequence(); err != nil {
		logs.Error.Printf("store: clone %s increase_sequence failed: %v", c.Name, err)
	}
}
