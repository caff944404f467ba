// Package store implements the Store Registry, Master and Clone
// actors, and the Master Resolver (spec §4.4). Commands ride the same
// publish flow as ordinary messages, addressed to a store's reserved
// topics (spec §2: "Store commands ride the same flow addressed to a
// reserved topic").
package store

import (
	"encoding/gob"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/data"
)

// init registers the store command types with encoding/gob so they can
// ride wire.Publish.Data (declared any specifically for this, see
// wire/record.go) through their interface type once a real connection
// is on the other end, mirroring data.Value's own registration.
func init() {
	gob.Register(SnapshotCommand{})
	gob.Register(SnapshotReply{})
	gob.Register(UpdateCommand{})
}

// Op names a mutating backend operation carried by an UpdateCommand.
type Op int

const (
	OpInsert Op = iota
	OpErase
	OpExpire
	OpIncrement
	OpAddToSet
	OpRemoveFromSet
	OpPushLeft
	OpPushRight
	OpPopLeft
	OpPopRight
	OpClear
)

// SnapshotCommand asks the master to ship a full snapshot to the
// requester (spec §6 "snapshot_command(requester_handle)").
type SnapshotCommand struct {
	Requester string
}

// SnapshotReply carries a full snapshot plus the sequence it was taken
// at (spec §6 "snapshot_reply(seq, entries[])").
type SnapshotReply struct {
	Snapshot backend.Snapshot
}

// UpdateCommand is one applied mutation, broadcast by the master to
// every clone topic after a successful apply (spec §6
// "update_command(seq, op, key, value?, expiry?)").
type UpdateCommand struct {
	Seq    backend.Seq
	Op     Op
	Key    data.Value
	Value  data.Value
	Items  []data.Value
	Expiry *backend.Expiry
	// ModTime is the wall-clock time the master applied this command at
	// (Unix nanoseconds). Clones replay the resulting Value and Expiry
	// through Insert and do not read it.
	ModTime int64
}

// Request is what a local caller sends the master to apply one
// mutation and get back the outcome (spec §4.4 "Master... Deserializes
// incoming commands, applies them to its backend").
type Request struct {
	Op      Op
	Key     data.Value
	Value   data.Value
	Items   []data.Value
	Expiry  *backend.Expiry
	By      int64
	Elem    data.Value
	ModTime int64

	Reply chan Response
}

// Response is the master's reply to a Request.
type Response struct {
	Result backend.ModResult
	Err    error
}
