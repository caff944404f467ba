// Package wire implements the framed tagged-record protocol peers speak
// over the network (spec §6 "Wire protocol"). Records are a closed Go
// sum, one struct per alternative, the way broker/data models the Data
// universe — here the tag discriminates wire records instead of stored
// values.
package wire

import (
	"github.com/google/uuid"

	"github.com/SiChiTong/broker/topic"
)

// Tag identifies a record's wire type, carried as the frame's one-byte
// record tag.
type Tag uint8

const (
	TagPeerInit Tag = iota + 1
	TagPeerOpen
	TagPeerAck
	TagFilterUpdate
	TagPublish
	TagCredit
)

// EndpointInfo is the identity an endpoint asserts during handshake:
// its EndpointId plus an optional network address, and an optional
// token binding the two (see wire/auth.go). A receiver checks the token
// only when it is non-empty.
type EndpointInfo struct {
	ID    uuid.UUID
	Host  string
	Port  uint16
	Token string
}

// StreamID names one direction of an established peering (spec §4.1:
// "allocate outgoing_stream_id").
type StreamID uint64

// Record is the sealed interface every wire message implements.
type Record interface {
	Tag() Tag
	recordMarker()
}

// PeerInit is step #0 of the handshake.
type PeerInit struct {
	Filter []string
	Info   EndpointInfo
}

// PeerOpen is step #1's reply.
type PeerOpen struct {
	StreamID StreamID
	Filter   []string
	Info     EndpointInfo
}

// PeerAck is step #2's reply, completing the handshake on the side
// that received the original PeerInit.
type PeerAck struct {
	StreamID StreamID
}

// FilterUpdate announces a grown filter to a connected peer (spec §4.3).
type FilterUpdate struct {
	Filter []string
}

// Publish carries one message for a topic (spec §4.2 "push(topic,
// data)"). Data is usually a data.Value, but store command envelopes
// (SnapshotCommand/SnapshotReply/UpdateCommand) ride the same field on
// reserved topics (spec §6), so it is left as `any` rather than
// data.Value's closed sum.
type Publish struct {
	Topic string
	Data  any
}

// Credit grants additional send credit on one lane (spec §4.2 "Flow
// control").
type Credit struct {
	Lane string
	N    int64
}

func (PeerInit) Tag() Tag      { return TagPeerInit }
func (PeerOpen) Tag() Tag      { return TagPeerOpen }
func (PeerAck) Tag() Tag       { return TagPeerAck }
func (FilterUpdate) Tag() Tag  { return TagFilterUpdate }
func (Publish) Tag() Tag       { return TagPublish }
func (Credit) Tag() Tag        { return TagCredit }

func (PeerInit) recordMarker()     {}
func (PeerOpen) recordMarker()     {}
func (PeerAck) recordMarker()      {}
func (FilterUpdate) recordMarker() {}
func (Publish) recordMarker()      {}
func (Credit) recordMarker()       {}

// FilterOf builds a topic.Filter from a record's raw topic slice,
// applying the same canonicalization every locally-built filter gets.
func FilterOf(xs []string) topic.Filter { return topic.New(xs...) }
