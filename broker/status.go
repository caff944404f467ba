package broker

import (
	"os"

	"github.com/SiChiTong/broker/wire"
)

// StatusTransition is one handshake lifecycle event (spec §6 "Status
// queues"): initializing, established, disconnected, incompatible, or
// invalid, plus the remote's asserted identity and a reason string.
type StatusTransition struct {
	Status string
	Peer   wire.EndpointInfo
	Reason string
}

const (
	StatusInitializing  = "initializing"
	StatusEstablished   = "established"
	StatusDisconnected  = "disconnected"
	StatusIncompatible  = "incompatible"
	StatusInvalid       = "invalid"
)

// StatusQueue is a bounded single-producer/single-consumer queue of
// StatusTransitions with a readiness file descriptor for integration
// with external event loops (spec §6: "Each queue exposes a readiness
// file descriptor"). The fd side is an os.Pipe: a byte is written every
// time an event is queued and drained every time one is read, so
// select()/epoll on ReadyFd() signals exactly when Recv has an event.
type StatusQueue struct {
	ch            chan StatusTransition
	readFd, writeFd *os.File
}

// NewStatusQueue returns a queue buffering up to capacity transitions.
func NewStatusQueue(capacity int) (*StatusQueue, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &StatusQueue{ch: make(chan StatusTransition, capacity), readFd: r, writeFd: w}, nil
}

// Push enqueues a transition, dropping the oldest queued entry if full
// rather than blocking the Core's own actor goroutine.
func (q *StatusQueue) Push(t StatusTransition) {
	select {
	case q.ch <- t:
		q.writeFd.Write([]byte{1})
	default:
		select {
		case <-q.ch:
			q.readFd.Read(make([]byte, 1))
		default:
		}
		q.ch <- t
		q.writeFd.Write([]byte{1})
	}
}

// Recv returns the next queued transition, or false if the queue is
// currently empty.
func (q *StatusQueue) Recv() (StatusTransition, bool) {
	select {
	case t := <-q.ch:
		q.readFd.Read(make([]byte, 1))
		return t, true
	default:
		return StatusTransition{}, false
	}
}

// ReadyFd returns the file descriptor integrators can poll/select on:
// readable exactly when Recv has something to return.
func (q *StatusQueue) ReadyFd() *os.File { return q.readFd }

// Close releases the queue's pipe fds.
func (q *StatusQueue) Close() error {
	q.writeFd.Close()
	return q.readFd.Close()
}
