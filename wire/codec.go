package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// ProtocolVersion is the version byte every frame carries, letting a
// peer reject a mismatched-version handshake at step #1 (spec §6: "the
// exact envelope ... must be deterministic and version-tagged so peers
// can reject mismatched versions").
const ProtocolVersion = 1

// ErrVersionMismatch is returned by Decode when a frame's version byte
// doesn't match ProtocolVersion.
var ErrVersionMismatch = fmt.Errorf("wire: protocol version mismatch")

// maxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxFrameSize = 64 << 20

func init() {
	gob.Register(PeerInit{})
	gob.Register(PeerOpen{})
	gob.Register(PeerAck{})
	gob.Register(FilterUpdate{})
	gob.Register(Publish{})
	gob.Register(Credit{})
}

// Encode writes one frame to w:
//
//	[4 bytes big-endian length][1 byte version][1 byte tag][gob payload]
//
// length counts everything after itself (version + tag + payload).
func Encode(w io.Writer, rec Record) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&rec); err != nil {
		return fmt.Errorf("wire: encode payload: %w", err)
	}

	body := make([]byte, 2+payload.Len())
	body[0] = ProtocolVersion
	body[1] = byte(rec.Tag())
	copy(body[2:], payload.Bytes())

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// Decode reads one frame from r and returns its record.
func Decode(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 2 || n > maxFrameSize {
		return nil, fmt.Errorf("wire: implausible frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}

	if body[0] != ProtocolVersion {
		return nil, ErrVersionMismatch
	}

	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(body[2:])).Decode(&rec); err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}
	return rec, nil
}
