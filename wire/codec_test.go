package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SiChiTong/broker/backend"
	"github.com/SiChiTong/broker/data"
	"github.com/SiChiTong/broker/store"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		PeerInit{Filter: []string{"a", "b"}, Info: EndpointInfo{ID: uuid.New(), Host: "h", Port: 1}},
		PeerOpen{StreamID: 7, Filter: []string{"x"}, Info: EndpointInfo{ID: uuid.New()}},
		PeerAck{StreamID: 7},
		FilterUpdate{Filter: []string{"x", "y"}},
		Publish{Topic: "x/y", Data: data.Int(42)},
		Credit{Lane: "peer-1", N: 10},
	}
	for _, rec := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, rec))
		got, err := Decode(&buf)
		require.NoError(t, err)
		require.Equal(t, rec, got)
	}
}

// TestEncodeDecodeRoundTripStoreCommand covers Publish.Data carrying a
// store command rather than a data.Value — the reason that field is
// declared any (wire/record.go) rather than data.Value. Every
// alternative needs its own gob.Register (store/command.go's init),
// same as every data.Value alternative, or Encode returns an error on a
// real connection instead of the in-process fast path.
func TestEncodeDecodeRoundTripStoreCommand(t *testing.T) {
	cases := []Record{
		Publish{Topic: "kv/<store>/master", Data: store.SnapshotCommand{Requester: "ep-1"}},
		Publish{Topic: "kv/<store>/clone", Data: store.SnapshotReply{Snapshot: backend.Snapshot{Seq: 3}}},
		Publish{Topic: "kv/<store>/clone", Data: store.UpdateCommand{Seq: 4, Op: store.OpInsert, Key: data.String("k"), Value: data.Int(1)}},
	}
	for _, rec := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, rec))
		got, err := Decode(&buf)
		require.NoError(t, err)
		require.Equal(t, rec, got)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, PeerAck{StreamID: 1}))
	raw := buf.Bytes()
	raw[4] = ProtocolVersion + 1 // byte 4 is the version, right after the 4-byte length prefix

	_, err := Decode(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestTCPConnRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan Record, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		c := &tcpConn{nc: nc}
		rec, err := c.Recv()
		require.NoError(t, err)
		serverDone <- rec
	}()

	conn, err := DialTCP(ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(Publish{Topic: "a/b", Data: data.String("hi")}))

	select {
	case rec := <-serverDone:
		require.Equal(t, Publish{Topic: "a/b", Data: data.String("hi")}, rec)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}
}
