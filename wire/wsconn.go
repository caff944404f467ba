package wire

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsConn carries the same length-prefixed frames as tcpConn, but one
// frame per binary websocket message instead of a shared byte stream —
// used for peering across infrastructure that only allows HTTP(S)
// egress (adapted from hdl_websock.go's use of gorilla/websocket as a
// message-framed transport, client-to-server there, peer-to-peer here).
type wsConn struct {
	ws *websocket.Conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// DialWS connects to a websocket peering endpoint at url (e.g.
// "ws://host:port/broker/peer").
func DialWS(url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: dial ws %s: %w", url, err)
	}
	return &wsConn{ws: ws}, nil
}

// UpgradeWS upgrades an inbound HTTP request to a websocket peering
// connection.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: upgrade ws: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

func (c *wsConn) Send(rec Record) error {
	var buf bytes.Buffer
	if err := Encode(&buf, rec); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (c *wsConn) Recv() (Record, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("wire: unexpected websocket message type %d", mt)
	}
	return Decode(bytes.NewReader(data))
}

func (c *wsConn) Close() error       { return c.ws.Close() }
func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
