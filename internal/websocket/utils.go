package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	PongWait  = 60 * time.Second
)

// ErrMalformedRequest marks a frame that arrived whole but did not decode.
// The connection is still usable.
var ErrMalformedRequest = errors.New("malformed request")

// PingPeriod is how often to ping a peer that must answer within pongWait.
func PingPeriod(pongWait time.Duration) time.Duration {
	return (pongWait * 9) / 10
}

// WriteMessage sends a server message over the WebSocket.
func WriteMessage(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// WritePing sends a control ping.
func WritePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// PrepareRead sets the read deadline and extends it on every pong.
func PrepareRead(conn *websocket.Conn, maxBytes int64, pongWait time.Duration) {
	conn.SetReadLimit(maxBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// ReadRequest reads and decodes a client message, extending the read
// deadline. A frame that does not decode yields ErrMalformedRequest; any
// other error means the connection is gone.
func ReadRequest(conn *websocket.Conn, req *Request, pongWait time.Duration) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	*req = Request{}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

// IsClientClose reports whether err is the peer closing the stream on
// purpose.
func IsClientClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
