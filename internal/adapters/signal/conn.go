package signal

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn is the part of *websocket.Conn the session uses.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (WSConn, error)

// GorillaDialer dials edges with gorilla/websocket. Edges serve certificates
// for their dashed hostnames, which do not always verify.
func GorillaDialer(insecure bool, handshakeTimeout time.Duration) DialFunc {
	d := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecure},
		Proxy:            nil,
	}
	return func(ctx context.Context, url string) (WSConn, error) {
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
