// Package wsbridge adapts a github.com/coder/websocket connection into a
// net.Conn carrying binary frames, so a browser-class client can speak the
// exact same length-prefixed wire protocol as a raw TCP client. Grounded
// on the teacher's handlePTYWS accept-then-framed-loop pattern, but
// carries opaque binary frames instead of a JSON envelope.
package wsbridge

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/wireterm/internal/logger"
)

// AcceptOptions controls how an inbound HTTP request is upgraded.
type AcceptOptions struct {
	// OriginPatterns restricts which Origin headers may upgrade; nil
	// disables the check (same-origin assumed via a reverse proxy).
	OriginPatterns []string
	// InsecureSkipVerify disables origin checking entirely, for local
	// development against a client served from a different port.
	InsecureSkipVerify bool
}

// Accept upgrades an HTTP request to a websocket connection and returns it
// wrapped as a net.Conn carrying binary frames. The caller drives the
// returned conn exactly like a raw TCP connection: Read/Write bytes,
// feeding them through a protocol.Machine.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	return &Conn{ws: c, netConn: websocket.NetConn(context.Background(), c, websocket.MessageBinary)}, nil
}

// Dial opens a client-side websocket connection to url and wraps it the
// same way Accept does, for a browser-class client running as a Go
// process (e.g. in tests).
func Dial(ctx context.Context, url string) (*Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: c, netConn: websocket.NetConn(context.Background(), c, websocket.MessageBinary)}, nil
}

// Conn is a net.Conn backed by a websocket connection carrying binary
// message frames; each Write call becomes one websocket message, and Read
// reassembles/chunks them transparently via websocket.NetConn.
type Conn struct {
	ws      *websocket.Conn
	netConn net.Conn
}

func (c *Conn) Read(p []byte) (int, error)  { return c.netConn.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.netConn.Write(p) }

// Close closes the underlying websocket connection with a normal closure
// status.
func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		logger.Debug("wsbridge: close", "err", err)
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr                { return c.netConn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.netConn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error       { return c.netConn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error   { return c.netConn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error  { return c.netConn.SetWriteDeadline(t) }
