// Package comm implements the Jupyter comm sub-protocol: long-lived,
// bidirectional channels between a front end and the kernel, opened against a
// named target.
package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/codefionn/schnellkernel/internal/wire"
)

// RoutingError describes an inbound comm message that could not be routed.
// It is logged, never sent back to the client.
type RoutingError struct {
	Op     string
	CommID string
	Target string
}

func (e *RoutingError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: no target registered under %q (comm %s)", e.Op, e.Target, e.CommID)
	}
	return fmt.Sprintf("%s: unknown comm %s", e.Op, e.CommID)
}

// MsgHandler receives comm_msg data.
type MsgHandler func(ctx context.Context, c *Comm, data map[string]any, msg *wire.Envelope)

// CloseHandler is called once when the peer closes the comm.
type CloseHandler func(ctx context.Context, c *Comm, data map[string]any, msg *wire.Envelope)

// OpenHandler is called when the peer opens a comm against a registered
// target. Returning an error closes the comm again.
type OpenHandler func(ctx context.Context, c *Comm, data map[string]any, msg *wire.Envelope) error

// Publisher broadcasts comm messages on IOPub.
type Publisher interface {
	Publish(ctx context.Context, parent *wire.Header, msgType string, content any) error
}

// Comm is one open channel.
type Comm struct {
	id      string
	target  string
	pub     Publisher
	storage *Storage

	mu      sync.Mutex
	parent  *wire.Header
	onMsg   MsgHandler
	onClose CloseHandler
	closed  bool
}

func newComm(id, target string, pub Publisher, storage *Storage, parent *wire.Header) *Comm {
	return &Comm{id: id, target: target, pub: pub, storage: storage, parent: parent}
}

// ID returns the comm_id.
func (c *Comm) ID() string { return c.id }

// Target returns the target name the comm was opened against.
func (c *Comm) Target() string { return c.target }

// OnMsg sets the handler for inbound comm_msg.
func (c *Comm) OnMsg(h MsgHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = h
}

// OnClose sets the handler for an inbound comm_close.
func (c *Comm) OnClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = h
}

// Closed reports whether either side has closed the comm.
func (c *Comm) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setParent makes later kernel-side messages children of msg.
func (c *Comm) setParent(h *wire.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent = h
}

// Send publishes a comm_msg to the front end.
func (c *Comm) Send(ctx context.Context, data map[string]any) error {
	c.mu.Lock()
	closed, parent := c.closed, c.parent
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("comm %s is closed", c.id)
	}
	return c.pub.Publish(ctx, parent, "comm_msg", map[string]any{
		"comm_id": c.id,
		"data":    orEmpty(data),
	})
}

// Close closes the comm from the kernel side and notifies the front end.
// Closing twice is a no-op.
func (c *Comm) Close(ctx context.Context, data map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	parent := c.parent
	c.mu.Unlock()

	c.storage.Remove(c.id)
	return c.pub.Publish(ctx, parent, "comm_close", map[string]any{
		"comm_id": c.id,
		"data":    orEmpty(data),
	})
}

// deliverMsg runs the message handler, if any.
func (c *Comm) deliverMsg(ctx context.Context, data map[string]any, env *wire.Envelope) {
	c.mu.Lock()
	h := c.onMsg
	c.mu.Unlock()
	if h != nil {
		h(ctx, c, data, env)
	}
}

// peerClosed marks the comm closed by the front end and runs the close handler.
func (c *Comm) peerClosed(ctx context.Context, data map[string]any, env *wire.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	h := c.onClose
	c.mu.Unlock()
	if h != nil {
		h(ctx, c, data, env)
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
