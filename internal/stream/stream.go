// Package stream binds output, error and input streams to the request that
// produced them. Each request gets its own Context keyed by the request's
// msg_id, so output from concurrently processed requests is attributed to the
// right parent header.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/wire"
)

var (
	// ErrStdinNotAllowed is returned by Reader when the request did not allow stdin.
	ErrStdinNotAllowed = errors.New("stdin is not allowed for this request")
	// ErrInputTimeout is returned when the client does not answer an input_request in time.
	ErrInputTimeout = errors.New("timed out waiting for input_reply")
	// ErrReleased is returned by streams of a context that has been released.
	ErrReleased = errors.New("stream context released")
)

// Options configure a context on first acquisition.
type Options struct {
	AllowStdin bool
}

// Registry owns the live contexts and the input requests waiting for a reply.
type Registry struct {
	relay        *relay.Relay
	builder      *wire.Builder
	log          *logger.Logger
	inputTimeout time.Duration

	mu       sync.Mutex
	contexts map[string]*Context

	pendingMu sync.Mutex
	pending   map[string]chan string
}

// NewRegistry creates a registry that publishes through r.
func NewRegistry(r *relay.Relay, b *wire.Builder, inputTimeout time.Duration, log *logger.Logger) *Registry {
	if inputTimeout <= 0 {
		inputTimeout = 5 * time.Minute
	}
	return &Registry{
		relay:        r,
		builder:      b,
		log:          logger.OrGlobal(log).WithPrefix("stream"),
		inputTimeout: inputTimeout,
		contexts:     make(map[string]*Context),
		pending:      make(map[string]chan string),
	}
}

// Acquire returns the context for req, creating it on first use. Every
// Acquire must be paired with a Release.
func (r *Registry) Acquire(req *wire.Envelope, opts Options) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := req.Header.MsgID
	if c, ok := r.contexts[id]; ok {
		c.refs++
		return c
	}
	c := &Context{reg: r, req: req, allowStdin: opts.AllowStdin, refs: 1}
	r.contexts[id] = c
	return c
}

// Release drops one reference to c. The context is destroyed when the last
// reference is gone; later writes to its streams fail with ErrReleased.
func (r *Registry) Release(c *Context) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c.refs--
	if c.refs > 0 {
		return
	}
	if cur, ok := r.contexts[c.ID()]; ok && cur == c {
		delete(r.contexts, c.ID())
	}
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

// Active returns the number of live contexts.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// HandleReply routes an input_reply to the reader waiting for it. It reports
// false when no reader is waiting for the reply's parent.
func (r *Registry) HandleReply(env *wire.Envelope) bool {
	var content struct {
		Value string `json:"value"`
	}
	if err := env.DecodeContent(&content); err != nil {
		r.log.Warn("Dropping malformed input_reply: %v", err)
		return false
	}

	r.pendingMu.Lock()
	ch, ok := r.pending[env.ParentID()]
	delete(r.pending, env.ParentID())
	r.pendingMu.Unlock()

	if !ok {
		r.log.Debug("input_reply for unknown request %q", env.ParentID())
		return false
	}
	ch <- content.Value
	return true
}

func (r *Registry) publish(env *wire.Envelope) {
	if err := r.relay.Deliver(context.Background(), relay.Outbound(wire.IOPub), env); err != nil {
		r.log.Warn("Failed to publish %s: %v", env.MsgType(), err)
	}
}

// Context is the set of streams of one request.
type Context struct {
	reg        *Registry
	req        *wire.Envelope
	allowStdin bool
	refs       int

	mu       sync.Mutex
	released bool
	stdout   *Writer
	stderr   *Writer
	stdin    *Reader
}

// ID is the msg_id of the request that owns the context.
func (c *Context) ID() string {
	return c.req.Header.MsgID
}

// Parent returns the header used as parent_header for stream messages.
func (c *Context) Parent() *wire.Header {
	return &c.req.Header
}

// Output returns the stdout stream, creating it on first use.
func (c *Context) Output() *Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdout == nil {
		c.stdout = &Writer{ctx: c, name: "stdout"}
	}
	return c.stdout
}

// Error returns the stderr stream, creating it on first use.
func (c *Context) Error() *Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr == nil {
		c.stderr = &Writer{ctx: c, name: "stderr"}
	}
	return c.stderr
}

// Input returns the stdin reader, creating it on first use.
func (c *Context) Input() *Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		c.stdin = &Reader{ctx: c}
	}
	return c.stdin
}

// IO returns engine streams that resolve to this context's streams on first use.
func (c *Context) IO() engine.IO {
	return engine.IO{
		Stdout: lazyWriter(c.Output),
		Stderr: lazyWriter(c.Error),
		Input: func(ctx context.Context, prompt string, password bool) (string, error) {
			return c.Input().ReadLine(ctx, prompt, password)
		},
	}
}

func (c *Context) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type lazyWriter func() *Writer

func (f lazyWriter) Write(p []byte) (int, error) {
	return f().Write(p)
}

// Writer publishes every write as a `stream` message on IOPub.
type Writer struct {
	ctx  *Context
	name string
}

// Name is the stream name, "stdout" or "stderr".
func (w *Writer) Name() string {
	return w.name
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.ctx.isReleased() {
		return 0, ErrReleased
	}
	env, err := w.ctx.reg.builder.Broadcast(w.ctx.Parent(), "stream", map[string]string{
		"name": w.name,
		"text": string(p),
	})
	if err != nil {
		return 0, err
	}
	w.ctx.reg.publish(env)
	return len(p), nil
}

// Reader asks the client for input over the stdin channel.
type Reader struct {
	ctx *Context
}

// ReadLine sends an input_request and waits for the matching input_reply.
func (r *Reader) ReadLine(ctx context.Context, prompt string, password bool) (string, error) {
	c := r.ctx
	if !c.allowStdin {
		return "", ErrStdinNotAllowed
	}
	if c.isReleased() {
		return "", ErrReleased
	}
	reg := c.reg

	env, err := reg.builder.New("input_request", c.Parent(), map[string]any{
		"prompt":   prompt,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	for _, id := range c.req.RoutingIDs {
		env.RoutingIDs = append(env.RoutingIDs, append([]byte(nil), id...))
	}

	ch := make(chan string, 1)
	reg.pendingMu.Lock()
	reg.pending[env.Header.MsgID] = ch
	reg.pendingMu.Unlock()
	defer func() {
		reg.pendingMu.Lock()
		delete(reg.pending, env.Header.MsgID)
		reg.pendingMu.Unlock()
	}()

	if err := reg.relay.Deliver(ctx, relay.Outbound(wire.Stdin), env); err != nil {
		return "", err
	}

	timer := time.NewTimer(reg.inputTimeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrInputTimeout
	}
}

// Binding holds the context currently bound to one execution slot. Binding
// the same request again keeps the existing context; a different request
// replaces it.
type Binding struct {
	mu  sync.Mutex
	cur *Context
}

// Bind binds c and returns the context now in effect and whether it replaced
// a previous one.
func (b *Binding) Bind(c *Context) (*Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil && c != nil && b.cur.ID() == c.ID() {
		return b.cur, false
	}
	replaced := b.cur != nil
	b.cur = c
	return c, replaced
}

// Current returns the bound context, or nil.
func (b *Binding) Current() *Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}
