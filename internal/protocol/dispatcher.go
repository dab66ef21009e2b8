// Package protocol turns inbound Jupyter requests into backend work and
// replies. A Dispatcher per request channel brackets every handled request
// with busy/idle status broadcasts on IOPub.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/schnellkernel/internal/actor"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/wire"
)

// ErrNotAccepting is returned by Deliver after Close.
var ErrNotAccepting = errors.New("dispatcher is not accepting requests")

// Request is one inbound message.
type Request struct {
	Channel wire.Channel
	Env     *wire.Envelope
}

// Reply is the outcome of a handled request. After, if set, runs once the
// reply and the idle status have been relayed.
type Reply struct {
	Content  any
	Metadata map[string]any
	After    func()
}

// Pending waits for the backend and produces the reply. It must honour ctx.
type Pending func(ctx context.Context) (Reply, error)

// Handler parses a request and starts the backend work. Process must not
// block on the backend; the waiting happens in the returned Pending.
type Handler interface {
	Process(ctx context.Context, req *Request) Pending
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) Pending

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, req *Request) Pending {
	return f(ctx, req)
}

// Route binds a msg_type to its handler.
type Route struct {
	Handler Handler
	// ReplyType is the msg_type of the reply; empty means no reply is sent.
	ReplyType string
	Timeout   time.Duration
	// Quiet suppresses busy/idle broadcasts.
	Quiet bool
}

// Routes maps msg_type to route.
type Routes map[string]Route

type inbound struct {
	env *wire.Envelope
}

func (inbound) Type() string { return "protocol.inbound" }

// Dispatcher processes the requests of one channel in arrival order.
type Dispatcher struct {
	channel wire.Channel
	routes  Routes
	relay   *relay.Relay
	builder *wire.Builder
	log     *logger.Logger

	ref       *actor.ActorRef
	accepting atomic.Bool
	inflight  sync.WaitGroup
	baseCtx   context.Context
}

// NewDispatcher creates a dispatcher for ch.
func NewDispatcher(ch wire.Channel, routes Routes, r *relay.Relay, b *wire.Builder, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		channel: ch,
		routes:  routes,
		relay:   r,
		builder: b,
		log:     logger.OrGlobal(log).WithPrefix("dispatch:" + ch.String()),
		baseCtx: context.Background(),
	}
}

// ID implements actor.Actor.
func (d *Dispatcher) ID() string { return "dispatcher-" + d.channel.String() }

// Start implements actor.Actor.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.accepting.Store(true)
	return nil
}

// Stop implements actor.Actor.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.accepting.Store(false)
	return nil
}

// Spawn starts the dispatcher's actor and registers it as the inbound
// endpoint of its channel.
func (d *Dispatcher) Spawn(ctx context.Context, sys *actor.System, mailboxSize int) error {
	ref, err := sys.Spawn(ctx, d.ID(), d, mailboxSize)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", d.ID(), err)
	}
	d.ref = ref
	d.relay.Register(relay.Inbound(d.channel), d)
	return nil
}

// Close stops accepting new requests. Requests already queued are still processed.
func (d *Dispatcher) Close() {
	d.accepting.Store(false)
	d.relay.Unregister(relay.Inbound(d.channel))
}

// Wait blocks until every in-flight request has been answered or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver implements relay.Endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, env *wire.Envelope) error {
	if !d.accepting.Load() || d.ref == nil {
		return ErrNotAccepting
	}
	return d.ref.SendContext(ctx, inbound{env: env})
}

// Receive implements actor.Actor.
func (d *Dispatcher) Receive(ctx context.Context, msg actor.Message) error {
	in, ok := msg.(inbound)
	if !ok {
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	d.Dispatch(ctx, in.env)
	return nil
}

// Dispatch handles one request. The reply is sent asynchronously once the
// handler's Pending resolves; busy and idle bracket every exit path.
func (d *Dispatcher) Dispatch(ctx context.Context, env *wire.Envelope) {
	route, ok := d.routes[env.MsgType()]
	if !ok {
		d.log.Warn("No handler for %s, dropping", env.MsgType())
		return
	}

	d.inflight.Add(1)
	if !route.Quiet {
		d.publishStatus(env, "busy")
	}
	finish := func() {
		if !route.Quiet {
			d.publishStatus(env, "idle")
		}
		d.inflight.Done()
	}

	pending, err := d.process(ctx, route, &Request{Channel: d.channel, Env: env})
	if err != nil {
		d.respond(env, route, Reply{}, err)
		finish()
		return
	}

	go func() {
		var after func()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic while answering %s: %v", env.MsgType(), r)
				d.respond(env, route, Reply{}, fmt.Errorf("internal error: %v", r))
			}
			finish()
			if after != nil {
				after()
			}
		}()

		timeout := route.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		wctx, cancel := context.WithTimeout(d.baseCtx, timeout)
		defer cancel()

		reply, err := pending(wctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && wctx.Err() != nil {
			err = &BackendTimeoutError{MsgType: env.MsgType(), Timeout: timeout}
			d.log.Warn("%v", err)
		}
		d.respond(env, route, reply, err)
		if err == nil {
			after = reply.After
		}
	}()
}

func (d *Dispatcher) process(ctx context.Context, route Route, req *Request) (p Pending, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic processing %s: %v", req.Env.MsgType(), r)
			p, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()
	p = route.Handler.Process(ctx, req)
	if p == nil {
		return nil, fmt.Errorf("handler for %s returned no result", req.Env.MsgType())
	}
	return p, nil
}

func (d *Dispatcher) respond(req *wire.Envelope, route Route, reply Reply, err error) {
	if err != nil {
		d.log.Debug("%s failed: %v", req.MsgType(), err)
	}
	if route.ReplyType == "" {
		if err != nil {
			d.log.Warn("%s: %v", req.MsgType(), err)
		}
		return
	}

	content := reply.Content
	if err != nil {
		content = errorContent(err)
	}
	env, berr := d.builder.Reply(req, route.ReplyType, content)
	if berr != nil {
		d.log.Error("Failed to build %s: %v", route.ReplyType, berr)
		return
	}
	env.Metadata = reply.Metadata
	if derr := d.relay.Deliver(context.Background(), relay.Outbound(d.channel), env); derr != nil {
		d.log.Warn("Failed to send %s: %v", route.ReplyType, derr)
	}
}

func (d *Dispatcher) publishStatus(parent *wire.Envelope, state string) {
	PublishStatus(d.relay, d.builder, &parent.Header, state, d.log)
}

// PublishStatus broadcasts execution_state on IOPub. parent may be nil for
// the kernel's own "starting" status.
func PublishStatus(r *relay.Relay, b *wire.Builder, parent *wire.Header, state string, log *logger.Logger) {
	env, err := b.Broadcast(parent, "status", map[string]string{"execution_state": state})
	if err != nil {
		logger.OrGlobal(log).Error("Failed to build status: %v", err)
		return
	}
	if err := r.Deliver(context.Background(), relay.Outbound(wire.IOPub), env); err != nil {
		logger.OrGlobal(log).Warn("Failed to publish status %s: %v", state, err)
	}
}
