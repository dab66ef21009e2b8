// Package transport binds the kernel's ZeroMQ sockets. Each channel has its
// own Worker: inbound frames are decoded and handed to the relay, outbound
// envelopes queue in an actor mailbox and are written by a single goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zeromq/zmq4"

	"github.com/codefionn/schnellkernel/internal/actor"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/wire"
)

// DefaultOutboxSize is the outbound mailbox capacity when Options leave it unset.
const DefaultOutboxSize = 1024

// Options configure a Worker.
type Options struct {
	Channel  wire.Channel
	Endpoint string
	Factory  SocketFactory
	Codec    *wire.Codec
	Relay    *relay.Relay
	// System, if set, owns the outbound actor so it shows up in health reports.
	System     *actor.System
	OutboxSize int
	Supervisor actor.SupervisorOptions
	Log        *logger.Logger
}

// Worker owns one socket.
type Worker struct {
	opts Options
	log  *logger.Logger

	mu   sync.Mutex
	sock Socket

	outbox    *actor.ActorRef
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a worker; nothing is bound until Start.
func New(opts Options) *Worker {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.Supervisor.Health == nil {
		opts.Supervisor.Health = actor.NewHealthCheckable("recv-"+opts.Channel.String(), nil)
	}
	return &Worker{
		opts: opts,
		log:  logger.OrGlobal(opts.Log).WithPrefix("transport:" + opts.Channel.String()),
		done: make(chan struct{}),
	}
}

// NewHeartbeat creates the REP echo worker. It never decodes envelopes.
func NewHeartbeat(endpoint string, factory SocketFactory, log *logger.Logger) *Worker {
	return New(Options{Channel: wire.Heartbeat, Endpoint: endpoint, Factory: factory, Log: log})
}

// Channel returns the worker's channel.
func (w *Worker) Channel() wire.Channel { return w.opts.Channel }

// Health reports receive-loop errors and restarts.
func (w *Worker) Health() *actor.HealthCheckable { return w.opts.Supervisor.Health }

func (w *Worker) hasOutbox() bool {
	return w.opts.Channel.Pattern() != wire.PatternEcho
}

func (w *Worker) hasReceiver() bool {
	return w.opts.Channel.Pattern() != wire.PatternPublish
}

// Start binds the socket and starts the outbound actor and the supervised
// receive loop. A bind failure is returned as *TransportError.
func (w *Worker) Start(ctx context.Context) error {
	sock, err := w.open(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sock = sock
	w.started = true
	w.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.hasOutbox() {
		id := "outbox-" + w.opts.Channel.String()
		ob := &outbox{worker: w}
		if w.opts.System != nil {
			w.outbox, err = w.opts.System.Spawn(loopCtx, id, ob, w.opts.OutboxSize, actor.WithDrainOnStop())
		} else {
			w.outbox = actor.NewActorRef(id, ob, w.opts.OutboxSize, actor.WithDrainOnStop())
			err = w.outbox.Start(loopCtx)
		}
		if err != nil {
			w.outbox = nil
			cancel()
			w.closeSocket()
			close(w.done)
			return fmt.Errorf("start %s outbox: %w", w.opts.Channel, err)
		}
	}

	if !w.hasReceiver() {
		close(w.done)
		return nil
	}

	supervisor := w.opts.Supervisor
	supervisor.OnRestart = func(ctx context.Context, cause error) error {
		return w.reopen(ctx)
	}
	go func() {
		defer close(w.done)
		if err := actor.Supervise(loopCtx, "recv-"+w.opts.Channel.String(), supervisor, w.receive); err != nil {
			w.log.Error("Receive loop stopped: %v", err)
		}
	}()
	w.log.Info("Listening on %s", w.opts.Endpoint)
	return nil
}

func (w *Worker) open(ctx context.Context) (Socket, error) {
	sock, err := w.opts.Factory(ctx, w.opts.Channel)
	if err != nil {
		return nil, &TransportError{Channel: w.opts.Channel, Endpoint: w.opts.Endpoint, Op: "create", Err: err}
	}
	if err := sock.Listen(w.opts.Endpoint); err != nil {
		_ = sock.Close()
		return nil, &TransportError{Channel: w.opts.Channel, Endpoint: w.opts.Endpoint, Op: "bind", Err: err}
	}
	return sock, nil
}

// reopen replaces a broken socket. The outbox keeps its queue; sends wait
// for the new socket.
func (w *Worker) reopen(ctx context.Context) error {
	w.mu.Lock()
	old := w.sock
	w.sock = nil
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	sock, err := w.open(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sock = sock
	w.mu.Unlock()
	w.log.Info("Reopened socket on %s", w.opts.Endpoint)
	return nil
}

func (w *Worker) socket() Socket {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sock
}

// receive runs until the socket fails or ctx is done.
func (w *Worker) receive(ctx context.Context) error {
	sock := w.socket()
	if sock == nil {
		return errors.New("socket not open")
	}
	for {
		msg, err := sock.Recv()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}

		if w.opts.Channel == wire.Heartbeat {
			if err := sock.SendMulti(msg); err != nil {
				return fmt.Errorf("heartbeat echo: %w", err)
			}
			continue
		}

		env, err := w.opts.Codec.Decode(msg.Frames)
		if err != nil {
			w.log.Warn("Dropping message: %v", err)
			w.Health().RecordError(err)
			continue
		}
		if err := w.opts.Relay.Deliver(ctx, relay.Inbound(w.opts.Channel), env); err != nil {
			w.log.Warn("Dropping %s: %v", env.MsgType(), err)
		}
	}
}

// Deliver queues env for sending. It implements relay.Endpoint.
func (w *Worker) Deliver(ctx context.Context, env *wire.Envelope) error {
	if w.outbox == nil {
		return ErrNoOutbox
	}
	return w.outbox.SendContext(ctx, outboundMessage{env: env})
}

// send writes one envelope, waiting for a reopened socket if necessary.
func (w *Worker) send(ctx context.Context, env *wire.Envelope) error {
	frames, err := w.opts.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.MsgType(), err)
	}
	msg := zmq4.NewMsgFrom(frames...)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		sock := w.socket()
		if sock == nil {
			return errors.New("socket is reopening")
		}
		if err := sock.SendMulti(msg); err != nil {
			return fmt.Errorf("send %s: %w", env.MsgType(), err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Stop flushes the outbox best-effort, then closes the socket exactly once.
func (w *Worker) Stop(ctx context.Context) error {
	w.closeOnce.Do(func() {
		var flushErr error
		if w.outbox != nil {
			if w.opts.System != nil {
				flushErr = w.opts.System.Stop(ctx, w.outbox.ID())
			} else {
				flushErr = w.outbox.Stop(ctx)
			}
			if flushErr != nil {
				w.log.Warn("Outbox flush incomplete: %v", flushErr)
			}
		}
		if w.cancel != nil {
			w.cancel()
		}
		w.closeErr = w.closeSocket()
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			select {
			case <-w.done:
			case <-ctx.Done():
			}
		}
	})
	return w.closeErr
}

func (w *Worker) closeSocket() error {
	w.mu.Lock()
	sock := w.sock
	w.sock = nil
	w.mu.Unlock()
	if sock == nil {
		return nil
	}
	if err := sock.Close(); err != nil {
		return fmt.Errorf("close %s socket: %w", w.opts.Channel, err)
	}
	return nil
}

type outboundMessage struct {
	env *wire.Envelope
}

func (outboundMessage) Type() string { return "transport.outbound" }

// outbox is the actor that serializes writes to the socket.
type outbox struct {
	worker *Worker
}

func (o *outbox) ID() string { return "outbox-" + o.worker.opts.Channel.String() }

func (o *outbox) Start(ctx context.Context) error { return nil }

func (o *outbox) Stop(ctx context.Context) error { return nil }

func (o *outbox) Receive(ctx context.Context, msg actor.Message) error {
	out, ok := msg.(outboundMessage)
	if !ok {
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return o.worker.send(ctx, out.env)
}
