package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/schnellkernel/internal/actor"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/wire"
)

// ErrNotStarted is returned by Handle before the manager's actor is spawned.
var ErrNotStarted = errors.New("comm manager is not running")

// handleRequest asks the manager to route one inbound comm message.
type handleRequest struct {
	env        *wire.Envelope
	ResponseCh chan error
}

func (handleRequest) Type() string { return "comm.handle" }

// Manager routes inbound comm_open, comm_msg and comm_close. It runs as an
// actor, so callbacks for one comm never run concurrently.
type Manager struct {
	storage   *Storage
	registrar *Registrar
	log       *logger.Logger
	ref       *actor.ActorRef
}

// NewManager creates a manager over storage and registrar.
func NewManager(storage *Storage, registrar *Registrar, log *logger.Logger) *Manager {
	return &Manager{
		storage:   storage,
		registrar: registrar,
		log:       logger.OrGlobal(log).WithPrefix("comm"),
	}
}

// Spawn starts the manager's actor in sys.
func (m *Manager) Spawn(ctx context.Context, sys *actor.System, mailboxSize int) error {
	ref, err := sys.Spawn(ctx, m.ID(), m, mailboxSize)
	if err != nil {
		return fmt.Errorf("spawn comm manager: %w", err)
	}
	m.ref = ref
	return nil
}

// ID implements actor.Actor.
func (m *Manager) ID() string { return "comm-manager" }

// Start implements actor.Actor.
func (m *Manager) Start(ctx context.Context) error { return nil }

// Stop implements actor.Actor.
func (m *Manager) Stop(ctx context.Context) error { return nil }

// Receive implements actor.Actor.
func (m *Manager) Receive(ctx context.Context, msg actor.Message) error {
	req, ok := msg.(handleRequest)
	if !ok {
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	err := m.route(ctx, req.env)
	select {
	case req.ResponseCh <- err:
	default:
	}
	return nil
}

// Handle routes env and waits until its callbacks have run or ctx is done.
func (m *Manager) Handle(ctx context.Context, env *wire.Envelope) error {
	if m.ref == nil {
		return ErrNotStarted
	}
	req := handleRequest{env: env, ResponseCh: make(chan error, 1)}
	if err := m.ref.SendContext(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.ResponseCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver lets the manager serve as a relay endpoint.
func (m *Manager) Deliver(ctx context.Context, env *wire.Envelope) error {
	return m.Handle(ctx, env)
}

// Info returns comm_id -> target_name for open comms, optionally limited to target.
func (m *Manager) Info(target string) map[string]string {
	return m.storage.ByTarget(target)
}

type commContent struct {
	CommID     string         `json:"comm_id"`
	TargetName string         `json:"target_name"`
	Data       map[string]any `json:"data"`
}

// route dispatches one message. Routing problems are logged and reported
// as nil: the client never gets an error for them.
func (m *Manager) route(ctx context.Context, env *wire.Envelope) error {
	var content commContent
	if err := env.DecodeContent(&content); err != nil {
		return err
	}
	if content.CommID == "" {
		return fmt.Errorf("%s without comm_id", env.MsgType())
	}

	switch env.MsgType() {
	case "comm_open":
		m.open(ctx, env, content)
	case "comm_msg":
		c, ok := m.storage.Get(content.CommID)
		if !ok {
			m.log.Warn("%v", &RoutingError{Op: "comm_msg", CommID: content.CommID})
			return nil
		}
		c.setParent(env.Header.Clone())
		c.deliverMsg(ctx, content.Data, env)
	case "comm_close":
		c, ok := m.storage.Get(content.CommID)
		if !ok {
			m.log.Debug("%v", &RoutingError{Op: "comm_close", CommID: content.CommID})
			return nil
		}
		c.setParent(env.Header.Clone())
		c.peerClosed(ctx, content.Data, env)
		m.storage.Remove(content.CommID)
	default:
		return fmt.Errorf("not a comm message: %s", env.MsgType())
	}
	return nil
}

func (m *Manager) open(ctx context.Context, env *wire.Envelope, content commContent) {
	h, ok := m.registrar.lookup(content.TargetName)
	if !ok {
		m.log.Warn("%v", &RoutingError{Op: "comm_open", CommID: content.CommID, Target: content.TargetName})
		return
	}

	c := newComm(content.CommID, content.TargetName, m.registrar.pub, m.storage, env.Header.Clone())
	if !m.storage.Insert(c) {
		m.log.Warn("comm_open for %s: id already in use", content.CommID)
		return
	}
	if err := h(ctx, c, content.Data, env); err != nil {
		m.log.Warn("comm_open handler for %s failed: %v", content.TargetName, err)
		if cerr := c.Close(ctx, nil); cerr != nil {
			m.log.Warn("closing rejected comm %s: %v", c.ID(), cerr)
		}
	}
}
