package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/schnellkernel/internal/logger"
)

var (
	// ErrStopped is returned when sending to an actor that has been stopped.
	ErrStopped = errors.New("actor is stopped")
	// ErrMailboxFull is returned by Send when the mailbox has no free slot.
	ErrMailboxFull = errors.New("actor mailbox is full")
)

// Message represents a message sent between actors
type Message interface {
	Type() string
}

// Actor represents an actor in the actor model
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start starts the actor
	Start(ctx context.Context) error
	// Stop stops the actor gracefully
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to an actor for sending messages
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.RWMutex
	stopped bool
	drain   bool
	stopCh  chan struct{}
	health  *HealthCheckable

	// closing releases blocked SendContext callers so Stop can take mu.
	closing     chan struct{}
	closingOnce sync.Once
}

// ActorRefOption configures an ActorRef.
type ActorRefOption func(*ActorRef)

// WithDrainOnStop makes Stop deliver every message still queued in the mailbox
// before the actor is stopped. Outbound socket workers use this so pending
// broadcasts are flushed on shutdown.
func WithDrainOnStop() ActorRefOption {
	return func(ref *ActorRef) {
		ref.drain = true
	}
}

// NewActorRef creates a new actor reference with the given ID, actor implementation,
// mailbox size, and optional configuration options.
func NewActorRef(id string, actor Actor, mailboxSize int, opts ...ActorRefOption) *ActorRef {
	ref := &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		stopCh:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	ref.health = NewHealthCheckable(id, ref.mailbox)

	for _, opt := range opts {
		opt(ref)
	}
	return ref
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Health returns the actor's health tracker.
func (ref *ActorRef) Health() *HealthCheckable {
	return ref.health
}

// Send sends a message to the actor (non-blocking)
func (ref *ActorRef) Send(msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		ref.health.RecordActivity()
		return nil
	default:
		return fmt.Errorf("%s: %w", ref.id, ErrMailboxFull)
	}
}

// SendContext blocks until the message is queued, the actor is stopped or
// ctx is done.
func (ref *ActorRef) SendContext(ctx context.Context, msg Message) error {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped {
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		ref.health.RecordActivity()
		return nil
	case <-ref.closing:
		return fmt.Errorf("%s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor gracefully
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.closingOnce.Do(func() { close(ref.closing) })
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	ref.mu.Unlock()

	if ref.drain {
		close(ref.stopCh)
	} else if ref.cancel != nil {
		ref.cancel()
	}

	done := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		err := ref.actor.Stop(ctx)
		if ref.cancel != nil {
			ref.cancel()
		}
		return err
	case <-ctx.Done():
		if ref.cancel != nil {
			ref.cancel()
		}
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ref.stopCh:
			ref.drainMailbox(ctx)
			return
		case msg := <-ref.mailbox:
			ref.deliver(ctx, msg)
		}
	}
}

func (ref *ActorRef) drainMailbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			ref.deliver(ctx, msg)
		default:
			return
		}
	}
}

// deliver hands one message to the actor. A panicking Receive is treated like
// an error return; the loop keeps running.
func (ref *ActorRef) deliver(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s handling %s: %v", ref.id, msg.Type(), r)
			logger.Error("Actor %v", err)
			ref.health.RecordError(err)
		}
	}()

	if req, ok := msg.(HealthCheckRequest); ok {
		select {
		case req.ResponseChan <- HealthCheckResponse{Report: ref.health.GenerateHealthReport()}:
		case <-ctx.Done():
		}
		return
	}

	if err := ref.actor.Receive(ctx, msg); err != nil {
		logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
		ref.health.RecordError(err)
	}
}

// System manages a collection of actors
type System struct {
	actors map[string]*ActorRef
	order  []string
	mu     sync.RWMutex
}

// NewSystem creates a new actor system
func NewSystem() *System {
	return &System{
		actors: make(map[string]*ActorRef),
	}
}

// Spawn creates and starts a new actor
func (s *System) Spawn(ctx context.Context, id string, actor Actor, mailboxSize int, opts ...ActorRefOption) (*ActorRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[id]; exists {
		return nil, fmt.Errorf("actor with id %s already exists", id)
	}

	ref := NewActorRef(id, actor, mailboxSize, opts...)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}

	s.actors[id] = ref
	s.order = append(s.order, id)
	return ref, nil
}

// Get retrieves an actor reference by ID
func (s *System) Get(id string) (*ActorRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.actors[id]
	return ref, ok
}

// Stop stops an actor by ID
func (s *System) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	ref, exists := s.actors[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("actor %s not found", id)
	}
	delete(s.actors, id)
	s.removeOrder(id)
	s.mu.Unlock()

	return ref.Stop(ctx)
}

func (s *System) removeOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// HealthCheck returns a report for every actor in the system
func (s *System) HealthCheck() map[string]HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make(map[string]HealthReport, len(s.actors))
	for id, ref := range s.actors {
		reports[id] = ref.health.GenerateHealthReport()
	}
	return reports
}

// StopAll stops all actors in reverse spawn order
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	refs := make([]*ActorRef, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		refs = append(refs, s.actors[s.order[i]])
	}
	s.actors = make(map[string]*ActorRef)
	s.order = nil
	s.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		if err := ref.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
