package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/schnellkernel/internal/actor"
	"github.com/codefionn/schnellkernel/internal/comm"
	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/history"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/stream"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
	"github.com/codefionn/schnellkernel/internal/wire"
)

type recorded struct {
	ch  wire.Channel
	env *wire.Envelope
}

type recorder struct {
	mu     sync.Mutex
	items  []recorded
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) endpoint(ch wire.Channel) relay.Endpoint {
	return relay.EndpointFunc(func(ctx context.Context, env *wire.Envelope) error {
		r.mu.Lock()
		r.items = append(r.items, recorded{ch: ch, env: env})
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
		return nil
	})
}

func (r *recorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.items...)
}

// forParent returns the messages whose parent is msgID, in relay order.
func (r *recorder) forParent(msgID string) []recorded {
	var out []recorded
	for _, item := range r.snapshot() {
		if item.env.ParentID() == msgID {
			out = append(out, item)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, cond func([]recorded) bool) []recorded {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		items := r.snapshot()
		if cond(items) {
			return items
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not met; recorded %d messages", len(items))
		}
	}
}

func statusOf(t *testing.T, env *wire.Envelope) string {
	t.Helper()
	var c struct {
		ExecutionState string `json:"execution_state"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &c))
	return c.ExecutionState
}

func contentOf(t *testing.T, env *wire.Envelope) map[string]any {
	t.Helper()
	var c map[string]any
	require.NoError(t, json.Unmarshal(env.Content, &c))
	return c
}

type harness struct {
	relay     *relay.Relay
	builder   *wire.Builder
	rec       *recorder
	backend   *engine.Interpreter
	tasks     *taskmgr.Manager
	streams   *stream.Registry
	registrar *comm.Registrar
	handlers  *Handlers
	history   *history.Store
	shutdowns chan bool
}

type harnessOptions struct {
	timeouts Timeouts
	routes   func(h *Handlers, t Timeouts) Routes
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()
	o := harnessOptions{timeouts: Timeouts{Execute: 5 * time.Second, Request: 5 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}

	r := relay.New()
	b := wire.NewBuilder("kernel-session", "")
	rec := newRecorder()
	for _, ch := range []wire.Channel{wire.Shell, wire.Control, wire.IOPub, wire.Stdin} {
		r.Register(relay.Outbound(ch), rec.endpoint(ch))
	}

	backend := engine.NewInterpreter(nil)
	tasks := taskmgr.New(taskmgr.Options{Interrupter: backend})
	streams := stream.NewRegistry(r, b, time.Second, nil)

	store, err := history.Open(history.MemoryPath)
	require.NoError(t, err)
	_, err = store.StartSession(context.Background(), b.Session())
	require.NoError(t, err)

	storage := comm.NewStorage()
	registrar := comm.NewRegistrar(storage, &comm.RelayPublisher{Relay: r, Builder: b})
	comms := comm.NewManager(storage, registrar, nil)

	h := &harness{
		relay: r, builder: b, rec: rec, backend: backend, tasks: tasks,
		streams: streams, registrar: registrar, history: store,
		shutdowns: make(chan bool, 1),
	}
	h.handlers = NewHandlers(Deps{
		Backend:  backend,
		Tasks:    tasks,
		Streams:  streams,
		Relay:    r,
		Builder:  b,
		Comms:    comms,
		History:  store,
		Shutdown: func(restart bool) { h.shutdowns <- restart },
		Info:     KernelInfo{Implementation: "schnellkernel", ImplementationVersion: "test"},
	})

	sys := actor.NewSystem()
	ctx := context.Background()
	require.NoError(t, comms.Spawn(ctx, sys, 16))
	r.Register(relay.RoleComm, comms)

	routes := o.routes
	if routes == nil {
		routes = func(h *Handlers, t Timeouts) Routes { return h.RequestRoutes(t) }
	}
	for _, ch := range []wire.Channel{wire.Shell, wire.Control} {
		d := NewDispatcher(ch, routes(h.handlers, o.timeouts), r, b, nil)
		require.NoError(t, d.Spawn(ctx, sys, 16))
	}
	stdin := NewDispatcher(wire.Stdin, h.handlers.StdinRoutes(o.timeouts), r, b, nil)
	require.NoError(t, stdin.Spawn(ctx, sys, 16))

	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.StopAll(cctx)
		_ = tasks.Shutdown(cctx, taskmgr.PolicyCancel)
		store.Close()
	})
	return h
}

func (h *harness) request(msgType string, content any) *wire.Envelope {
	raw, _ := json.Marshal(content)
	return &wire.Envelope{
		RoutingIDs: [][]byte{[]byte("client-identity")},
		Header: wire.Header{
			MsgID:    uuid.NewString(),
			MsgType:  msgType,
			Session:  "client-session",
			Username: "user",
			Version:  wire.ProtocolVersion,
		},
		Content: raw,
	}
}

func (h *harness) send(t *testing.T, ch wire.Channel, env *wire.Envelope) {
	t.Helper()
	require.NoError(t, h.relay.Deliver(context.Background(), relay.Inbound(ch), env))
}

// waitIdle waits for the idle status of req and returns every message
// parented by it.
func (h *harness) waitIdle(t *testing.T, req *wire.Envelope) []recorded {
	t.Helper()
	h.rec.waitFor(t, func(items []recorded) bool {
		for _, item := range items {
			if item.ch == wire.IOPub && item.env.MsgType() == "status" &&
				item.env.ParentID() == req.Header.MsgID && statusOf(t, item.env) == "idle" {
				return true
			}
		}
		return false
	})
	return h.rec.forParent(req.Header.MsgID)
}

func kinds(items []recorded) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ch.String() + ":" + item.env.MsgType()
	}
	return out
}

func assertBracketed(t *testing.T, items []recorded) {
	t.Helper()
	require.NotEmpty(t, items)
	busy, idle := 0, 0
	for _, item := range items {
		if item.env.MsgType() == "status" {
			switch statusOf(t, item.env) {
			case "busy":
				busy++
			case "idle":
				idle++
			}
		}
	}
	assert.Equal(t, 1, busy, "exactly one busy")
	assert.Equal(t, 1, idle, "exactly one idle")
	assert.Equal(t, "busy", statusOf(t, items[0].env), "busy comes first")
	assert.Equal(t, "idle", statusOf(t, items[len(items)-1].env), "idle comes last")
}

func replyOf(t *testing.T, items []recorded, ch wire.Channel) *wire.Envelope {
	t.Helper()
	for _, item := range items {
		if item.ch == ch && item.env.MsgType() != "status" {
			return item.env
		}
	}
	t.Fatalf("no reply on %s", ch)
	return nil
}
