package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/history"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/stream"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
	"github.com/codefionn/schnellkernel/internal/wire"
)

var relayIOPub = relay.Outbound(wire.IOPub)

// KernelInfo is the static part of kernel_info_reply.
type KernelInfo struct {
	Implementation        string
	ImplementationVersion string
	Banner                string
	HelpLinks             []map[string]string
}

// CommInfo lists open comms for comm_info_request.
type CommInfo interface {
	Info(target string) map[string]string
}

// Deps are the services the handlers need.
type Deps struct {
	Backend engine.Backend
	Tasks   *taskmgr.Manager
	Streams *stream.Registry
	Relay   *relay.Relay
	Builder *wire.Builder
	Comms   CommInfo
	// History may be nil; history_request then answers with an empty list.
	History *history.Store
	// Shutdown is the kernel's shutdown trigger.
	Shutdown func(restart bool)
	Info     KernelInfo
	Log      *logger.Logger
}

// Timeouts bound the wait for the backend per kind of request.
type Timeouts struct {
	Execute time.Duration
	Request time.Duration
}

// Handlers implements every request the kernel understands.
type Handlers struct {
	deps Deps
	log  *logger.Logger

	mu             sync.Mutex
	executionCount int
}

// NewHandlers creates the handler set.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, log: logger.OrGlobal(deps.Log).WithPrefix("handlers")}
}

// ExecutionCount returns the current execution counter.
func (h *Handlers) ExecutionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.executionCount
}

// RequestRoutes is the route table of the shell and control channels.
func (h *Handlers) RequestRoutes(t Timeouts) Routes {
	req := t.Request
	return Routes{
		"execute_request":     {Handler: HandlerFunc(h.execute), ReplyType: "execute_reply", Timeout: t.Execute},
		"complete_request":    {Handler: HandlerFunc(h.complete), ReplyType: "complete_reply", Timeout: req},
		"inspect_request":     {Handler: HandlerFunc(h.inspect), ReplyType: "inspect_reply", Timeout: req},
		"is_complete_request": {Handler: HandlerFunc(h.isComplete), ReplyType: "is_complete_reply", Timeout: req},
		"kernel_info_request": {Handler: HandlerFunc(h.kernelInfo), ReplyType: "kernel_info_reply", Timeout: req},
		"interrupt_request":   {Handler: HandlerFunc(h.interrupt), ReplyType: "interrupt_reply", Timeout: req},
		"shutdown_request":    {Handler: HandlerFunc(h.shutdown), ReplyType: "shutdown_reply", Timeout: req},
		"history_request":     {Handler: HandlerFunc(h.history), ReplyType: "history_reply", Timeout: req},
		"comm_info_request":   {Handler: HandlerFunc(h.commInfo), ReplyType: "comm_info_reply", Timeout: req},
		"comm_open":           {Handler: HandlerFunc(h.comm), Timeout: req},
		"comm_msg":            {Handler: HandlerFunc(h.comm), Timeout: req},
		"comm_close":          {Handler: HandlerFunc(h.comm), Timeout: req},
	}
}

// StdinRoutes is the route table of the stdin channel.
func (h *Handlers) StdinRoutes(t Timeouts) Routes {
	return Routes{
		"input_reply": {Handler: HandlerFunc(h.inputReply), Timeout: t.Request, Quiet: true},
	}
}

func resolved(reply Reply, err error) Pending {
	return func(context.Context) (Reply, error) {
		return reply, err
	}
}

func failed(err error) Pending {
	return resolved(Reply{}, err)
}

func decode(env *wire.Envelope, v any) error {
	if err := env.DecodeContent(v); err != nil {
		return &SchemaError{MsgType: env.MsgType(), Err: err}
	}
	return nil
}

// await waits for fut under ctx and converts the result.
func await[T any](ctx context.Context, fut *taskmgr.Future, convert func(v any) T) (T, error) {
	var zero T
	res, err := fut.Wait(ctx)
	if err != nil {
		return zero, err
	}
	return convert(res.Value), nil
}

func (h *Handlers) inputReply(ctx context.Context, req *Request) Pending {
	if !h.deps.Streams.HandleReply(req.Env) {
		h.log.Debug("Unmatched input_reply %s", req.Env.Header.MsgID)
	}
	return resolved(Reply{}, nil)
}
