// Package kernel wires the transport, relay, dispatchers, task manager and
// backend into a running Jupyter kernel and owns the shutdown sequence.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/schnellkernel/internal/actor"
	"github.com/codefionn/schnellkernel/internal/comm"
	"github.com/codefionn/schnellkernel/internal/config"
	"github.com/codefionn/schnellkernel/internal/diag"
	"github.com/codefionn/schnellkernel/internal/engine"
	"github.com/codefionn/schnellkernel/internal/history"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/protocol"
	"github.com/codefionn/schnellkernel/internal/relay"
	"github.com/codefionn/schnellkernel/internal/securemem"
	"github.com/codefionn/schnellkernel/internal/stream"
	"github.com/codefionn/schnellkernel/internal/taskmgr"
	"github.com/codefionn/schnellkernel/internal/transport"
	"github.com/codefionn/schnellkernel/internal/wire"
)

const (
	// Implementation is reported in kernel_info_reply.
	Implementation = "schnellkernel"
	mailboxSize    = 256
)

// Version is set at build time.
var Version = "dev"

// Options are the process-scoped inputs of a kernel.
type Options struct {
	Connection *config.ConnectionInfo
	Config     *config.Config
	// ConfigPath is watched for log level changes when non-empty.
	ConfigPath string
	// Backend defaults to the expression interpreter.
	Backend engine.Backend
	// Factory defaults to zmq4 sockets.
	Factory transport.SocketFactory
	Log     *logger.Logger
}

// Kernel is one running kernel process.
type Kernel struct {
	opts Options
	cfg  *config.Config
	log  *logger.Logger

	key     *securemem.Key
	builder *wire.Builder
	codec   *wire.Codec
	relay   *relay.Relay
	system  *actor.System

	backend   engine.Backend
	tasks     *taskmgr.Manager
	streams   *stream.Registry
	storage   *comm.Storage
	registrar *comm.Registrar
	comms     *comm.Manager
	history   *history.Store
	handlers  *protocol.Handlers
	diag      *diag.Server

	workers     []*transport.Worker
	dispatchers []*protocol.Dispatcher
	policy      taskmgr.Policy

	cancel       context.CancelFunc
	shutdownCh   chan bool
	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopErr      error
}

// New builds a kernel. No socket is bound until Start.
func New(opts Options) (*Kernel, error) {
	if opts.Connection == nil {
		return nil, errors.New("kernel: connection info is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := logger.OrGlobal(opts.Log).WithPrefix("kernel")

	key := securemem.NewKeyFromString(opts.Connection.Key)
	signer, err := wire.NewSigner(opts.Connection.SignatureScheme, key)
	if err != nil {
		key.Destroy()
		return nil, fmt.Errorf("kernel: %w", err)
	}
	if !signer.Enabled() {
		log.Warn("Connection file has an empty key, messages are not authenticated")
	}

	k := &Kernel{
		opts:       opts,
		cfg:        cfg,
		log:        log,
		key:        key,
		builder:    wire.NewBuilder(uuid.NewString(), "kernel"),
		codec:      wire.NewCodec(signer),
		relay:      relay.New(),
		system:     actor.NewSystem(),
		backend:    opts.Backend,
		shutdownCh: make(chan bool, 1),
	}
	if k.backend == nil {
		k.backend = engine.NewInterpreter(opts.Log)
	}

	if k.policy, err = taskmgr.ParsePolicy(cfg.ShutdownPolicy); err != nil {
		key.Destroy()
		return nil, fmt.Errorf("kernel: %w", err)
	}

	k.tasks = taskmgr.New(taskmgr.Options{
		MaxWorkers:     cfg.MaxWorkers,
		Interrupter:    k.backend,
		DebounceWindow: cfg.InterruptWindow(),
		OnEscalate: func() {
			k.log.Error("Backend ignored an interrupt, restarting the kernel")
			k.RequestShutdown(true)
		},
		Log: opts.Log,
	})
	k.streams = stream.NewRegistry(k.relay, k.builder, cfg.InputTimeout(), opts.Log)
	k.storage = comm.NewStorage()
	k.registrar = comm.NewRegistrar(k.storage, &comm.RelayPublisher{Relay: k.relay, Builder: k.builder})
	k.comms = comm.NewManager(k.storage, k.registrar, opts.Log)

	if cfg.HistoryPath != "" {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			// History is optional; the kernel still runs without it.
			log.Warn("History disabled: %v", err)
		} else {
			k.history = store
		}
	}

	k.handlers = protocol.NewHandlers(protocol.Deps{
		Backend:  k.backend,
		Tasks:    k.tasks,
		Streams:  k.streams,
		Relay:    k.relay,
		Builder:  k.builder,
		Comms:    k.comms,
		History:  k.history,
		Shutdown: k.RequestShutdown,
		Info:     KernelInfo(),
		Log:      opts.Log,
	})

	factory := opts.Factory
	if factory == nil {
		factory = transport.ZMQ(opts.Log)
	}
	conn := opts.Connection
	ports := map[wire.Channel]int{
		wire.Heartbeat: conn.HBPort,
		wire.Shell:     conn.ShellPort,
		wire.Control:   conn.ControlPort,
		wire.IOPub:     conn.IOPubPort,
		wire.Stdin:     conn.StdinPort,
	}
	for _, ch := range wire.Channels {
		k.workers = append(k.workers, transport.New(transport.Options{
			Channel:    ch,
			Endpoint:   conn.Endpoint(ports[ch]),
			Factory:    factory,
			Codec:      k.codec,
			Relay:      k.relay,
			System:     k.system,
			OutboxSize: cfg.OutboxSize,
			Log:        opts.Log,
		}))
	}
	return k, nil
}

// KernelInfo is the static kernel_info_reply content of this build.
func KernelInfo() protocol.KernelInfo {
	return protocol.KernelInfo{
		Implementation:        Implementation,
		ImplementationVersion: Version,
		Banner:                "schnellkernel " + Version + " (expr)",
		HelpLinks: []map[string]string{
			{"text": "Expression language", "url": "https://expr-lang.org/docs/language-definition"},
		},
	}
}

// Session is the kernel's session id.
func (k *Kernel) Session() string { return k.builder.Session() }

// Comms is the registrar for comm targets.
func (k *Kernel) Comms() *comm.Registrar { return k.registrar }

// Backend returns the evaluation backend.
func (k *Kernel) Backend() engine.Backend { return k.backend }

func (k *Kernel) timeouts() protocol.Timeouts {
	return protocol.Timeouts{Execute: k.cfg.ExecuteTimeout(), Request: k.cfg.RequestTimeout()}
}

// Start binds every socket, starts the actors and announces "starting" on
// IOPub. Any bind failure aborts the start with a *transport.TransportError.
func (k *Kernel) Start(ctx context.Context) error {
	ctx, k.cancel = context.WithCancel(ctx)

	if k.history != nil {
		if _, err := k.history.StartSession(ctx, k.Session()); err != nil {
			k.log.Warn("History session not recorded: %v", err)
		}
	}

	// Workers outlive the group, so they get ctx rather than a group context.
	var g errgroup.Group
	for _, w := range k.workers {
		w := w
		g.Go(func() error { return w.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		k.stopWorkers(context.Background())
		return err
	}
	for _, w := range k.workers {
		if w.Channel() != wire.Heartbeat {
			k.relay.Register(relay.Outbound(w.Channel()), w)
		}
	}

	if err := k.comms.Spawn(ctx, k.system, mailboxSize); err != nil {
		return err
	}
	k.relay.Register(relay.RoleComm, k.comms)

	t := k.timeouts()
	for _, ch := range []wire.Channel{wire.Shell, wire.Control} {
		k.dispatchers = append(k.dispatchers, protocol.NewDispatcher(ch, k.handlers.RequestRoutes(t), k.relay, k.builder, k.opts.Log))
	}
	k.dispatchers = append(k.dispatchers, protocol.NewDispatcher(wire.Stdin, k.handlers.StdinRoutes(t), k.relay, k.builder, k.opts.Log))
	for _, d := range k.dispatchers {
		if err := d.Spawn(ctx, k.system, mailboxSize); err != nil {
			return err
		}
	}

	if addr := k.cfg.DiagnosticsAddr; addr != "" {
		components := map[string]*actor.HealthCheckable{}
		for _, w := range k.workers {
			components["recv-"+w.Channel().String()] = w.Health()
		}
		k.diag = diag.NewServer(diag.Options{
			Addr:       addr,
			Session:    k.Session(),
			Actors:     k.system,
			Components: components,
			Tasks:      k.tasks,
			Relay:      k.relay,
			Profiling:  k.log.GetLevel() == logger.LevelDebug,
			Log:        k.opts.Log,
		})
		if _, err := k.diag.Start(); err != nil {
			k.log.Warn("Diagnostics disabled: %v", err)
			k.diag = nil
		}
	}

	if k.opts.ConfigPath != "" {
		err := config.Watch(ctx, k.opts.ConfigPath, func(c *config.Config) {
			level := logger.ParseLevel(c.LogLevel)
			if level != k.log.GetLevel() {
				k.log.Info("Log level changed to %s", level)
				k.log.SetLevel(level)
			}
		})
		if err != nil {
			k.log.Warn("Config watch disabled: %v", err)
		}
	}

	protocol.PublishStatus(k.relay, k.builder, nil, "starting", k.opts.Log)
	k.log.Info("Kernel %s started (session %s)", Version, k.Session())
	return nil
}

// RequestShutdown asks Run to shut the kernel down. Only the first request counts.
func (k *Kernel) RequestShutdown(restart bool) {
	k.shutdownOnce.Do(func() {
		k.shutdownCh <- restart
	})
}

// Run starts the kernel and blocks until a shutdown is requested or ctx is
// done. It reports whether the front end asked for a restart.
func (k *Kernel) Run(ctx context.Context) (restart bool, err error) {
	if err := k.Start(ctx); err != nil {
		_ = k.Shutdown(context.Background())
		return false, err
	}

	select {
	case restart = <-k.shutdownCh:
		k.log.Info("Shutdown requested (restart=%v)", restart)
	case <-ctx.Done():
		k.log.Info("Shutting down: %v", context.Cause(ctx))
	}

	sctx, cancel := context.WithTimeout(context.Background(), k.cfg.ShutdownGrace()+5*time.Second)
	defer cancel()
	return restart, k.Shutdown(sctx)
}
