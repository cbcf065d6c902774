// Package engine assembles the node runtime: configuration, metrics,
// application state, the packet fabric with its configured transports,
// the RPC endpoints, the telemetry logger, and the task scheduler. The
// engine owns startup order and stops everything in reverse.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/emberline/nodecore/appstate"
	"github.com/emberline/nodecore/config"
	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/fabric"
	"github.com/emberline/nodecore/health"
	"github.com/emberline/nodecore/kvstore"
	"github.com/emberline/nodecore/metric"
	"github.com/emberline/nodecore/pkg/blocklog"
	"github.com/emberline/nodecore/pkg/worker"
	"github.com/emberline/nodecore/rpc"
	"github.com/emberline/nodecore/schedule"
	"github.com/emberline/nodecore/tdf"
	"github.com/emberline/nodecore/transport/natsif"
	"github.com/emberline/nodecore/transport/udpif"
	"github.com/emberline/nodecore/transport/wsif"
)

// BatteryReader samples the battery state of charge in percent. The
// default reader reports a full battery.
type BatteryReader func() uint8

// Option configures the engine assembly.
type Option func(*Engine)

// WithLogger overrides the logger built from the config's logging
// section.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithBatteryReader supplies the platform battery gauge.
func WithBatteryReader(r BatteryReader) Option {
	return func(e *Engine) { e.battery = r }
}

// WithCipher sets the cipher bound to every configured interface.
func WithCipher(c fabric.Cipher) Option {
	return func(e *Engine) { e.cipher = c }
}

// transport is the common lifecycle shape of the interface drivers.
type transport interface {
	Name() string
	Start() error
	Stop(timeout time.Duration) error
}

// Engine is the assembled node runtime.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.Registry
	metrics  *metric.Server
	states   *appstate.Registry
	fab      *fabric.Fabric
	queue    *worker.Queue
	monitor  *health.Monitor

	nc         *nats.Conn
	store      kvstore.Store
	boot       kvstore.BootInfo
	transports []transport

	server *rpc.Server
	client *rpc.Client
	blocks *blocklog.Ring
	tlog   *tdf.Logger
	sched  *schedule.Scheduler

	battery BatteryReader
	cipher  fabric.Cipher

	mu        sync.Mutex
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
	running   bool
}

// New assembles the runtime from a validated configuration and the
// application's task set. Nothing is started yet.
func New(cfg *config.Config, tasks map[uint8]schedule.Task, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil config"), "engine", "New", "argument check")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		battery: func() uint8 { return 100 },
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = buildLogger(cfg.Logging)
	}
	e.logger = e.logger.With("node", cfg.Node.Name)

	e.registry = metric.NewRegistry()
	if m := cfg.Metrics; m != nil {
		e.metrics = metric.NewServer(m.Port, m.Path, e.registry)
	}
	e.states = appstate.New(e.logger)

	fab, err := fabric.New(fabric.Config{
		TxBuffers:    cfg.Fabric.TxPoolCount,
		RxBuffers:    cfg.Fabric.RxPoolCount,
		BufferSize:   cfg.Fabric.BufSize,
		ClaimTimeout: 100 * time.Millisecond,
	}, e.logger, e.registry.Core)
	if err != nil {
		return nil, err
	}
	e.fab = fab

	queue, err := worker.NewQueue(cfg.RPC.WorkerQueueLen,
		worker.WithMetrics(e.registry, "engine"))
	if err != nil {
		return nil, err
	}
	e.queue = queue

	if err := e.buildTransports(); err != nil {
		return nil, err
	}
	if err := e.buildStore(); err != nil {
		return nil, err
	}
	if err := e.buildRPC(); err != nil {
		return nil, err
	}
	if err := e.buildTelemetry(); err != nil {
		return nil, err
	}
	if err := e.buildScheduler(tasks); err != nil {
		return nil, err
	}

	e.monitor.Register(func() health.Status {
		if e.fab.TxPool().Available() == 0 {
			return health.Degraded("fabric", "tx pool exhausted")
		}
		return health.Healthy("fabric")
	})
	return e, nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func (e *Engine) buildTransports() error {
	if udp := e.cfg.Transport.UDP; udp != nil {
		drv, err := udpif.New(e.fab, udpif.Config{
			Name:       "udp",
			ListenAddr: udp.ListenAddr,
			DeviceID:   e.cfg.Node.DeviceID,
			MTU:        udp.MTU,
			Peers:      udp.Peers,
		}, e.cipher, e.logger)
		if err != nil {
			return err
		}
		e.transports = append(e.transports, drv)
	}

	if n := e.cfg.Transport.NATS; n != nil {
		nc, err := nats.Connect(n.URL,
			nats.Name(e.cfg.Node.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return errors.WrapTransient(err, "engine", "buildTransports", "nats connect")
		}
		e.nc = nc

		drv, err := natsif.New(e.fab, nc, natsif.Config{
			Name:          "nats",
			SubjectPrefix: n.SubjectPrefix,
			DeviceID:      e.cfg.Node.DeviceID,
			MTU:           n.MTU,
		}, e.cipher, e.logger)
		if err != nil {
			return err
		}
		e.transports = append(e.transports, drv)
		e.monitor.Register(func() health.Status {
			if !nc.IsConnected() {
				return health.Unhealthy("nats", "disconnected")
			}
			return health.Healthy("nats")
		})
	}

	if ws := e.cfg.Transport.WS; ws != nil {
		drv, err := wsif.New(e.fab, wsif.Config{
			Name:              "uplink",
			URL:               ws.URL,
			DeviceID:          e.cfg.Node.DeviceID,
			MTU:               ws.MTU,
			ReconnectInterval: ws.ReconnectInterval,
		}, e.cipher, e.logger)
		if err != nil {
			return err
		}
		e.transports = append(e.transports, drv)
		e.monitor.Register(func() health.Status {
			if drv.MaxPacketSize() == 0 {
				return health.Degraded("uplink", "link down")
			}
			return health.Healthy("uplink")
		})
	}
	return nil
}

func (e *Engine) buildStore() error {
	switch e.cfg.Store.Backend {
	case "jetstream":
		js, err := jetstream.New(e.nc)
		if err != nil {
			return errors.WrapTransient(err, "engine", "buildStore", "jetstream context")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: e.cfg.Store.Bucket,
		})
		if err != nil {
			return errors.WrapTransient(err, "engine", "buildStore", "kv bucket "+e.cfg.Store.Bucket)
		}
		e.store = kvstore.NewJetStream(bucket).WithLogger(e.logger)
	default:
		e.store = kvstore.NewMemory()
	}
	return nil
}

// primaryInterface picks the interface RPC binds to: the first
// configured transport wins.
func (e *Engine) primaryInterface() (*fabric.Interface, error) {
	ifcs := e.fab.Interfaces()
	if len(ifcs) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no transport configured"), "engine", "primaryInterface", "interface lookup")
	}
	return ifcs[0], nil
}

func (e *Engine) buildRPC() error {
	ifc, err := e.primaryInterface()
	if err != nil {
		// RPC is optional on nodes without transports (bench setups).
		e.logger.Warn("rpc disabled", "reason", err)
		return nil
	}

	srv, err := rpc.NewServer(ifc,
		rpc.WithServerLogger(e.logger),
		rpc.WithServerMetrics(e.registry.Core),
		rpc.WithServerRateLimit(e.cfg.Fabric.RateLimitBps))
	if err != nil {
		return err
	}
	e.server = srv

	if e.cfg.RPC.GatewayDeviceID != 0 {
		e.client = rpc.NewClient(ifc, fabric.DeviceAddress(e.cfg.RPC.GatewayDeviceID),
			rpc.WithClientLogger(e.logger),
			rpc.WithClientMetrics(e.registry.Core),
			rpc.WithClientRateLimit(e.cfg.Fabric.RateLimitBps))
	}
	return nil
}

func (e *Engine) buildTelemetry() error {
	blocks, err := blocklog.New(
		e.cfg.Telemetry.BlockLogCapacity,
		e.cfg.Telemetry.BlockSize,
		blocklog.WithMetrics(e.registry, "telemetry"))
	if err != nil {
		return err
	}
	e.blocks = blocks

	opts := []tdf.LoggerOption{
		tdf.WithLoggerLog(e.logger),
		tdf.WithBlockSink(blocks),
	}
	if ifc, err := e.primaryInterface(); err == nil {
		opts = append(opts, tdf.WithFabricSink(ifc))
	}
	e.tlog = tdf.NewLogger(e.cfg.Telemetry.BufferSize, opts...)
	return nil
}

func (e *Engine) buildScheduler(tasks map[uint8]schedule.Task) error {
	entries, err := e.cfg.ScheduleEntries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	sched, err := schedule.New(entries, tasks, e.states, e, e.queue,
		schedule.WithLogger(e.logger),
		schedule.WithMetrics(e.registry.Core))
	if err != nil {
		return err
	}
	e.sched = sched
	return nil
}

// Environment implements schedule.EnvironmentProvider.
func (e *Engine) Environment() schedule.Environment {
	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()

	var uptime uint64
	if !started.IsZero() {
		uptime = uint64(time.Since(started) / time.Second)
	}
	return schedule.Environment{
		UptimeS:    uptime,
		EpochS:     uint64(time.Now().Unix()),
		BatterySoC: e.battery(),
	}
}

// Start brings the runtime up: worker queue, transports, the RPC
// server, the scheduler loop, and the 1 Hz state tick. A raised
// Rebooting state shuts the engine down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	e.mu.Lock()
	e.cancel = cancel
	e.group = group
	e.mu.Unlock()

	if err := e.queue.Start(runCtx); err != nil {
		cancel()
		return err
	}

	boot, err := kvstore.RecordBoot(runCtx, e.store)
	if err != nil {
		// Persisted boot bookkeeping must not block bring-up.
		e.logger.Warn("boot record failed", "error", err)
	} else {
		e.boot = boot
		e.logger.Info("boot recorded", "count", boot.Count, "session", boot.Session)
	}

	for _, tr := range e.transports {
		if err := tr.Start(); err != nil {
			cancel()
			return errors.Wrap(err, "engine", "Start", "transport "+tr.Name())
		}
	}

	if e.server != nil {
		if err := e.server.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	// Reboot requests drain through context cancellation.
	e.states.RegisterCallback(&rebootWatch{cancel: cancel, logger: e.logger})

	if e.metrics != nil {
		// The exposition server outlives the run context; Stop shuts
		// it down explicitly.
		go func() {
			if err := e.metrics.Start(); err != nil {
				e.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if e.sched != nil {
		group.Go(func() error { return e.sched.Run(groupCtx) })
	}
	group.Go(func() error { return e.tickStates(groupCtx) })

	e.logger.Info("engine started",
		"device_id", e.cfg.Node.DeviceID, "transports", len(e.transports))
	return nil
}

// tickStates drives the registry timeout countdowns at 1 Hz.
func (e *Engine) tickStates(ctx context.Context) error {
	var snap appstate.Snapshot
	e.states.Snapshot(&snap)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.states.Tick(&snap)
			e.states.Snapshot(&snap)
		}
	}
}

// rebootWatch cancels the run context when Rebooting is raised.
type rebootWatch struct {
	cancel context.CancelFunc
	logger *slog.Logger
}

func (w *rebootWatch) StateSet(id uint8, wasAlready bool, _ uint32) {
	if id == appstate.Rebooting && !wasAlready {
		w.logger.Warn("reboot requested, shutting down")
		w.cancel()
	}
}

func (w *rebootWatch) StateCleared(uint8) {}

// Wait blocks until the background loops exit, returning the first
// error other than context cancellation.
func (e *Engine) Wait() error {
	e.mu.Lock()
	group := e.group
	e.mu.Unlock()
	if group == nil {
		return errors.ErrNotStarted
	}
	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Stop shuts the runtime down in reverse start order.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.ErrNotStarted
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = e.Wait()

	var firstErr error
	if e.tlog != nil {
		if err := e.tlog.Flush(tdf.DestFabric | tdf.DestBlock); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.client != nil {
		e.client.Cleanup()
	}
	if e.server != nil {
		if err := e.server.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(e.transports) - 1; i >= 0; i-- {
		if err := e.transports[i].Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.nc != nil {
		e.nc.Close()
	}
	if e.metrics != nil {
		if err := e.metrics.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.queue.Stop(timeout); err != nil && firstErr == nil {
		firstErr = err
	}

	e.logger.Info("engine stopped")
	return firstErr
}

// States exposes the application-state registry.
func (e *Engine) States() *appstate.Registry { return e.states }

// Fabric exposes the packet fabric.
func (e *Engine) Fabric() *fabric.Fabric { return e.fab }

// Server returns the RPC server, nil when no transport is configured.
func (e *Engine) Server() *rpc.Server { return e.server }

// Client returns the gateway RPC client, nil unless configured.
func (e *Engine) Client() *rpc.Client { return e.client }

// Telemetry returns the TDF logger.
func (e *Engine) Telemetry() *tdf.Logger { return e.tlog }

// Blocks returns the retained telemetry block ring.
func (e *Engine) Blocks() *blocklog.Ring { return e.blocks }

// Store returns the persisted-state store.
func (e *Engine) Store() kvstore.Store { return e.store }

// Boot returns the boot bookkeeping recorded during Start.
func (e *Engine) Boot() kvstore.BootInfo { return e.boot }

// Metrics returns the metric registry.
func (e *Engine) Metrics() *metric.Registry { return e.registry }

// Health returns the aggregated node status.
func (e *Engine) Health() health.Status { return e.monitor.Overall() }

// Monitor exposes the probe registry for application components.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// RequestReboot raises the Rebooting state, draining the scheduler and
// stopping the engine loops.
func (e *Engine) RequestReboot() { e.states.Set(appstate.Rebooting) }
