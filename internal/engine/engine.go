// Package engine assembles the irrigation node: hardware, sampler, sync
// cycle, executor, journal and the local status surface.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/config"
	"github.com/agsys/irrigation-node/internal/fallback"
	"github.com/agsys/irrigation-node/internal/hal"
	"github.com/agsys/irrigation-node/internal/link"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/notify"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/session"
	"github.com/agsys/irrigation-node/internal/status"
	"github.com/agsys/irrigation-node/internal/storage"
	"github.com/agsys/irrigation-node/internal/syncer"
)

const pruneInterval = 24 * time.Hour

// Option overrides a dependency, mainly for tests.
type Option func(*Engine)

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithBoard replaces the board selected by hardware.driver.
func WithBoard(b hal.Board) Option {
	return func(e *Engine) { e.board = b }
}

// WithLink replaces the network interface check.
func WithLink(l link.Checker) Option {
	return func(e *Engine) { e.link = l }
}

// Engine owns every long-running component of the node.
type Engine struct {
	config *config.Config
	clock  clock.Clock
	log    *logger.Logger

	board    hal.Board
	link     link.Checker
	db       *storage.DB // nil when database.path is empty
	metrics  *metrics.Metrics
	queue    *command.Queue
	act      *actuator.Actuator
	cell     *sensor.Cell
	sampler  *sensor.Sampler
	session  *session.Session
	cycle    *syncer.Cycle
	executor *actuator.Executor
	status   *status.Server
	mqtt     *notify.Publisher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine from a validated configuration. Outputs are
// driven off before New returns.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{config: cfg, log: log, clock: clock.Real()}
	for _, opt := range opts {
		opt(e)
	}
	zones := len(cfg.Zones)

	if e.board == nil {
		hw := hal.Config{Driver: cfg.Hardware.Driver, PumpPin: cfg.Actuator.PumpPin}
		for _, z := range cfg.Zones {
			hw.ValvePins = append(hw.ValvePins, z.ValvePin)
			hw.MoistureChannels = append(hw.MoistureChannels, z.MoistureChannel)
		}
		board, err := hal.Open(hw, log.Named("hal"))
		if err != nil {
			return nil, fmt.Errorf("failed to open hardware: %w", err)
		}
		e.board = board
	}
	if e.link == nil {
		e.link = link.New(cfg.Network.Interface)
	}

	if cfg.Database.Path != "" {
		db, err := storage.Open(cfg.Database.Path)
		if err != nil {
			e.board.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		e.db = db
	}

	e.metrics = metrics.New()
	e.queue = command.NewQueue(cfg.Actuator.QueueCapacity, e.clock)
	e.metrics.QueueDepth(e.queue)

	e.act = actuator.New(actuator.Config{PumpFollowsZones: cfg.Actuator.PumpFollowsZones},
		zones, e.board, e.clock, log.Named("actuator"))

	commands := command.Recorders{e.metrics}
	snapshots := sensor.Recorders{e.metrics}
	cycles := syncer.Recorders{e.metrics}
	if e.db != nil {
		commands = append(commands, e.db)
		snapshots = append(snapshots, e.db)
		cycles = append(cycles, e.db)
		e.act.AddObserver(e.db.ZoneObserver(log.Named("journal")))
	}
	e.act.AddObserver(e.metrics)

	e.cell = sensor.NewCell(zones)
	e.sampler = sensor.NewSampler(sensor.Config{
		Period: cfg.SensorPeriod(),
		RawMin: cfg.Sensors.MoistureRawMin,
		RawMax: cfg.Sensors.MoistureRawMax,
	}, e.board.Environment(), e.board.Probes(), e.cell, e.clock, log.Named("sensor"))
	e.sampler.SetRecorder(snapshots)
	e.sampler.SetErrorHook(e.metrics.SensorError)

	client := cloud.New(cloud.Config{BaseURL: cfg.Server.BaseURL, HTTPTimeout: cfg.HTTPTimeout()})
	e.session = session.New(cfg.Device.ID, cfg.Device.FirmwareVersion, client, e.clock, log.Named("session"))

	fb := fallback.New(fallback.Config{
		Threshold: cfg.Fallback.Threshold,
		Duration:  cfg.FallbackDuration(),
	}, e.act, log.Named("fallback"))
	fb.SetRecorder(commands)

	e.cycle = syncer.New(syncer.Config{
		DeviceID: cfg.Device.ID,
		Period:   cfg.SyncPeriod(),
		Zones:    zones,
	}, client, e.session, e.link, e.cell, e.queue, fb, e.clock, log.Named("sync"))
	e.cycle.SetRecorder(cycles)
	e.cycle.SetCommandRecorder(commands)

	e.executor = actuator.NewExecutor(e.queue, e.act, e.cycle, cfg.DequeueTimeout(), log.Named("executor"))
	e.executor.SetRecorder(commands)

	if cfg.Status.Listen != "" {
		src := status.Sources{
			Actuator: e.act,
			Cell:     e.cell,
			Cycle:    e.cycle,
			Queue:    e.queue,
			Session:  e.session,
			Metrics:  e.metrics.Handler(),
		}
		if e.db != nil {
			src.Journal = e.db
		}
		e.status = status.New(status.Config{Listen: cfg.Status.Listen, DeviceID: cfg.Device.ID},
			src, e.clock, log.Named("status"))
		e.act.AddObserver(e.status.Hub())
	}

	return e, nil
}

// Start waits for the network link, then launches the sampler, executor,
// sync cycle and status server. It returns once they are running.
func (e *Engine) Start(ctx context.Context) error {
	if e.cancel != nil {
		return fmt.Errorf("engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// The first cycle uploads and decides on real readings.
	e.sampler.Sample()

	if err := link.WaitUp(ctx, e.link, e.config.JoinTimeout(), e.log.Named("link")); err != nil {
		e.log.Warnw("network link not up, starting offline", "err", err)
	}

	if e.config.MQTT.Broker != "" {
		clientID := e.config.MQTT.ClientID
		if clientID == "" {
			clientID = "irrigation-" + e.config.Device.ID
		}
		pub, err := notify.Connect(notify.Config{
			Broker:      e.config.MQTT.Broker,
			ClientID:    clientID,
			TopicPrefix: e.config.MQTT.TopicPrefix,
		}, e.config.Device.ID, e.log.Named("mqtt"))
		if err != nil {
			e.log.Warnw("mqtt unavailable, zone events not mirrored", "broker", e.config.MQTT.Broker, "err", err)
		} else {
			e.mqtt = pub
			e.act.AddObserver(pub)
		}
	}

	e.goRun(func() { e.sampler.Run(ctx) })
	e.goRun(func() { e.executor.Run(ctx) })
	e.goRun(func() { e.cycle.Run(ctx) })

	if e.status != nil {
		e.goRun(func() {
			if err := e.status.Run(ctx); err != nil {
				e.log.Errorw("status server failed", "err", err)
			}
		})
	}
	if e.db != nil && e.config.Retention() > 0 {
		e.goRun(func() { e.pruneLoop(ctx) })
	}

	e.log.Infow("engine started", "device", e.config.Device.ID, "zones", len(e.config.Zones))
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels every loop, waits for them, and drives all outputs off.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.act.Close()

	if e.mqtt != nil {
		e.mqtt.Close()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Warnw("error closing database", "err", err)
		}
	}
	if err := e.board.Close(); err != nil {
		e.log.Warnw("error closing hardware", "err", err)
	}

	e.log.Infow("engine stopped")
	return nil
}

// pruneLoop trims the journal to the configured retention once a day.
func (e *Engine) pruneLoop(ctx context.Context) {
	e.prune()

	ticker := e.clock.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.prune()
		}
	}
}

func (e *Engine) prune() {
	before := e.clock.Now().Add(-e.config.Retention())
	n, err := e.db.Prune(before)
	if err != nil {
		e.log.Warnw("journal prune failed", "err", err)
		return
	}
	if n > 0 {
		e.log.Infow("journal pruned", "rows", n, "before", before)
	}
}

// Actuator returns the output owner.
func (e *Engine) Actuator() *actuator.Actuator { return e.act }

// Cycle returns the sync cycle.
func (e *Engine) Cycle() *syncer.Cycle { return e.cycle }

// Snapshot returns the latest sampling pass.
func (e *Engine) Snapshot() sensor.Snapshot { return e.cell.Load() }
