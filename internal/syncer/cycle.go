// Package syncer runs the periodic exchange with the backend: upload the
// latest readings, fetch pending commands, and hand over to the local
// fallback when the node is offline.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/fallback"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
)

// ErrNoCredential is returned by ReportCompletion when the node cannot
// authenticate.
var ErrNoCredential = errors.New("no valid credential")

// Client is the backend API used by the cycle.
type Client interface {
	UploadTelemetry(ctx context.Context, token string, t cloud.Telemetry) error
	FetchCommands(ctx context.Context, token, deviceID string) ([]cloud.RemoteCommand, error)
	AcknowledgeCommand(ctx context.Context, token, commandID string) error
}

// Session provides the bearer credential.
type Session interface {
	EnsureValid(ctx context.Context) error
	Credential() (string, bool)
	Expire()
}

// Link reports whether the network link is associated.
type Link interface {
	Up() bool
}

// Fallback is the local policy run while offline.
type Fallback interface {
	Run(ctx context.Context, snap sensor.Snapshot) fallback.Result
}

// Recorder persists cycle outcomes.
type Recorder interface {
	RecordCycle(o Outcome) error
}

// Recorders fans one outcome out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordCycle(o Outcome) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordCycle(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outcome summarizes one cycle.
type Outcome struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Online    bool          `json:"online"`
	Uploaded  bool          `json:"uploaded"`
	Fetched   bool          `json:"fetched"`
	Enqueued  int           `json:"enqueued"`
	Dropped   int           `json:"dropped"`
	Malformed int           `json:"malformed"`
	Watered   []int         `json:"watered,omitempty"` // zones irrigated by the fallback
}

// Config holds sync cycle configuration
type Config struct {
	DeviceID string
	Period   time.Duration
	Zones    int
}

// DefaultConfig returns default sync configuration
func DefaultConfig() Config {
	return Config{
		Period: time.Hour,
	}
}

// Cycle owns the node's network exchange.
type Cycle struct {
	config   Config
	client   Client
	session  Session
	link     Link
	cell     *sensor.Cell
	queue    *command.Queue
	fallback Fallback
	clock    clock.Clock
	log      *logger.Logger

	recorder Recorder
	commands command.Recorder

	mu   sync.Mutex
	last Outcome
}

// New creates a sync cycle.
func New(config Config, client Client, sess Session, link Link, cell *sensor.Cell,
	queue *command.Queue, fb Fallback, clk clock.Clock, log *logger.Logger) *Cycle {
	return &Cycle{
		config:   config,
		client:   client,
		session:  sess,
		link:     link,
		cell:     cell,
		queue:    queue,
		fallback: fb,
		clock:    clk,
		log:      log,
	}
}

// SetRecorder sets where cycle outcomes are persisted.
func (c *Cycle) SetRecorder(r Recorder) {
	c.recorder = r
}

// SetCommandRecorder sets where received and dropped commands are recorded.
func (c *Cycle) SetCommandRecorder(r command.Recorder) {
	c.commands = r
}

// Run executes one cycle immediately and then one per period until ctx is
// done.
func (c *Cycle) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := c.clock.NewTicker(c.config.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// Last returns the outcome of the most recent cycle.
func (c *Cycle) Last() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// RunOnce performs one cycle.
func (c *Cycle) RunOnce(ctx context.Context) Outcome {
	out := Outcome{Started: c.clock.Now()}

	token, online := c.connect(ctx)
	if !online {
		return c.offline(ctx, out)
	}

	if err := c.client.UploadTelemetry(ctx, token, c.telemetry(c.cell.Load())); err != nil {
		c.log.Warnw("telemetry upload failed", "err", err)
		if errors.Is(err, cloud.ErrUnauthorized) {
			c.session.Expire()
			if token, online = c.reauthenticate(ctx); !online {
				return c.offline(ctx, out)
			}
		}
	} else {
		out.Uploaded = true
	}
	out.Online = true

	c.fetch(ctx, token, &out)

	c.finish(out)
	return out
}

// offline finishes a cycle that has no usable credential or link.
func (c *Cycle) offline(ctx context.Context, out Outcome) Outcome {
	c.log.Infow("offline, running local fallback")
	res := c.fallback.Run(ctx, c.cell.Load())
	out.Watered = res.Watered
	c.finish(out)
	return out
}

func (c *Cycle) connect(ctx context.Context) (string, bool) {
	if !c.link.Up() {
		c.log.Infow("network link down")
		return "", false
	}
	if err := c.session.EnsureValid(ctx); err != nil {
		c.log.Warnw("authentication failed", "err", err)
		return "", false
	}
	return c.session.Credential()
}

func (c *Cycle) reauthenticate(ctx context.Context) (string, bool) {
	if err := c.session.EnsureValid(ctx); err != nil {
		c.log.Warnw("re-authentication failed", "err", err)
		return "", false
	}
	return c.session.Credential()
}

func (c *Cycle) fetch(ctx context.Context, token string, out *Outcome) {
	remote, err := c.client.FetchCommands(ctx, token, c.config.DeviceID)
	if err != nil {
		c.log.Warnw("command fetch failed", "err", err)
		if errors.Is(err, cloud.ErrUnauthorized) {
			c.session.Expire()
		}
		return
	}
	out.Fetched = true

	for _, rc := range remote {
		cmd, err := c.toCommand(rc)
		if err != nil {
			c.log.Warnw("dropping malformed command", "command", rc.CommandID, "err", err)
			out.Malformed++
			c.record(cmd, command.StatusMalformed)
			continue
		}
		c.record(cmd, command.StatusReceived)
		if !c.queue.TryEnqueue(cmd) {
			c.log.Warnw("command queue full, dropping command", "command", cmd.ID,
				"capacity", c.queue.Cap())
			out.Dropped++
			c.record(cmd, command.StatusDropped)
			continue
		}
		out.Enqueued++
	}
}

func (c *Cycle) toCommand(rc cloud.RemoteCommand) (command.Command, error) {
	cmd := command.Command{
		ID:       rc.CommandID,
		Zone:     rc.ZoneID,
		Duration: time.Duration(rc.Params.Duration) * time.Second,
		Source:   command.Remote,
	}
	action, err := command.ParseAction(rc.Action)
	if err != nil {
		return cmd, fmt.Errorf("command %s: %w", rc.CommandID, err)
	}
	cmd.Action = action
	if err := cmd.Validate(c.config.Zones); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func (c *Cycle) telemetry(snap sensor.Snapshot) cloud.Telemetry {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	t := cloud.Telemetry{
		DeviceID:  c.config.DeviceID,
		Timestamp: ts.UnixMilli(),
		Global: cloud.GlobalReading{
			Temp:     snap.Temperature,
			Pressure: snap.Pressure,
		},
		Locals: make([]cloud.LocalReading, len(snap.Soil)),
	}
	for i, m := range snap.Soil {
		t.Locals[i] = cloud.LocalReading{
			SensorID:     i,
			SoilMoisture: m,
			Temp:         snap.Temperature,
			Humidity:     snap.Humidity,
		}
	}
	return t
}

func (c *Cycle) finish(out Outcome) {
	out.Duration = c.clock.Now().Sub(out.Started)

	c.mu.Lock()
	c.last = out
	c.mu.Unlock()

	c.log.Infow("sync cycle finished", "online", out.Online, "uploaded", out.Uploaded,
		"fetched", out.Fetched, "enqueued", out.Enqueued, "dropped", out.Dropped)

	if c.recorder != nil {
		if err := c.recorder.RecordCycle(out); err != nil {
			c.log.Warnw("failed to record sync cycle", "err", err)
		}
	}
}

func (c *Cycle) record(cmd command.Command, status command.Status) {
	if c.commands == nil {
		return
	}
	if err := c.commands.RecordCommand(cmd, status); err != nil {
		c.log.Warnw("failed to record command", "command", cmd.ID, "err", err)
	}
}

// ReportCompletion acknowledges an executed command. It authenticates
// once if the session has lapsed since the last cycle.
func (c *Cycle) ReportCompletion(ctx context.Context, commandID string) error {
	if !c.link.Up() {
		return fmt.Errorf("report %s: network link down", commandID)
	}
	if err := c.session.EnsureValid(ctx); err != nil {
		return fmt.Errorf("report %s: %w", commandID, err)
	}
	token, ok := c.session.Credential()
	if !ok {
		return fmt.Errorf("report %s: %w", commandID, ErrNoCredential)
	}

	if err := c.client.AcknowledgeCommand(ctx, token, commandID); err != nil {
		if errors.Is(err, cloud.ErrUnauthorized) {
			c.session.Expire()
		}
		return fmt.Errorf("report %s: %w", commandID, err)
	}
	c.log.Infow("command acknowledged", "command", commandID)
	return nil
}
