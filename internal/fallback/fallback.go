// Package fallback irrigates dry zones on its own while the node is
// offline.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
)

// Config holds fallback policy configuration
type Config struct {
	Threshold float64       // soil moisture %, a zone strictly below it is watered
	Duration  time.Duration // per-zone run length
}

// DefaultConfig returns default fallback configuration
func DefaultConfig() Config {
	return Config{
		Threshold: 20.0,
		Duration:  30 * time.Second,
	}
}

// Actuator is the subset of actuator.Actuator the controller needs.
type Actuator interface {
	Apply(cmd command.Command) (actuator.Outcome, error)
	Acquire(ctx context.Context, src command.Source) (func(), error)
	WaitIdle(ctx context.Context, zone int) error
}

// Result summarizes one fallback pass.
type Result struct {
	Watered []int
	Skipped []int // below threshold but busy or held by a remote run
	Unread  []int // probe never read, left alone
}

// Controller runs the local threshold policy.
type Controller struct {
	config   Config
	act      Actuator
	recorder command.Recorder
	log      *logger.Logger
}

// New creates a fallback controller.
func New(config Config, act Actuator, log *logger.Logger) *Controller {
	return &Controller{config: config, act: act, log: log}
}

// SetRecorder sets where local commands are recorded.
func (c *Controller) SetRecorder(r command.Recorder) {
	c.recorder = r
}

// Run visits every zone in order and waters each dry one for the
// configured duration, one zone at a time. The outputs are leased for the
// whole pass, so remote Starts wait until it ends.
func (c *Controller) Run(ctx context.Context, snap sensor.Snapshot) Result {
	var (
		res Result
		dry []int
	)
	for zone, moisture := range snap.Soil {
		if !c.Dry(moisture) {
			continue
		}
		if !snap.HasReading(zone) {
			res.Unread = append(res.Unread, zone)
			continue
		}
		dry = append(dry, zone)
	}
	if len(res.Unread) > 0 {
		c.log.Warnw("no soil reading yet, skipping zones", "zones", res.Unread)
	}
	if len(dry) == 0 {
		return res
	}

	release, err := c.act.Acquire(ctx, command.Local)
	if err != nil {
		c.log.Infow("outputs held, skipping local irrigation", "zones", dry, "err", err)
		if errors.Is(err, actuator.ErrHeld) {
			res.Skipped = append(res.Skipped, dry...)
		}
		return res
	}
	defer release()

	for _, zone := range dry {
		if ctx.Err() != nil {
			return res
		}

		cmd := command.Command{
			ID:       "local-" + uuid.New().String(),
			Action:   command.Start,
			Zone:     zone,
			Duration: c.config.Duration,
			Source:   command.Local,
		}
		c.log.Infow("local irrigation", "zone", zone, "moisture", snap.Soil[zone],
			"threshold", c.config.Threshold, "command", cmd.ID)

		if _, err := c.act.Apply(cmd); err != nil {
			if errors.Is(err, actuator.ErrZoneBusy) {
				c.log.Infow("zone busy, skipping local irrigation", "zone", zone)
				res.Skipped = append(res.Skipped, zone)
			} else {
				c.log.Warnw("local irrigation failed", "zone", zone, "err", err)
			}
			c.record(cmd, command.StatusRejected)
			continue
		}
		c.record(cmd, command.StatusApplied)
		res.Watered = append(res.Watered, zone)

		if err := c.act.WaitIdle(ctx, zone); err != nil {
			return res
		}
	}
	return res
}

// Dry reports whether moisture is strictly below the threshold.
func (c *Controller) Dry(moisture float64) bool {
	return moisture < c.config.Threshold
}

func (c *Controller) record(cmd command.Command, status command.Status) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordCommand(cmd, status); err != nil {
		c.log.Warnw("failed to record command", "command", cmd.ID, "err", err)
	}
}
