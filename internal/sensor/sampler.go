package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/logger"
)

// Environment is one reading of the bus-attached environmental sensor.
type Environment struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
}

// EnvSensor reads temperature, humidity and pressure.
type EnvSensor interface {
	ReadEnvironment() (Environment, error)
}

// MoistureProbe reads the raw analog value of one zone's soil probe.
type MoistureProbe interface {
	ReadRaw() (int, error)
}

// Recorder persists sampling passes.
type Recorder interface {
	RecordSnapshot(s Snapshot) error
}

// Recorders fans one pass out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordSnapshot(s Snapshot) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordSnapshot(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds sampler configuration
type Config struct {
	Period time.Duration
	RawMin int // raw value mapped to 0 %
	RawMax int // raw value mapped to 100 %
}

// DefaultConfig returns default sampler configuration
func DefaultConfig() Config {
	return Config{
		Period: 30 * time.Second,
		RawMin: 0,
		RawMax: 4095,
	}
}

// Sampler is the only writer of the snapshot cell.
type Sampler struct {
	config   Config
	env      EnvSensor
	probes   []MoistureProbe
	cell     *Cell
	clock    clock.Clock
	log      *logger.Logger
	recorder Recorder
	onError  func(source string)

	last      Snapshot
	envDown   bool
	probeDown []bool
}

// NewSampler creates a sampler for len(probes) zones. env may be nil when
// the environmental sensor was not detected at boot; the environment
// fields then keep their defaults.
func NewSampler(config Config, env EnvSensor, probes []MoistureProbe, cell *Cell, clk clock.Clock, log *logger.Logger) *Sampler {
	s := &Sampler{
		config:    config,
		env:       env,
		probes:    probes,
		cell:      cell,
		clock:     clk,
		log:       log,
		last:      cell.Load(),
		probeDown: make([]bool, len(probes)),
	}
	if env == nil {
		log.Warnw("environmental sensor unavailable, keeping default readings")
		s.envDown = true
	}
	return s
}

// SetRecorder sets where sampling passes are persisted.
func (s *Sampler) SetRecorder(r Recorder) {
	s.recorder = r
}

// SetErrorHook sets a callback invoked on every failed read.
func (s *Sampler) SetErrorHook(fn func(source string)) {
	s.onError = fn
}

// Run samples immediately and then once per period until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	s.Sample()

	ticker := s.clock.NewTicker(s.config.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample performs one pass and publishes it.
func (s *Sampler) Sample() Snapshot {
	next := &Snapshot{
		Temperature: s.last.Temperature,
		Humidity:    s.last.Humidity,
		Pressure:    s.last.Pressure,
		Soil:        make([]float64, len(s.probes)),
		Timestamp:   s.clock.Now(),
		Seq:         s.last.Seq + 1,
	}
	copy(next.Soil, s.last.Soil)
	if s.last.Unread != nil {
		next.Unread = make([]bool, len(s.probes))
		copy(next.Unread, s.last.Unread)
	}

	if s.env != nil {
		e, err := s.env.ReadEnvironment()
		if err != nil {
			s.failed("environment", &s.envDown, err)
		} else {
			s.recovered("environment", &s.envDown)
			next.Temperature = e.Temperature
			next.Humidity = e.Humidity
			next.Pressure = e.Pressure
		}
	}

	for i, p := range s.probes {
		raw, err := p.ReadRaw()
		source := fmt.Sprintf("soil%d", i)
		if err != nil {
			s.failed(source, &s.probeDown[i], err)
			continue
		}
		s.recovered(source, &s.probeDown[i])
		next.Soil[i] = MoisturePercent(raw, s.config.RawMin, s.config.RawMax)
		if next.Unread != nil {
			next.Unread[i] = false
		}
	}
	if next.Unread != nil && !anyTrue(next.Unread) {
		next.Unread = nil
	}

	s.cell.Store(next)
	s.last = *next

	s.log.Debugw("sampled", "seq", next.Seq, "temp", next.Temperature,
		"humidity", next.Humidity, "soil", next.Soil)

	if s.recorder != nil {
		if err := s.recorder.RecordSnapshot(*next); err != nil {
			s.log.Warnw("failed to record snapshot", "err", err)
		}
	}
	return *next
}

func anyTrue(bs []bool) bool {
	for _, b := range bs {
		if b {
			return true
		}
	}
	return false
}

func (s *Sampler) failed(source string, down *bool, err error) {
	if s.onError != nil {
		s.onError(source)
	}
	if *down {
		return
	}
	*down = true
	s.log.Warnw("sensor read failed, keeping previous value", "sensor", source, "err", err)
}

func (s *Sampler) recovered(source string, down *bool) {
	if !*down {
		return
	}
	*down = false
	s.log.Infow("sensor read recovered", "sensor", source)
}

// MoisturePercent maps raw linearly from [rawMin, rawMax] to [0, 100],
// clamping values outside the range.
func MoisturePercent(raw, rawMin, rawMax int) float64 {
	if rawMax <= rawMin {
		return 0
	}
	pct := float64(raw-rawMin) * 100 / float64(rawMax-rawMin)
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
