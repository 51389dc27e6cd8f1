// Package actuator owns the pump and valve outputs. Every actuation,
// remote or local, goes through Actuator.Apply.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/logger"
)

var (
	ErrZoneBusy    = errors.New("zone already irrigating")
	ErrUnknownZone = errors.New("unknown zone")
	ErrHeld        = errors.New("outputs held by another controller")
)

// Outputs drives the physical lines.
type Outputs interface {
	SetPump(on bool) error
	SetValve(zone int, open bool) error
}

// ZoneState is a zone's logical state.
type ZoneState int

const (
	Idle ZoneState = iota
	Irrigating
)

func (s ZoneState) String() string {
	if s == Irrigating {
		return "irrigating"
	}
	return "idle"
}

// Reasons carried by ZoneEvent.
const (
	ReasonStart    = "start"
	ReasonStop     = "stop"
	ReasonTimer    = "timer"
	ReasonShutdown = "shutdown"
)

// ZoneEvent describes one change of a zone or of the pump. Seq numbers
// events in the order the transitions happened.
type ZoneEvent struct {
	Seq       uint64
	Zone      int
	State     ZoneState
	Pump      bool
	CommandID string
	Source    command.Source
	Reason    string
	At        time.Time
}

// Observer is told about every transition, outside the actuator lock and
// in Seq order. Observers must not call Apply.
type Observer interface {
	ZoneChanged(ev ZoneEvent)
}

// Outcome describes an accepted command.
type Outcome struct {
	// Deferred is set for a timed Start: the command completes when the
	// run ends and is then delivered on Completions.
	Deferred bool
	Until    time.Time
}

// Config holds actuator configuration
type Config struct {
	// PumpFollowsZones makes Stop release the pump only when no zone is
	// irrigating. When false, Stop always releases the pump.
	PumpFollowsZones bool
}

// ZoneStatus is a point-in-time view of one zone.
type ZoneStatus struct {
	Zone      int       `json:"zone"`
	State     string    `json:"state"`
	CommandID string    `json:"command_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
}

// Status is a point-in-time view of all outputs.
type Status struct {
	Pump  bool         `json:"pump"`
	Zones []ZoneStatus `json:"zones"`
}

type zone struct {
	state ZoneState
	run   uint64
	cmd   command.Command
	since time.Time
	until time.Time
	timer *clock.Timer
	idle  chan struct{} // closed when the current run ends
}

type lease struct {
	source   command.Source
	released chan struct{}
}

// Actuator serializes all access to the outputs.
type Actuator struct {
	config  Config
	outputs Outputs
	clock   clock.Clock
	log     *logger.Logger

	mu        sync.Mutex
	zones     []zone
	pump      bool
	runs      uint64
	seq       uint64
	lease     *lease
	observers []Observer

	pubMu     sync.Mutex
	delivered uint64
	pending   []ZoneEvent

	completions chan command.Command
}

// New creates an actuator for zones zones and drives every output off.
func New(config Config, zones int, outputs Outputs, clk clock.Clock, log *logger.Logger) *Actuator {
	a := &Actuator{
		config:      config,
		outputs:     outputs,
		clock:       clk,
		log:         log,
		zones:       make([]zone, zones),
		completions: make(chan command.Command, 2*zones+2),
	}
	for i := range a.zones {
		a.setValve(i, false)
	}
	a.setPump(false)
	return a
}

// AddObserver registers o. Call before the actuator is used.
func (a *Actuator) AddObserver(o Observer) {
	a.mu.Lock()
	a.observers = append(a.observers, o)
	a.mu.Unlock()
}

// Completions delivers remote timed Starts when their run ends.
func (a *Actuator) Completions() <-chan command.Command {
	return a.completions
}

// Zones returns the number of zones.
func (a *Actuator) Zones() int { return len(a.zones) }

// Apply executes cmd.
func (a *Actuator) Apply(cmd command.Command) (Outcome, error) {
	a.mu.Lock()
	if cmd.Zone < 0 || cmd.Zone >= len(a.zones) {
		a.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %d", ErrUnknownZone, cmd.Zone)
	}

	var (
		out    Outcome
		events []ZoneEvent
		done   []command.Command
		err    error
	)
	switch cmd.Action {
	case command.Start:
		out, events, err = a.startLocked(cmd)
	case command.Stop:
		events, done = a.stopLocked(cmd)
	default:
		err = fmt.Errorf("unsupported action %v", cmd.Action)
	}
	observers := a.observers
	a.mu.Unlock()

	a.publish(observers, events)
	a.complete(done)
	return out, err
}

func (a *Actuator) startLocked(cmd command.Command) (Outcome, []ZoneEvent, error) {
	z := &a.zones[cmd.Zone]
	if z.state == Irrigating {
		return Outcome{}, nil, fmt.Errorf("%w: zone %d", ErrZoneBusy, cmd.Zone)
	}
	if a.lease != nil && a.lease.source != cmd.Source {
		return Outcome{}, nil, fmt.Errorf("%w: %s", ErrHeld, a.lease.source)
	}

	now := a.clock.Now()
	a.setPump(true)
	a.setValve(cmd.Zone, true)

	a.runs++
	z.state = Irrigating
	z.run = a.runs
	z.cmd = cmd
	z.since = now
	z.until = time.Time{}
	z.idle = make(chan struct{})

	var out Outcome
	if cmd.Duration > 0 {
		run, zi := z.run, cmd.Zone
		z.until = now.Add(cmd.Duration)
		z.timer = a.clock.AfterFunc(cmd.Duration, func() { a.expire(zi, run) })
		out = Outcome{Deferred: true, Until: z.until}
	}

	a.log.Infow("zone opened", "zone", cmd.Zone, "command", cmd.ID,
		"source", cmd.Source, "duration", cmd.Duration)

	return out, []ZoneEvent{a.eventLocked(cmd.Zone, ReasonStart, cmd, now)}, nil
}

func (a *Actuator) stopLocked(cmd command.Command) ([]ZoneEvent, []command.Command) {
	now := a.clock.Now()
	z := &a.zones[cmd.Zone]
	wasPump := a.pump

	var done []command.Command
	changed := false
	if z.state == Irrigating {
		if ended, ok := a.endRunLocked(cmd.Zone); ok {
			done = append(done, ended)
		}
		changed = true
	}
	a.setValve(cmd.Zone, false)

	// A Stop from outside the lease never cuts the pump under the holder.
	foreign := a.lease != nil && a.lease.source != cmd.Source
	if a.config.PumpFollowsZones || foreign {
		if !a.anyIrrigatingLocked() {
			a.setPump(false)
		}
	} else {
		a.setPump(false)
	}

	a.log.Infow("zone closed", "zone", cmd.Zone, "command", cmd.ID, "pump", a.pump)

	if !changed && wasPump == a.pump {
		return nil, done
	}
	return []ZoneEvent{a.eventLocked(cmd.Zone, ReasonStop, cmd, now)}, done
}

// expire is the deferred close of a timed run.
func (a *Actuator) expire(zi int, run uint64) {
	a.mu.Lock()
	z := &a.zones[zi]
	if z.state != Irrigating || z.run != run {
		a.mu.Unlock()
		return
	}
	now := a.clock.Now()
	cmd := z.cmd
	ended, report := a.endRunLocked(zi)
	a.setValve(zi, false)
	if !a.anyIrrigatingLocked() {
		a.setPump(false)
	}
	a.log.Infow("zone run finished", "zone", zi, "command", cmd.ID, "pump", a.pump)
	events := []ZoneEvent{a.eventLocked(zi, ReasonTimer, cmd, now)}
	observers := a.observers
	a.mu.Unlock()

	a.publish(observers, events)
	if report {
		a.complete([]command.Command{ended})
	}
}

// endRunLocked marks the zone Idle and returns the timed remote command
// that must be reported, if any.
func (a *Actuator) endRunLocked(zi int) (command.Command, bool) {
	z := &a.zones[zi]
	if z.timer != nil {
		z.timer.Stop()
		z.timer = nil
	}
	cmd := z.cmd
	z.state = Idle
	z.cmd = command.Command{}
	z.since = time.Time{}
	z.until = time.Time{}
	close(z.idle)
	z.idle = nil

	if cmd.Timed() && cmd.Source == command.Remote {
		return cmd, true
	}
	return command.Command{}, false
}

func (a *Actuator) anyIrrigatingLocked() bool {
	for i := range a.zones {
		if a.zones[i].state == Irrigating {
			return true
		}
	}
	return false
}

func (a *Actuator) eventLocked(zi int, reason string, cmd command.Command, at time.Time) ZoneEvent {
	a.seq++
	return ZoneEvent{
		Seq:       a.seq,
		Zone:      zi,
		State:     a.zones[zi].state,
		Pump:      a.pump,
		CommandID: cmd.ID,
		Source:    cmd.Source,
		Reason:    reason,
		At:        at,
	}
}

func (a *Actuator) setPump(on bool) {
	if err := a.outputs.SetPump(on); err != nil {
		a.log.Errorw("failed to drive pump", "on", on, "err", err)
	}
	a.pump = on
}

func (a *Actuator) setValve(zi int, open bool) {
	if err := a.outputs.SetValve(zi, open); err != nil {
		a.log.Errorw("failed to drive valve", "zone", zi, "open", open, "err", err)
	}
}

// publish delivers events in Seq order. Events are numbered under the
// state lock but published after it is released, so a caller may arrive
// here ahead of an earlier transition; its events wait in pending until
// the gap is filled by the caller that owns it.
func (a *Actuator) publish(observers []Observer, events []ZoneEvent) {
	if len(events) == 0 {
		return
	}
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.pending = append(a.pending, events...)
	sort.Slice(a.pending, func(i, j int) bool { return a.pending[i].Seq < a.pending[j].Seq })
	for len(a.pending) > 0 && a.pending[0].Seq == a.delivered+1 {
		ev := a.pending[0]
		a.pending = a.pending[1:]
		a.delivered = ev.Seq
		for _, o := range observers {
			o.ZoneChanged(ev)
		}
	}
}

func (a *Actuator) complete(cmds []command.Command) {
	for _, cmd := range cmds {
		select {
		case a.completions <- cmd:
		default:
			a.log.Warnw("completion buffer full, dropping report", "command", cmd.ID)
		}
	}
}

// Acquire reserves the outputs for src until the returned release func is
// called. While the lease is held, Starts from any other source fail with
// ErrHeld; their Stops still apply but leave the pump on while a zone is
// irrigating. Acquire waits for timed runs of other sources to end; an
// untimed one makes it fail with ErrHeld.
func (a *Actuator) Acquire(ctx context.Context, src command.Source) (func(), error) {
	a.mu.Lock()
	for a.lease != nil {
		released := a.lease.released
		a.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		a.mu.Lock()
	}
	for i := range a.zones {
		z := &a.zones[i]
		if z.state == Irrigating && z.cmd.Source != src && !z.cmd.Timed() {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: zone %d runs until stopped", ErrHeld, i)
		}
	}
	l := &lease{source: src, released: make(chan struct{})}
	a.lease = l
	a.mu.Unlock()

	release := func() {
		a.mu.Lock()
		if a.lease == l {
			a.lease = nil
			close(l.released)
		}
		a.mu.Unlock()
	}

	for {
		idle := a.foreignRun(src)
		if idle == nil {
			return release, nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
}

// foreignRun returns the idle channel of a zone irrigating for another
// source, or nil.
func (a *Actuator) foreignRun(src command.Source) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.zones {
		if a.zones[i].state == Irrigating && a.zones[i].cmd.Source != src {
			return a.zones[i].idle
		}
	}
	return nil
}

// Held returns a channel that is closed when the current lease ends, or
// nil when no lease is held.
func (a *Actuator) Held() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease == nil {
		return nil
	}
	return a.lease.released
}

// WaitIdle blocks until zone zi is Idle or ctx is done.
func (a *Actuator) WaitIdle(ctx context.Context, zi int) error {
	a.mu.Lock()
	if zi < 0 || zi >= len(a.zones) {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownZone, zi)
	}
	idle := a.zones[zi].idle
	a.mu.Unlock()

	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current state of the outputs.
func (a *Actuator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{Pump: a.pump, Zones: make([]ZoneStatus, len(a.zones))}
	for i, z := range a.zones {
		zs := ZoneStatus{Zone: i, State: z.state.String()}
		if z.state == Irrigating {
			zs.CommandID = z.cmd.ID
			zs.Source = z.cmd.Source.String()
			zs.Since = z.since
			zs.Until = z.until
		}
		st.Zones[i] = zs
	}
	return st
}

// Close ends every run and releases all outputs.
func (a *Actuator) Close() {
	a.mu.Lock()
	now := a.clock.Now()
	var events []ZoneEvent
	for i := range a.zones {
		if a.zones[i].state != Irrigating {
			a.setValve(i, false)
			continue
		}
		cmd := a.zones[i].cmd
		a.endRunLocked(i)
		a.setValve(i, false)
		if !a.anyIrrigatingLocked() {
			a.setPump(false)
		}
		events = append(events, a.eventLocked(i, ReasonShutdown, cmd, now))
	}
	a.setPump(false)
	observers := a.observers
	a.mu.Unlock()

	a.publish(observers, events)
}
