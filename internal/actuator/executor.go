package actuator

import (
	"context"
	"errors"
	"time"

	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/logger"
)

// Reporter sends the completion acknowledgment of a remote command.
type Reporter interface {
	ReportCompletion(ctx context.Context, commandID string) error
}

// Executor drains the command queue into the actuator.
type Executor struct {
	queue    *command.Queue
	act      *Actuator
	reporter Reporter
	recorder command.Recorder
	timeout  time.Duration
	log      *logger.Logger
}

// NewExecutor creates an executor. timeout bounds each wait on the queue.
func NewExecutor(queue *command.Queue, act *Actuator, reporter Reporter, timeout time.Duration, log *logger.Logger) *Executor {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Executor{
		queue:    queue,
		act:      act,
		reporter: reporter,
		timeout:  timeout,
		log:      log,
	}
}

// SetRecorder sets where command progress is recorded.
func (e *Executor) SetRecorder(r command.Recorder) {
	e.recorder = r
}

// Run consumes commands until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.drainCompletions(ctx)

		cmd, ok := e.queue.Dequeue(ctx, e.timeout)
		if !ok {
			continue
		}
		e.Execute(ctx, cmd)
	}
}

func (e *Executor) drainCompletions(ctx context.Context) {
	for {
		select {
		case cmd := <-e.act.Completions():
			e.report(ctx, cmd)
		default:
			return
		}
	}
}

// Execute applies one command and reports it unless it is a timed Start,
// which is reported when its run ends.
func (e *Executor) Execute(ctx context.Context, cmd command.Command) {
	out, err := e.act.Apply(cmd)
	for errors.Is(err, ErrHeld) {
		e.log.Infow("outputs held by local irrigation, waiting", "command", cmd.ID, "zone", cmd.Zone)
		if !e.awaitRelease(ctx) {
			return
		}
		out, err = e.act.Apply(cmd)
	}
	if err != nil {
		e.log.Warnw("command rejected", "command", cmd.ID, "zone", cmd.Zone,
			"action", cmd.Action, "err", err)
		e.record(cmd, command.StatusRejected)
		// The command was consumed; the backend still gets its ack.
		e.report(ctx, cmd)
		return
	}

	e.record(cmd, command.StatusApplied)
	if out.Deferred {
		e.log.Debugw("timed run started", "command", cmd.ID, "until", out.Until)
		return
	}
	e.report(ctx, cmd)
}

// awaitRelease blocks until no lease is held, reporting timed runs that
// end meanwhile. It returns false when ctx is done.
func (e *Executor) awaitRelease(ctx context.Context) bool {
	for {
		held := e.act.Held()
		if held == nil {
			return true
		}
		select {
		case <-held:
		case cmd := <-e.act.Completions():
			e.report(ctx, cmd)
		case <-ctx.Done():
			return false
		}
	}
}

func (e *Executor) report(ctx context.Context, cmd command.Command) {
	if cmd.Source != command.Remote || e.reporter == nil {
		return
	}
	cmd.Executed = true
	if err := e.reporter.ReportCompletion(ctx, cmd.ID); err != nil {
		if !errors.Is(err, context.Canceled) {
			e.log.Warnw("failed to report command completion", "command", cmd.ID, "err", err)
		}
		e.record(cmd, command.StatusAckFailed)
		return
	}
	e.record(cmd, command.StatusAcked)
}

func (e *Executor) record(cmd command.Command, status command.Status) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordCommand(cmd, status); err != nil {
		e.log.Warnw("failed to record command", "command", cmd.ID, "status", status, "err", err)
	}
}
