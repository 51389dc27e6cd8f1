// Package command defines irrigation commands and the bounded queue that
// carries them from the sync cycle to the executor.
package command

import (
	"fmt"
	"time"
)

// Action is what a command asks a zone to do.
type Action int

const (
	Start Action = iota
	Stop
)

// Wire names of the actions.
const (
	ActionStartIrrigation = "START_IRRIGATION"
	ActionStopIrrigation  = "STOP_IRRIGATION"
)

func (a Action) String() string {
	switch a {
	case Start:
		return "start"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction converts a wire action name.
func ParseAction(s string) (Action, error) {
	switch s {
	case ActionStartIrrigation:
		return Start, nil
	case ActionStopIrrigation:
		return Stop, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Source tells where a command came from.
type Source int

const (
	Remote Source = iota
	Local
)

func (s Source) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// Command is one irrigation instruction. Duration 0 on a Start means
// irrigate until a Stop arrives.
type Command struct {
	ID       string
	Action   Action
	Zone     int
	Duration time.Duration
	Source   Source
	Executed bool
}

// Validate checks the command against a zone table of the given size.
func (c Command) Validate(zones int) error {
	if c.ID == "" {
		return fmt.Errorf("missing command id")
	}
	if c.Action != Start && c.Action != Stop {
		return fmt.Errorf("command %s: invalid action %v", c.ID, c.Action)
	}
	if c.Zone < 0 || c.Zone >= zones {
		return fmt.Errorf("command %s: zone %d out of range [0,%d)", c.ID, c.Zone, zones)
	}
	if c.Duration < 0 {
		return fmt.Errorf("command %s: negative duration %v", c.ID, c.Duration)
	}
	return nil
}

// Timed reports whether the command starts a run that closes on its own.
func (c Command) Timed() bool {
	return c.Action == Start && c.Duration > 0
}
