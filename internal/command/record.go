package command

import "errors"

// Status marks a step in a command's life.
type Status string

const (
	StatusReceived  Status = "received"
	StatusDropped   Status = "dropped"   // queue full
	StatusMalformed Status = "malformed" // failed validation, never queued
	StatusApplied   Status = "applied"
	StatusRejected  Status = "rejected" // zone busy or unknown
	StatusAcked     Status = "acked"
	StatusAckFailed Status = "ack_failed"
)

// Recorder is notified as commands move through the node.
type Recorder interface {
	RecordCommand(cmd Command, status Status) error
}

// Recorders fans one notification out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordCommand(cmd Command, status Status) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordCommand(cmd, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
