package command

import (
	"testing"
	"time"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"START_IRRIGATION", Start, false},
		{"STOP_IRRIGATION", Stop, false},
		{"start_irrigation", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAction(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseAction(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"start", Command{ID: "a", Action: Start, Zone: 0, Duration: 5 * time.Second}, false},
		{"stop last zone", Command{ID: "b", Action: Stop, Zone: 3}, false},
		{"until stop", Command{ID: "c", Action: Start, Zone: 1}, false},
		{"missing id", Command{Action: Start}, true},
		{"zone too high", Command{ID: "d", Action: Start, Zone: 4}, true},
		{"negative zone", Command{ID: "e", Action: Stop, Zone: -1}, true},
		{"negative duration", Command{ID: "f", Action: Start, Duration: -time.Second}, true},
		{"bad action", Command{ID: "g", Action: Action(7)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cmd.Validate(4); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimed(t *testing.T) {
	if !(Command{Action: Start, Duration: time.Second}).Timed() {
		t.Error("start with duration should be timed")
	}
	if (Command{Action: Start}).Timed() {
		t.Error("start until stop is not timed")
	}
	if (Command{Action: Stop, Duration: time.Second}).Timed() {
		t.Error("stop is never timed")
	}
}
