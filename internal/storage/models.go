// Package storage provides the SQLite journal of the irrigation node.
package storage

import "time"

// Reading is one stored sampling pass
type Reading struct {
	ID          int64     `json:"id"`
	Seq         uint64    `json:"seq"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	Soil        []float64 `json:"soil"`
	Timestamp   time.Time `json:"timestamp"`
}

// ZoneEvent is one stored zone or pump transition
type ZoneEvent struct {
	ID        int64     `json:"id"`
	Zone      int       `json:"zone"`
	State     string    `json:"state"` // "idle", "irrigating"
	Pump      bool      `json:"pump"`
	CommandID string    `json:"command_id,omitempty"`
	Source    string    `json:"source"` // "remote", "local"
	Reason    string    `json:"reason"` // "start", "stop", "timer", "shutdown"
	Timestamp time.Time `json:"timestamp"`
}

// CommandRecord is one step in a command's life
type CommandRecord struct {
	ID        int64     `json:"id"`
	CommandID string    `json:"command_id"`
	Action    string    `json:"action"`
	Zone      int       `json:"zone"`
	DurationS int       `json:"duration_s"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncCycle is one stored sync cycle outcome
type SyncCycle struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Online     bool      `json:"online"`
	Uploaded   bool      `json:"uploaded"`
	Fetched    bool      `json:"fetched"`
	Enqueued   int       `json:"enqueued"`
	Dropped    int       `json:"dropped"`
	Malformed  int       `json:"malformed"`
	Watered    []int     `json:"watered,omitempty"`
}

// ZoneSummary aggregates the journal for one zone
type ZoneSummary struct {
	Zone        int       `json:"zone"`
	State       string    `json:"state"`
	LastChange  time.Time `json:"last_change"`
	Runs        int       `json:"runs"`
	LocalRuns   int       `json:"local_runs"`
	LastCommand string    `json:"last_command,omitempty"`
}

// Stats counts rows per table
type Stats struct {
	Readings      int       `json:"readings"`
	ZoneEvents    int       `json:"zone_events"`
	Commands      int       `json:"commands"`
	SyncCycles    int       `json:"sync_cycles"`
	OnlineCycles  int       `json:"online_cycles"`
	OfflineCycles int       `json:"offline_cycles"`
	FirstReading  time.Time `json:"first_reading,omitempty"`
	LastReading   time.Time `json:"last_reading,omitempty"`
}
