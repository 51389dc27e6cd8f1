package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/syncer"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Sampling passes
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seq INTEGER NOT NULL,
		temperature REAL,
		humidity REAL,
		pressure REAL,
		soil TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);

	-- Zone and pump transitions
	CREATE TABLE IF NOT EXISTS zone_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zone INTEGER NOT NULL,
		state TEXT NOT NULL,
		pump INTEGER NOT NULL,
		command_id TEXT,
		source TEXT NOT NULL,
		reason TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_zone_events_zone ON zone_events(zone, timestamp);

	-- Command lifecycle
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		action TEXT NOT NULL,
		zone INTEGER NOT NULL,
		duration_s INTEGER NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_command_id ON commands(command_id);
	CREATE INDEX IF NOT EXISTS idx_commands_timestamp ON commands(timestamp);

	-- Sync cycle outcomes
	CREATE TABLE IF NOT EXISTS sync_cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		online INTEGER NOT NULL,
		uploaded INTEGER NOT NULL,
		fetched INTEGER NOT NULL,
		enqueued INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		malformed INTEGER NOT NULL,
		watered TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_cycles_started ON sync_cycles(started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Readings ---

// RecordSnapshot stores one sampling pass
func (db *DB) RecordSnapshot(s sensor.Snapshot) error {
	soil, err := json.Marshal(s.Soil)
	if err != nil {
		return fmt.Errorf("marshal soil: %w", err)
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = db.now()
	}
	_, err = db.conn.Exec(`INSERT INTO readings (seq, temperature, humidity, pressure, soil, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.Seq, s.Temperature, s.Humidity, s.Pressure, string(soil), ts.UTC())
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// GetRecentReadings returns the newest readings first
func (db *DB) GetRecentReadings(limit int) ([]*Reading, error) {
	rows, err := db.conn.Query(`SELECT id, seq, temperature, humidity, pressure, soil, timestamp
		FROM readings ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*Reading
	for rows.Next() {
		r := &Reading{}
		var soil string
		if err := rows.Scan(&r.ID, &r.Seq, &r.Temperature, &r.Humidity, &r.Pressure, &soil, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(soil), &r.Soil); err != nil {
			return nil, fmt.Errorf("reading %d: decode soil: %w", r.ID, err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// --- Zone events ---

// InsertZoneEvent stores a zone transition
func (db *DB) InsertZoneEvent(ev actuator.ZoneEvent) (int64, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = db.now()
	}
	result, err := db.conn.Exec(`INSERT INTO zone_events (zone, state, pump, command_id, source, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Zone, ev.State.String(), ev.Pump, ev.CommandID, ev.Source.String(), ev.Reason, ts.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert zone event: %w", err)
	}
	return result.LastInsertId()
}

// GetZoneEvents returns the newest events first. zone < 0 selects all zones.
func (db *DB) GetZoneEvents(zone, limit int) ([]*ZoneEvent, error) {
	query := `SELECT id, zone, state, pump, command_id, source, reason, timestamp
		FROM zone_events`
	args := []interface{}{}
	if zone >= 0 {
		query += " WHERE zone = ?"
		args = append(args, zone)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ZoneEvent
	for rows.Next() {
		e := &ZoneEvent{}
		var cmdID sql.NullString
		if err := rows.Scan(&e.ID, &e.Zone, &e.State, &e.Pump, &cmdID, &e.Source, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.CommandID = cmdID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetZoneSummaries aggregates the journal per zone
func (db *DB) GetZoneSummaries() ([]*ZoneSummary, error) {
	query := `SELECT z.zone, z.state, z.timestamp, z.command_id,
		(SELECT COUNT(*) FROM zone_events r WHERE r.zone = z.zone AND r.reason = 'start'),
		(SELECT COUNT(*) FROM zone_events r WHERE r.zone = z.zone AND r.reason = 'start' AND r.source = 'local')
		FROM zone_events z
		WHERE z.id = (SELECT MAX(id) FROM zone_events l WHERE l.zone = z.zone)
		ORDER BY z.zone`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*ZoneSummary
	for rows.Next() {
		s := &ZoneSummary{}
		var cmdID sql.NullString
		if err := rows.Scan(&s.Zone, &s.State, &s.LastChange, &cmdID, &s.Runs, &s.LocalRuns); err != nil {
			return nil, err
		}
		s.LastCommand = cmdID.String
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// --- Commands ---

// RecordCommand stores one step in a command's life
func (db *DB) RecordCommand(cmd command.Command, status command.Status) error {
	_, err := db.conn.Exec(`INSERT INTO commands (command_id, action, zone, duration_s, source, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Action.String(), cmd.Zone, int(cmd.Duration/time.Second), cmd.Source.String(),
		string(status), db.now().UTC())
	if err != nil {
		return fmt.Errorf("insert command %s: %w", cmd.ID, err)
	}
	return nil
}

// GetRecentCommands returns the newest command records first
func (db *DB) GetRecentCommands(limit int) ([]*CommandRecord, error) {
	return db.queryCommands(`SELECT id, command_id, action, zone, duration_s, source, status, timestamp
		FROM commands ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// GetCommandHistory returns every record of one command, oldest first
func (db *DB) GetCommandHistory(commandID string) ([]*CommandRecord, error) {
	return db.queryCommands(`SELECT id, command_id, action, zone, duration_s, source, status, timestamp
		FROM commands WHERE command_id = ? ORDER BY id`, commandID)
}

func (db *DB) queryCommands(query string, args ...interface{}) ([]*CommandRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CommandRecord
	for rows.Next() {
		c := &CommandRecord{}
		if err := rows.Scan(&c.ID, &c.CommandID, &c.Action, &c.Zone, &c.DurationS, &c.Source, &c.Status, &c.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, c)
	}
	return records, rows.Err()
}

// --- Sync cycles ---

// RecordCycle stores a sync cycle outcome
func (db *DB) RecordCycle(o syncer.Outcome) error {
	var watered interface{}
	if len(o.Watered) > 0 {
		data, err := json.Marshal(o.Watered)
		if err != nil {
			return fmt.Errorf("marshal watered zones: %w", err)
		}
		watered = string(data)
	}
	_, err := db.conn.Exec(`INSERT INTO sync_cycles
		(started_at, duration_ms, online, uploaded, fetched, enqueued, dropped, malformed, watered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Started.UTC(), o.Duration.Milliseconds(), o.Online, o.Uploaded, o.Fetched,
		o.Enqueued, o.Dropped, o.Malformed, watered)
	if err != nil {
		return fmt.Errorf("insert sync cycle: %w", err)
	}
	return nil
}

// GetRecentCycles returns the newest cycles first
func (db *DB) GetRecentCycles(limit int) ([]*SyncCycle, error) {
	rows, err := db.conn.Query(`SELECT id, started_at, duration_ms, online, uploaded, fetched,
		enqueued, dropped, malformed, watered
		FROM sync_cycles ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []*SyncCycle
	for rows.Next() {
		c := &SyncCycle{}
		var watered sql.NullString
		if err := rows.Scan(&c.ID, &c.StartedAt, &c.DurationMS, &c.Online, &c.Uploaded, &c.Fetched,
			&c.Enqueued, &c.Dropped, &c.Malformed, &watered); err != nil {
			return nil, err
		}
		if watered.Valid {
			if err := json.Unmarshal([]byte(watered.String), &c.Watered); err != nil {
				return nil, fmt.Errorf("cycle %d: decode watered zones: %w", c.ID, err)
			}
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// --- Maintenance ---

// GetStats counts rows per table
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM readings", &s.Readings},
		{"SELECT COUNT(*) FROM zone_events", &s.ZoneEvents},
		{"SELECT COUNT(*) FROM commands", &s.Commands},
		{"SELECT COUNT(*) FROM sync_cycles", &s.SyncCycles},
		{"SELECT COUNT(*) FROM sync_cycles WHERE online = 1", &s.OnlineCycles},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("%s: %w", c.query, err)
		}
	}
	s.OfflineCycles = s.SyncCycles - s.OnlineCycles

	if s.Readings > 0 {
		var first, last string
		err := db.conn.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM readings").Scan(&first, &last)
		if err != nil {
			return nil, fmt.Errorf("reading range: %w", err)
		}
		s.FirstReading = parseTime(first)
		s.LastReading = parseTime(last)
	}
	return s, nil
}

// Prune deletes journal rows older than before and returns how many were
// removed
func (db *DB) Prune(before time.Time) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, q := range []string{
		"DELETE FROM readings WHERE timestamp < ?",
		"DELETE FROM zone_events WHERE timestamp < ?",
		"DELETE FROM commands WHERE timestamp < ?",
		"DELETE FROM sync_cycles WHERE started_at < ?",
	} {
		result, err := tx.Exec(q, before.UTC())
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// ErrNotSelect is returned by Select for statements other than SELECT.
var ErrNotSelect = errors.New("only SELECT queries are allowed")

// Select runs an ad hoc SELECT and returns the column names and every
// row rendered as text. NULL renders as "NULL".
func (db *DB) Select(query string) ([]string, [][]string, error) {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return nil, nil, ErrNotSelect
	}

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	var out [][]string
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(values))
		for i, v := range values {
			switch val := v.(type) {
			case nil:
				row[i] = "NULL"
			case []byte:
				row[i] = string(val)
			case time.Time:
				row[i] = val.UTC().Format(time.RFC3339)
			default:
				row[i] = fmt.Sprintf("%v", val)
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// ZoneObserver returns an actuator.Observer that journals transitions.
// Write failures are logged.
func (db *DB) ZoneObserver(log *logger.Logger) actuator.Observer {
	return zoneObserver{db: db, log: log}
}

type zoneObserver struct {
	db  *DB
	log *logger.Logger
}

func (o zoneObserver) ZoneChanged(ev actuator.ZoneEvent) {
	if _, err := o.db.InsertZoneEvent(ev); err != nil {
		o.log.Warnw("failed to journal zone event", "zone", ev.Zone, "err", err)
	}
}

// sqlite aggregates return timestamps as text
func parseTime(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05Z",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
