package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/syncer"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC)

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	db.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	ro.Close()
}

func TestReadings(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 3; i++ {
		err := db.RecordSnapshot(sensor.Snapshot{
			Temperature: 20 + float64(i),
			Humidity:    50,
			Pressure:    101325,
			Soil:        []float64{10, 30, float64(i)},
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Seq:         uint64(i + 1),
		})
		if err != nil {
			t.Fatalf("RecordSnapshot failed: %v", err)
		}
	}

	readings, err := db.GetRecentReadings(2)
	if err != nil {
		t.Fatalf("GetRecentReadings failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	r := readings[0]
	if r.Seq != 3 || r.Temperature != 22 || len(r.Soil) != 3 || r.Soil[2] != 2 {
		t.Errorf("newest reading = %+v", r)
	}
	if !r.Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp = %v", r.Timestamp)
	}
}

func TestZoneEventsAndSummaries(t *testing.T) {
	db := openTestDB(t)
	obs := db.ZoneObserver(logger.Nop())

	events := []actuator.ZoneEvent{
		{Zone: 0, State: actuator.Irrigating, Pump: true, CommandID: "c1", Source: command.Remote, Reason: actuator.ReasonStart, At: base},
		{Zone: 0, State: actuator.Idle, Pump: false, CommandID: "c1", Source: command.Remote, Reason: actuator.ReasonTimer, At: base.Add(time.Minute)},
		{Zone: 2, State: actuator.Irrigating, Pump: true, CommandID: "local-1", Source: command.Local, Reason: actuator.ReasonStart, At: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		obs.ZoneChanged(ev)
	}

	all, err := db.GetZoneEvents(-1, 10)
	if err != nil {
		t.Fatalf("GetZoneEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Zone != 2 || all[0].State != "irrigating" || !all[0].Pump || all[0].Source != "local" {
		t.Errorf("newest event = %+v", all[0])
	}

	zone0, err := db.GetZoneEvents(0, 10)
	if err != nil {
		t.Fatalf("GetZoneEvents failed: %v", err)
	}
	if len(zone0) != 2 || zone0[0].Reason != "timer" {
		t.Errorf("zone 0 events = %+v", zone0)
	}

	summaries, err := db.GetZoneSummaries()
	if err != nil {
		t.Fatalf("GetZoneSummaries failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if s := summaries[0]; s.Zone != 0 || s.State != "idle" || s.Runs != 1 || s.LocalRuns != 0 {
		t.Errorf("zone 0 summary = %+v", s)
	}
	if s := summaries[1]; s.Zone != 2 || s.State != "irrigating" || s.LocalRuns != 1 || s.LastCommand != "local-1" {
		t.Errorf("zone 2 summary = %+v", s)
	}
}

func TestCommandHistory(t *testing.T) {
	db := openTestDB(t)
	now := base
	db.now = func() time.Time { now = now.Add(time.Second); return now }

	cmd := command.Command{ID: "c7", Action: command.Start, Zone: 1, Duration: 90 * time.Second, Source: command.Remote}
	for _, st := range []command.Status{command.StatusReceived, command.StatusApplied, command.StatusAcked} {
		if err := db.RecordCommand(cmd, st); err != nil {
			t.Fatalf("RecordCommand failed: %v", err)
		}
	}
	if err := db.RecordCommand(command.Command{ID: "c8", Action: command.Stop}, command.StatusDropped); err != nil {
		t.Fatalf("RecordCommand failed: %v", err)
	}

	history, err := db.GetCommandHistory("c7")
	if err != nil {
		t.Fatalf("GetCommandHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d records, want 3", len(history))
	}
	if history[0].Status != "received" || history[2].Status != "acked" || history[1].DurationS != 90 {
		t.Errorf("history = %+v %+v %+v", history[0], history[1], history[2])
	}

	recent, err := db.GetRecentCommands(1)
	if err != nil {
		t.Fatalf("GetRecentCommands failed: %v", err)
	}
	if len(recent) != 1 || recent[0].CommandID != "c8" || recent[0].Status != "dropped" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestCyclesAndStats(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordCycle(syncer.Outcome{Started: base, Duration: 1500 * time.Millisecond, Online: true, Uploaded: true, Fetched: true, Enqueued: 2}); err != nil {
		t.Fatalf("RecordCycle failed: %v", err)
	}
	if err := db.RecordCycle(syncer.Outcome{Started: base.Add(time.Hour), Watered: []int{0, 2}}); err != nil {
		t.Fatalf("RecordCycle failed: %v", err)
	}
	if err := db.RecordSnapshot(sensor.Snapshot{Soil: []float64{1}, Timestamp: base}); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	cycles, err := db.GetRecentCycles(10)
	if err != nil {
		t.Fatalf("GetRecentCycles failed: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("got %d cycles, want 2", len(cycles))
	}
	if c := cycles[0]; c.Online || len(c.Watered) != 2 || c.Watered[1] != 2 {
		t.Errorf("offline cycle = %+v", c)
	}
	if c := cycles[1]; !c.Online || c.DurationMS != 1500 || c.Enqueued != 2 || c.Watered != nil {
		t.Errorf("online cycle = %+v", c)
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.SyncCycles != 2 || stats.OnlineCycles != 1 || stats.OfflineCycles != 1 || stats.Readings != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPrune(t *testing.T) {
	db := openTestDB(t)
	db.now = func() time.Time { return base }

	old := base.Add(-48 * time.Hour)
	db.RecordSnapshot(sensor.Snapshot{Soil: []float64{1}, Timestamp: old})
	db.RecordSnapshot(sensor.Snapshot{Soil: []float64{1}, Timestamp: base})
	db.InsertZoneEvent(actuator.ZoneEvent{Zone: 0, Reason: actuator.ReasonStop, At: old})
	db.RecordCycle(syncer.Outcome{Started: old})
	db.RecordCommand(command.Command{ID: "c1"}, command.StatusReceived)

	n, err := db.Prune(base.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d rows, want 3", n)
	}

	stats, _ := db.GetStats()
	if stats.Readings != 1 || stats.Commands != 1 || stats.ZoneEvents != 0 {
		t.Errorf("stats after prune = %+v", stats)
	}
}

func TestRecordCycleError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock failed: %v", err)
	}
	defer conn.Close()
	db := &DB{conn: conn, now: time.Now}

	mock.ExpectExec("INSERT INTO sync_cycles").WillReturnError(errors.New("disk I/O error"))

	err = db.RecordCycle(syncer.Outcome{Started: base})
	if err == nil || !strings.Contains(err.Error(), "insert sync cycle") {
		t.Errorf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPruneRollsBack(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock failed: %v", err)
	}
	defer conn.Close()
	db := &DB{conn: conn, now: time.Now}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM readings").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM zone_events").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	if _, err := db.Prune(base); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestZoneObserverSwallowsErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock failed: %v", err)
	}
	defer conn.Close()
	db := &DB{conn: conn, now: time.Now}

	mock.ExpectExec("INSERT INTO zone_events").WillReturnError(errors.New("readonly database"))
	db.ZoneObserver(logger.Nop()).ZoneChanged(actuator.ZoneEvent{Zone: 1, At: base})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSelect(t *testing.T) {
	db := openTestDB(t)
	db.RecordCommand(command.Command{ID: "c1", Zone: 2}, command.StatusReceived)

	cols, rows, err := db.Select("select command_id, zone, NULL from commands")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(cols) != 3 || cols[0] != "command_id" {
		t.Errorf("cols = %v", cols)
	}
	if len(rows) != 1 || rows[0][0] != "c1" || rows[0][1] != "2" || rows[0][2] != "NULL" {
		t.Errorf("rows = %v", rows)
	}

	if _, _, err := db.Select("DELETE FROM commands"); !errors.Is(err, ErrNotSelect) {
		t.Errorf("err = %v, want ErrNotSelect", err)
	}
}
