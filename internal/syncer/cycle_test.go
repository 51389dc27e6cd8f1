package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/agsys/irrigation-node/internal/cloud"
	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/fallback"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/session"
)

type mockClient struct {
	mu sync.Mutex

	uploadErr error
	fetchErr  error
	ackErr    error
	commands  []cloud.RemoteCommand

	uploads      []cloud.Telemetry
	uploadTokens []string
	fetchTokens  []string
	acks         []string
}

func (m *mockClient) UploadTelemetry(ctx context.Context, token string, t cloud.Telemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, t)
	m.uploadTokens = append(m.uploadTokens, token)
	return m.uploadErr
}

func (m *mockClient) FetchCommands(ctx context.Context, token, deviceID string) ([]cloud.RemoteCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchTokens = append(m.fetchTokens, token)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.commands, nil
}

func (m *mockClient) AcknowledgeCommand(ctx context.Context, token, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, id)
	return m.ackErr
}

type mockAuth struct {
	mu     sync.Mutex
	tokens []string
	err    error
	calls  int
	// failFrom makes every call from this one on fail; 0 disables it.
	failFrom int
}

func (m *mockAuth) Authenticate(ctx context.Context, deviceID, fw string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if m.failFrom > 0 && m.calls >= m.failFrom {
		return "", errors.New("connection reset")
	}
	tok := m.tokens[0]
	if len(m.tokens) > 1 {
		m.tokens = m.tokens[1:]
	}
	return tok, nil
}

type mockLink struct{ up bool }

func (l *mockLink) Up() bool { return l.up }

type mockFallback struct {
	mu    sync.Mutex
	snaps []sensor.Snapshot
}

func (m *mockFallback) Run(ctx context.Context, snap sensor.Snapshot) fallback.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return fallback.Result{Watered: []int{0}}
}

func (m *mockFallback) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

type cycleLog struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (l *cycleLog) RecordCycle(o Outcome) error {
	l.mu.Lock()
	l.outcomes = append(l.outcomes, o)
	l.mu.Unlock()
	return nil
}

type harness struct {
	cycle    *Cycle
	client   *mockClient
	auth     *mockAuth
	link     *mockLink
	fallback *mockFallback
	queue    *command.Queue
	cell     *sensor.Cell
	clock    *clock.FakeClock
	session  *session.Session
	cycles   *cycleLog
}

var epoch = time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		client:   &mockClient{},
		auth:     &mockAuth{tokens: []string{"tok-1", "tok-2"}},
		link:     &mockLink{up: true},
		fallback: &mockFallback{},
		clock:    clock.Fake(epoch),
		cell:     sensor.NewCell(4),
		cycles:   &cycleLog{},
	}
	h.queue = command.NewQueue(10, h.clock)
	h.session = session.New("node-1", "1.0.0", h.auth, h.clock, logger.Nop())
	h.cell.Store(&sensor.Snapshot{
		Temperature: 21, Humidity: 55, Pressure: 101000,
		Soil:      []float64{15, 25, 19.9, 20},
		Timestamp: epoch,
		Seq:       7,
	})

	cfg := DefaultConfig()
	cfg.DeviceID = "node-1"
	cfg.Zones = 4
	h.cycle = New(cfg, h.client, h.session, h.link, h.cell, h.queue, h.fallback, h.clock, logger.Nop())
	h.cycle.SetRecorder(h.cycles)
	return h
}

func remote(id, action string, zone, duration int) cloud.RemoteCommand {
	return cloud.RemoteCommand{CommandID: id, Action: action, ZoneID: zone,
		Params: cloud.CommandParams{Duration: duration}}
}

func TestOfflineWhenLinkDown(t *testing.T) {
	h := newHarness(t)
	h.link.up = false

	out := h.cycle.RunOnce(context.Background())

	if out.Online {
		t.Error("cycle should be offline")
	}
	if h.fallback.count() != 1 {
		t.Fatalf("fallback runs = %d, want 1", h.fallback.count())
	}
	if got := h.fallback.snaps[0].Seq; got != 7 {
		t.Errorf("fallback saw snapshot %d, want 7", got)
	}
	if h.auth.calls != 0 || len(h.client.uploads) != 0 {
		t.Error("no network calls expected while the link is down")
	}
	if len(out.Watered) != 1 {
		t.Errorf("watered = %v", out.Watered)
	}
	if len(h.cycles.outcomes) != 1 {
		t.Error("offline cycle should be recorded")
	}
}

func TestOfflineWhenAuthenticationFails(t *testing.T) {
	h := newHarness(t)
	h.auth.err = errors.New("connection refused")

	out := h.cycle.RunOnce(context.Background())

	if out.Online {
		t.Error("cycle should be offline")
	}
	if h.fallback.count() != 1 {
		t.Errorf("fallback runs = %d, want 1", h.fallback.count())
	}
	if h.auth.calls != 1 {
		t.Errorf("auth attempts = %d, want exactly 1 per cycle", h.auth.calls)
	}
}

func TestOnlineCycle(t *testing.T) {
	h := newHarness(t)
	h.client.commands = []cloud.RemoteCommand{
		remote("c1", command.ActionStartIrrigation, 2, 5),
		remote("c2", command.ActionStopIrrigation, 2, 0),
	}

	out := h.cycle.RunOnce(context.Background())

	if !out.Online || !out.Uploaded || !out.Fetched || out.Enqueued != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if h.fallback.count() != 0 {
		t.Error("fallback must not run while online")
	}

	up := h.client.uploads[0]
	if up.DeviceID != "node-1" || up.Timestamp != epoch.UnixMilli() {
		t.Errorf("telemetry header = %+v", up)
	}
	if up.Global.Temp != 21 || up.Global.Pressure != 101000 {
		t.Errorf("global = %+v", up.Global)
	}
	if len(up.Locals) != 4 || up.Locals[2].SensorID != 2 || up.Locals[2].SoilMoisture != 19.9 || up.Locals[2].Humidity != 55 {
		t.Errorf("locals = %+v", up.Locals)
	}

	first, _ := h.queue.Dequeue(context.Background(), time.Second)
	if first.ID != "c1" || first.Action != command.Start || first.Duration != 5*time.Second || first.Source != command.Remote {
		t.Errorf("first command = %+v", first)
	}
	second, _ := h.queue.Dequeue(context.Background(), time.Second)
	if second.ID != "c2" || second.Action != command.Stop {
		t.Errorf("second command = %+v", second)
	}
}

func TestUploadFailureDoesNotSuppressFetch(t *testing.T) {
	h := newHarness(t)
	h.client.uploadErr = &cloud.APIError{StatusCode: http.StatusInternalServerError}
	h.client.commands = []cloud.RemoteCommand{remote("c1", command.ActionStartIrrigation, 0, 0)}

	out := h.cycle.RunOnce(context.Background())

	if out.Uploaded {
		t.Error("upload should be reported as failed")
	}
	if !out.Fetched || out.Enqueued != 1 {
		t.Errorf("fetch should still run: %+v", out)
	}
}

func TestRejectedUploadReauthenticatesBeforeFetch(t *testing.T) {
	h := newHarness(t)
	h.client.uploadErr = &cloud.APIError{StatusCode: http.StatusUnauthorized}

	out := h.cycle.RunOnce(context.Background())

	if h.auth.calls != 2 {
		t.Fatalf("auth calls = %d, want 2", h.auth.calls)
	}
	if len(h.client.fetchTokens) != 1 || h.client.fetchTokens[0] != "tok-2" {
		t.Errorf("fetch tokens = %v, want [tok-2]", h.client.fetchTokens)
	}
	if !out.Online || !out.Fetched {
		t.Errorf("outcome = %+v", out)
	}
}

func TestFailedReauthenticationGoesOffline(t *testing.T) {
	h := newHarness(t)
	h.client.uploadErr = &cloud.APIError{StatusCode: http.StatusUnauthorized}
	h.auth.failFrom = 2

	out := h.cycle.RunOnce(context.Background())

	if out.Online || out.Uploaded || out.Fetched {
		t.Errorf("outcome = %+v, want offline", out)
	}
	if len(h.client.fetchTokens) != 0 {
		t.Errorf("fetch should not run without a credential, tokens = %v", h.client.fetchTokens)
	}
	if h.fallback.count() != 1 || len(out.Watered) != 1 {
		t.Errorf("fallback runs = %d, watered = %v", h.fallback.count(), out.Watered)
	}
	if len(h.cycles.outcomes) != 1 || h.cycles.outcomes[0].Online {
		t.Errorf("recorded outcomes = %+v", h.cycles.outcomes)
	}
}

func TestRejectedFetchExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.client.fetchErr = &cloud.APIError{StatusCode: http.StatusForbidden}

	h.cycle.RunOnce(context.Background())
	if h.session.State() != session.Expired {
		t.Errorf("session state = %v, want expired", h.session.State())
	}

	h.client.fetchErr = nil
	h.cycle.RunOnce(context.Background())
	if h.auth.calls != 2 {
		t.Errorf("next cycle should re-authenticate, auth calls = %d", h.auth.calls)
	}
}

// Twelve commands against a queue of ten: ten are enqueued in order and
// two are dropped.
func TestQueueOverflowDropsNewest(t *testing.T) {
	h := newHarness(t)
	rec := &commandLog{}
	h.cycle.SetCommandRecorder(rec)
	for i := 0; i < 12; i++ {
		h.client.commands = append(h.client.commands,
			remote(fmt.Sprintf("c%02d", i), command.ActionStartIrrigation, i%4, 10))
	}

	out := h.cycle.RunOnce(context.Background())

	if out.Enqueued != 10 || out.Dropped != 2 {
		t.Fatalf("enqueued/dropped = %d/%d, want 10/2", out.Enqueued, out.Dropped)
	}
	for i := 0; i < 10; i++ {
		cmd, ok := h.queue.Dequeue(context.Background(), time.Second)
		if !ok || cmd.ID != fmt.Sprintf("c%02d", i) {
			t.Fatalf("dequeue %d = %q", i, cmd.ID)
		}
	}
	if got := rec.with(command.StatusDropped); len(got) != 2 || got[0] != "c10" || got[1] != "c11" {
		t.Errorf("dropped = %v, want [c10 c11]", got)
	}
}

func TestMalformedCommandsAreDropped(t *testing.T) {
	h := newHarness(t)
	h.client.commands = []cloud.RemoteCommand{
		remote("bad-action", "FLOOD", 0, 0),
		remote("bad-zone", command.ActionStartIrrigation, 9, 0),
		remote("bad-duration", command.ActionStartIrrigation, 0, -5),
		remote("good", command.ActionStopIrrigation, 3, 0),
	}

	out := h.cycle.RunOnce(context.Background())

	if out.Malformed != 3 || out.Enqueued != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if cmd, _ := h.queue.Dequeue(context.Background(), time.Second); cmd.ID != "good" {
		t.Errorf("queued %q, want good", cmd.ID)
	}
}

func TestReportCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.cycle.ReportCompletion(ctx, "c1"); err != nil {
		t.Fatalf("ReportCompletion failed: %v", err)
	}
	if len(h.client.acks) != 1 || h.client.acks[0] != "c1" {
		t.Errorf("acks = %v", h.client.acks)
	}

	h.client.ackErr = &cloud.APIError{StatusCode: http.StatusUnauthorized}
	if err := h.cycle.ReportCompletion(ctx, "c2"); !errors.Is(err, cloud.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
	if h.session.State() != session.Expired {
		t.Error("rejected ack should expire the session")
	}

	h.link.up = false
	if err := h.cycle.ReportCompletion(ctx, "c3"); err == nil {
		t.Error("expected error while the link is down")
	}
}

func TestRunCyclesEveryPeriod(t *testing.T) {
	h := newHarness(t)
	h.link.up = false

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.cycle.Run(ctx)
		close(done)
	}()

	h.clock.WaitForTimers(1)
	if h.fallback.count() != 1 {
		t.Fatalf("first cycle should run immediately, runs = %d", h.fallback.count())
	}

	h.clock.Advance(time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for h.fallback.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second cycle did not run after one period")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
	if !h.cycle.Last().Started.Equal(epoch.Add(time.Hour)) {
		t.Errorf("last cycle started %v", h.cycle.Last().Started)
	}
}

type commandLog struct {
	mu      sync.Mutex
	entries map[command.Status][]string
}

func (l *commandLog) RecordCommand(cmd command.Command, st command.Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.entries == nil {
		l.entries = make(map[command.Status][]string)
	}
	l.entries[st] = append(l.entries[st], cmd.ID)
	return nil
}

func (l *commandLog) with(st command.Status) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[st]
}
