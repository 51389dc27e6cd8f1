package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agsys/irrigation-node/internal/clock"
	"github.com/agsys/irrigation-node/internal/logger"
)

type fakeEnv struct {
	mu   sync.Mutex
	env  Environment
	err  error
	read int
}

func (f *fakeEnv) ReadEnvironment() (Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read++
	return f.env, f.err
}

type fakeProbe struct {
	raw int
	err error
}

func (f *fakeProbe) ReadRaw() (int, error) { return f.raw, f.err }

type recorderFunc func(Snapshot) error

func (f recorderFunc) RecordSnapshot(s Snapshot) error { return f(s) }

var epoch = time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC)

func probes(raws ...int) ([]MoistureProbe, []*fakeProbe) {
	ps := make([]MoistureProbe, len(raws))
	fs := make([]*fakeProbe, len(raws))
	for i, r := range raws {
		fs[i] = &fakeProbe{raw: r}
		ps[i] = fs[i]
	}
	return ps, fs
}

func TestMoisturePercent(t *testing.T) {
	tests := []struct {
		name     string
		raw      int
		min, max int
		want     float64
	}{
		{"zero", 0, 0, 4095, 0},
		{"full", 4095, 0, 4095, 100},
		{"midpoint", 2047, 0, 4094, 50},
		{"below range clamps", -10, 0, 4095, 0},
		{"above range clamps", 5000, 0, 4095, 100},
		{"offset range", 1500, 1000, 2000, 50},
		{"degenerate range", 10, 100, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MoisturePercent(tt.raw, tt.min, tt.max); got != tt.want {
				t.Errorf("MoisturePercent(%d, %d, %d) = %v, want %v", tt.raw, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestSamplePublishesWholePass(t *testing.T) {
	clk := clock.Fake(epoch)
	cell := NewCell(2)
	env := &fakeEnv{env: Environment{Temperature: 22.5, Humidity: 40, Pressure: 101325}}
	ps, _ := probes(0, 4095)

	var recorded []Snapshot
	s := NewSampler(DefaultConfig(), env, ps, cell, clk, logger.Nop())
	s.SetRecorder(recorderFunc(func(snap Snapshot) error {
		recorded = append(recorded, snap)
		return nil
	}))

	s.Sample()
	got := cell.Load()

	if got.Temperature != 22.5 || got.Humidity != 40 || got.Pressure != 101325 {
		t.Errorf("environment not published: %+v", got)
	}
	if got.Soil[0] != 0 || got.Soil[1] != 100 {
		t.Errorf("soil = %v, want [0 100]", got.Soil)
	}
	if !got.Timestamp.Equal(epoch) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, epoch)
	}
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1", got.Seq)
	}
	if len(recorded) != 1 {
		t.Errorf("recorded %d snapshots, want 1", len(recorded))
	}
}

func TestSampleKeepsPreviousValuesOnFailure(t *testing.T) {
	clk := clock.Fake(epoch)
	cell := NewCell(2)
	env := &fakeEnv{env: Environment{Temperature: 20, Humidity: 50, Pressure: 100000}}
	ps, fs := probes(4095, 0)

	var errs []string
	s := NewSampler(DefaultConfig(), env, ps, cell, clk, logger.Nop())
	s.SetErrorHook(func(source string) { errs = append(errs, source) })
	s.Sample()

	env.err = errors.New("i2c timeout")
	env.env = Environment{Temperature: 99}
	fs[0].err = errors.New("adc busy")
	fs[1].raw = 2048
	clk.Advance(30 * time.Second)
	s.Sample()

	got := cell.Load()
	if got.Temperature != 20 || got.Humidity != 50 {
		t.Errorf("environment should be retained, got %+v", got)
	}
	if got.Soil[0] != 100 {
		t.Errorf("failed probe should keep previous value, got %v", got.Soil[0])
	}
	if got.Soil[1] == 0 {
		t.Errorf("healthy probe should update, got %v", got.Soil[1])
	}
	if got.Seq != 2 || !got.Timestamp.Equal(epoch.Add(30*time.Second)) {
		t.Errorf("pass not stamped: seq=%d ts=%v", got.Seq, got.Timestamp)
	}
	if len(errs) != 2 {
		t.Errorf("error hook calls = %v, want 2", errs)
	}
}

func TestSamplerWithoutEnvironmentSensor(t *testing.T) {
	cell := NewCell(1)
	ps, _ := probes(1000)
	s := NewSampler(DefaultConfig(), nil, ps, cell, clock.Fake(epoch), logger.Nop())

	got := s.Sample()
	if got.Temperature != 0 || got.Pressure != 0 {
		t.Errorf("expected default environment, got %+v", got)
	}
	if got.Soil[0] == 0 {
		t.Error("soil should still be sampled")
	}
}

func TestRunSamplesEveryPeriod(t *testing.T) {
	clk := clock.Fake(epoch)
	cell := NewCell(1)
	env := &fakeEnv{}
	ps, _ := probes(0)
	s := NewSampler(DefaultConfig(), env, ps, cell, clk, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clk.WaitForTimers(1)
	clk.Advance(30 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for cell.Load().Seq < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("seq = %d after one period, want 2", cell.Load().Seq)
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

// Every field of a pass is written with the pass number; a reader must
// never see two different numbers in one Load.
func TestCellReadersSeeOnePass(t *testing.T) {
	cell := NewCell(4)
	const passes = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := cell.Load()
				v := float64(s.Seq)
				if s.Temperature != v || s.Humidity != v || s.Pressure != v {
					t.Errorf("mixed pass: %+v", s)
					return
				}
				for _, m := range s.Soil {
					if m != v {
						t.Errorf("mixed soil in pass %d: %v", s.Seq, s.Soil)
						return
					}
				}
			}
		}()
	}

	for i := 1; i <= passes; i++ {
		v := float64(i)
		cell.Store(&Snapshot{
			Temperature: v, Humidity: v, Pressure: v,
			Soil: []float64{v, v, v, v},
			Seq:  uint64(i),
		})
	}
	close(stop)
	wg.Wait()
}

func TestProbeNeverReadIsMarked(t *testing.T) {
	clk := clock.Fake(epoch)
	cell := NewCell(2)
	if boot := cell.Load(); boot.HasReading(0) || boot.HasReading(1) {
		t.Fatalf("boot snapshot should have no readings: %+v", boot)
	}

	ps, fs := probes(1000, 2000)
	fs[0].err = errors.New("ads1015 not detected")
	s := NewSampler(DefaultConfig(), nil, ps, cell, clk, logger.Nop())

	got := s.Sample()
	if got.HasReading(0) || !got.HasReading(1) {
		t.Errorf("unread = %v, want only zone 0 unread", got.Unread)
	}

	fs[0].err = nil
	got = s.Sample()
	if !got.HasReading(0) || got.Unread != nil {
		t.Errorf("unread = %v after recovery, want nil", got.Unread)
	}

	fs[0].err = errors.New("adc busy")
	if got = s.Sample(); !got.HasReading(0) {
		t.Error("a zone read once keeps counting as read")
	}
}
