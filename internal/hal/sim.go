package hal

import (
	"sync"

	"github.com/agsys/irrigation-node/internal/sensor"
)

// Sim raw range and drift per read.
const (
	SimRawMax    = 4095
	simWetting   = 400
	simDrying    = 10
	simStartRaw  = 1200
	simStartTemp = 21.0
)

// Sim is an in-memory board. Soil under an open valve wets on each read
// and slowly dries otherwise.
type Sim struct {
	mu     sync.Mutex
	pump   bool
	valves []bool
	raw    []int
	env    sensor.Environment
	envErr error
	probes []sensor.MoistureProbe
}

// NewSim creates a simulated board with zones zones.
func NewSim(zones int) *Sim {
	s := &Sim{
		valves: make([]bool, zones),
		raw:    make([]int, zones),
		env: sensor.Environment{
			Temperature: simStartTemp,
			Humidity:    50,
			Pressure:    101325,
		},
	}
	for i := range s.raw {
		s.raw[i] = simStartRaw
		s.probes = append(s.probes, simProbe{sim: s, zone: i})
	}
	return s
}

func (s *Sim) SetPump(on bool) error {
	s.mu.Lock()
	s.pump = on
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetValve(zone int, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if zone < 0 || zone >= len(s.valves) {
		return ErrUnavailable
	}
	s.valves[zone] = open
	return nil
}

func (s *Sim) Environment() sensor.EnvSensor { return simEnv{s} }

func (s *Sim) Probes() []sensor.MoistureProbe { return s.probes }

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pump = false
	for i := range s.valves {
		s.valves[i] = false
	}
	return nil
}

// Pump returns the pump line state.
func (s *Sim) Pump() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump
}

// Valve returns a valve line state.
func (s *Sim) Valve(zone int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valves[zone]
}

// SetRaw sets a zone's raw probe value.
func (s *Sim) SetRaw(zone, raw int) {
	s.mu.Lock()
	s.raw[zone] = raw
	s.mu.Unlock()
}

// SetEnvironment sets the environmental reading, or a read error.
func (s *Sim) SetEnvironment(env sensor.Environment, err error) {
	s.mu.Lock()
	s.env = env
	s.envErr = err
	s.mu.Unlock()
}

type simEnv struct{ s *Sim }

func (e simEnv) ReadEnvironment() (sensor.Environment, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.s.env, e.s.envErr
}

type simProbe struct {
	sim  *Sim
	zone int
}

func (p simProbe) ReadRaw() (int, error) {
	s := p.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.raw[p.zone]
	if s.valves[p.zone] && s.pump {
		s.raw[p.zone] = min(v+simWetting, SimRawMax)
	} else {
		s.raw[p.zone] = max(v-simDrying, 0)
	}
	return v, nil
}
