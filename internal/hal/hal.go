// Package hal binds the node's logical outputs and sensors to hardware.
package hal

import (
	"errors"
	"fmt"

	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
)

// ErrUnavailable is returned by reads from a device that failed to start.
var ErrUnavailable = errors.New("device unavailable")

// Board is one hardware binding. Environment returns nil when the
// environmental sensor was not detected.
type Board interface {
	SetPump(on bool) error
	SetValve(zone int, open bool) error
	Environment() sensor.EnvSensor
	Probes() []sensor.MoistureProbe
	Close() error
}

// Config describes the wiring.
type Config struct {
	Driver           string
	PumpPin          string
	ValvePins        []string
	MoistureChannels []int
}

// Open returns the board for cfg.Driver.
func Open(cfg Config, log *logger.Logger) (Board, error) {
	switch cfg.Driver {
	case "raspi":
		return NewRaspi(cfg, log)
	case "sim":
		return NewSim(len(cfg.ValvePins)), nil
	}
	return nil, fmt.Errorf("unknown hardware driver %q", cfg.Driver)
}
