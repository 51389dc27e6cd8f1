package hal

import (
	"errors"
	"fmt"
	"strconv"

	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/sensor"
)

// Raspi drives relays on the Raspberry Pi header, a BME280 and an ADS1015
// on the I2C bus. The ADS1015 reports millivolts, so the moisture raw
// range in the configuration must be given in millivolts too.
type Raspi struct {
	adaptor *raspi.Adaptor
	pump    *gpio.RelayDriver
	valves  []*gpio.RelayDriver
	bme     *i2c.BME280Driver
	adc     *i2c.ADS1x15Driver
	probes  []sensor.MoistureProbe
	log     *logger.Logger
}

// NewRaspi connects the adaptor and starts every driver. The relays are
// required; the BME280 and ADS1015 are optional and their reads fail with
// ErrUnavailable when they did not start.
func NewRaspi(cfg Config, log *logger.Logger) (*Raspi, error) {
	a := raspi.NewAdaptor()
	if err := a.Connect(); err != nil {
		return nil, fmt.Errorf("connect raspi adaptor: %w", err)
	}

	r := &Raspi{adaptor: a, log: log}

	r.pump = gpio.NewRelayDriver(a, cfg.PumpPin)
	if err := r.pump.Start(); err != nil {
		a.Finalize()
		return nil, fmt.Errorf("start pump relay on pin %s: %w", cfg.PumpPin, err)
	}
	for i, pin := range cfg.ValvePins {
		v := gpio.NewRelayDriver(a, pin)
		if err := v.Start(); err != nil {
			a.Finalize()
			return nil, fmt.Errorf("start valve relay %d on pin %s: %w", i, pin, err)
		}
		r.valves = append(r.valves, v)
	}

	bme := i2c.NewBME280Driver(a)
	if err := bme.Start(); err != nil {
		log.Warnw("BME280 not detected", "err", err)
	} else {
		r.bme = bme
	}

	adc := i2c.NewADS1015Driver(a)
	if err := adc.Start(); err != nil {
		log.Warnw("ADS1015 not detected", "err", err)
	} else {
		r.adc = adc
	}
	for _, ch := range cfg.MoistureChannels {
		r.probes = append(r.probes, &adcProbe{board: r, channel: strconv.Itoa(ch)})
	}

	log.Infow("raspi board ready", "pump_pin", cfg.PumpPin, "valves", len(r.valves),
		"bme280", r.bme != nil, "ads1015", r.adc != nil)
	return r, nil
}

func (r *Raspi) SetPump(on bool) error {
	if on {
		return r.pump.On()
	}
	return r.pump.Off()
}

func (r *Raspi) SetValve(zone int, open bool) error {
	if zone < 0 || zone >= len(r.valves) {
		return fmt.Errorf("no valve for zone %d", zone)
	}
	if open {
		return r.valves[zone].On()
	}
	return r.valves[zone].Off()
}

// Environment returns nil when the BME280 did not start.
func (r *Raspi) Environment() sensor.EnvSensor {
	if r.bme == nil {
		return nil
	}
	return bme280{r.bme}
}

func (r *Raspi) Probes() []sensor.MoistureProbe { return r.probes }

// Close switches every relay off and releases the adaptor.
func (r *Raspi) Close() error {
	var errs []error
	for _, v := range r.valves {
		errs = append(errs, v.Off())
	}
	errs = append(errs, r.pump.Off())
	errs = append(errs, r.adaptor.Finalize())
	return errors.Join(errs...)
}

type bme280 struct {
	d *i2c.BME280Driver
}

func (b bme280) ReadEnvironment() (sensor.Environment, error) {
	t, err := b.d.Temperature()
	if err != nil {
		return sensor.Environment{}, fmt.Errorf("read temperature: %w", err)
	}
	h, err := b.d.Humidity()
	if err != nil {
		return sensor.Environment{}, fmt.Errorf("read humidity: %w", err)
	}
	p, err := b.d.Pressure()
	if err != nil {
		return sensor.Environment{}, fmt.Errorf("read pressure: %w", err)
	}
	return sensor.Environment{
		Temperature: float64(t),
		Humidity:    float64(h),
		Pressure:    float64(p),
	}, nil
}

type adcProbe struct {
	board   *Raspi
	channel string
}

func (p *adcProbe) ReadRaw() (int, error) {
	if p.board.adc == nil {
		return 0, ErrUnavailable
	}
	return p.board.adc.AnalogRead(p.channel)
}
