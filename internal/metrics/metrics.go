// Package metrics exposes the node's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/command"
	"github.com/agsys/irrigation-node/internal/sensor"
	"github.com/agsys/irrigation-node/internal/syncer"
)

const namespace = "irrigation"

// Metrics records node activity. It is an actuator.Observer, a
// command.Recorder, a syncer.Recorder and a sensor.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	commands     *prometheus.CounterVec
	zoneState    *prometheus.GaugeVec
	zoneRuns     *prometheus.CounterVec
	pump         prometheus.Gauge
	cycles       *prometheus.CounterVec
	cycleUploads *prometheus.CounterVec
	fallbackRuns prometheus.Counter
	sensorErrors *prometheus.CounterVec
	soil         *prometheus.GaugeVec
	temperature  prometheus.Gauge
	humidity     prometheus.Gauge
	pressure     prometheus.Gauge
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands by lifecycle status.",
		}, []string{"status", "source"}),
		zoneState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_irrigating",
			Help:      "1 while the zone is irrigating.",
		}, []string{"zone"}),
		zoneRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zone_runs_total",
			Help:      "Irrigation runs started per zone.",
		}, []string{"zone", "source"}),
		pump: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pump_on",
			Help:      "1 while the pump line is asserted.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by mode.",
		}, []string{"mode"}),
		cycleUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Network operations attempted by online cycles.",
		}, []string{"operation", "result"}),
		fallbackRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_waterings_total",
			Help:      "Zones watered by the local fallback.",
		}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_errors_total",
			Help:      "Failed sensor reads by source.",
		}, []string{"source"}),
		soil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "soil_moisture_percent",
			Help:      "Latest soil moisture per zone.",
		}, []string{"zone"}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "air_temperature_celsius",
			Help:      "Latest air temperature.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "air_humidity_percent",
			Help:      "Latest relative humidity.",
		}),
		pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "air_pressure_pascals",
			Help:      "Latest barometric pressure.",
		}),
	}

	m.registry.MustRegister(
		m.commands, m.zoneState, m.zoneRuns, m.pump, m.cycles, m.cycleUploads,
		m.fallbackRuns, m.sensorErrors, m.soil, m.temperature, m.humidity, m.pressure,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every node metric.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueueDepth exports the current queue length, read at scrape time.
func (m *Metrics) QueueDepth(q *command.Queue) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "command_queue_depth",
		Help:      "Commands waiting for the executor.",
	}, func() float64 { return float64(q.Len()) }))
}

func (m *Metrics) ZoneChanged(ev actuator.ZoneEvent) {
	zone := strconv.Itoa(ev.Zone)
	if ev.State == actuator.Irrigating {
		m.zoneState.WithLabelValues(zone).Set(1)
		if ev.Reason == actuator.ReasonStart {
			m.zoneRuns.WithLabelValues(zone, ev.Source.String()).Inc()
		}
	} else {
		m.zoneState.WithLabelValues(zone).Set(0)
	}
	if ev.Pump {
		m.pump.Set(1)
	} else {
		m.pump.Set(0)
	}
}

func (m *Metrics) RecordCommand(cmd command.Command, status command.Status) error {
	m.commands.WithLabelValues(string(status), cmd.Source.String()).Inc()
	return nil
}

func (m *Metrics) RecordCycle(o syncer.Outcome) error {
	if !o.Online {
		m.cycles.WithLabelValues("offline").Inc()
		m.fallbackRuns.Add(float64(len(o.Watered)))
		return nil
	}
	m.cycles.WithLabelValues("online").Inc()
	m.cycleUploads.WithLabelValues("upload", result(o.Uploaded)).Inc()
	m.cycleUploads.WithLabelValues("fetch", result(o.Fetched)).Inc()
	return nil
}

func (m *Metrics) RecordSnapshot(s sensor.Snapshot) error {
	m.temperature.Set(s.Temperature)
	m.humidity.Set(s.Humidity)
	m.pressure.Set(s.Pressure)
	for i, v := range s.Soil {
		m.soil.WithLabelValues(strconv.Itoa(i)).Set(v)
	}
	return nil
}

// SensorError counts one failed read. It matches sensor.Sampler's error
// hook.
func (m *Metrics) SensorError(source string) {
	m.sensorErrors.WithLabelValues(source).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
