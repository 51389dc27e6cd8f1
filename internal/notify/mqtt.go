// Package notify mirrors zone transitions to an MQTT broker on the local
// network.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/logger"
)

// Config holds MQTT publisher configuration
type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	TopicPrefix string
	MaxRetries  int
}

// ZoneMessage is the JSON payload published for each transition.
type ZoneMessage struct {
	DeviceID  string    `json:"device_id"`
	Seq       uint64    `json:"seq"`
	Zone      int       `json:"zone"`
	State     string    `json:"state"`
	Pump      bool      `json:"pump"`
	CommandID string    `json:"command_id,omitempty"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Publisher publishes zone events. It implements actuator.Observer.
type Publisher struct {
	client   mqtt.Client
	deviceID string
	prefix   string
	log      *logger.Logger
}

// Connect dials the broker, retrying with exponential backoff.
func Connect(cfg Config, deviceID string, log *logger.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	return connect(client, cfg, deviceID, log)
}

func connect(client mqtt.Client, cfg Config, deviceID string, log *logger.Logger) (*Publisher, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warnw("failed to connect to MQTT broker", "broker", cfg.Broker, "err", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, uint64(maxRetries-1)))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	log.Infow("connected to MQTT broker", "broker", cfg.Broker)
	return &Publisher{
		client:   client,
		deviceID: deviceID,
		prefix:   cfg.TopicPrefix,
		log:      log,
	}, nil
}

// Topic returns the topic used for a zone.
func (p *Publisher) Topic(zone int) string {
	return fmt.Sprintf("%s/%s/zones/%d", p.prefix, p.deviceID, zone)
}

// ZoneChanged publishes ev without waiting for the broker.
func (p *Publisher) ZoneChanged(ev actuator.ZoneEvent) {
	msg := ZoneMessage{
		DeviceID:  p.deviceID,
		Seq:       ev.Seq,
		Zone:      ev.Zone,
		State:     ev.State.String(),
		Pump:      ev.Pump,
		CommandID: ev.CommandID,
		Source:    ev.Source.String(),
		Reason:    ev.Reason,
		At:        ev.At.UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warnw("failed to marshal zone event", "err", err)
		return
	}

	// Called from the actuator's callers; never block them on the network.
	token := p.client.Publish(p.Topic(ev.Zone), 1, true, data)
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			p.log.Warnw("failed to publish zone event", "zone", ev.Zone, "err", token.Error())
		}
	}()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Infow("MQTT client disconnected")
	}
}
