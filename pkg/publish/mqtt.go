// Package publish pushes polled readings to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/commatea/SBus-Link/pkg/core"
	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/recorder"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const connectTimeout = 10 * time.Second

// Publisher publishes readings to one broker.
type Publisher struct {
	mu sync.Mutex

	cfg    core.PublishConfig
	client mqtt.Client
	log    *logger.Logger
}

// New creates a publisher. Connect must be called before Publish.
func New(cfg core.PublishConfig) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("sbuslink-%d", time.Now().Unix())
	}
	if cfg.Topic == "" {
		cfg.Topic = "sbuslink/readings"
	}
	return &Publisher{
		cfg: cfg,
		log: logger.Global().Component("publish"),
	}
}

// Connect establishes the broker connection.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.log.Warn("broker connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to %s: timeout", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", p.cfg.Broker, err)
	}

	p.client = client
	p.log.Info("connected to broker", "broker", p.cfg.Broker)
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}

// Publish sends one reading as JSON under <topic>/<connection>/<point>.
func (p *Publisher) Publish(r *recorder.Reading) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return fmt.Errorf("publish: not connected")
	}

	payload, err := json.Marshal(readingMessage{
		Connection: r.Connection,
		Point:      r.Point,
		Kind:       r.Kind,
		Address:    r.Address,
		Values:     r.Values,
		Timestamp:  r.Timestamp,
	})
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s/%s", p.cfg.Topic, r.Connection, r.Point)
	token := client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	return token.Error()
}

type readingMessage struct {
	Connection string    `json:"connection"`
	Point      string    `json:"point"`
	Kind       string    `json:"kind"`
	Address    int       `json:"address"`
	Values     []uint32  `json:"values"`
	Timestamp  time.Time `json:"timestamp"`
}
