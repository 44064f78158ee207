package telemetry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"camtrawl-acq/pkg/config"
	"camtrawl-acq/pkg/types"
	"camtrawl-acq/pkg/utils"
)

const (
	connectTimeout = 5 * time.Second
	// disconnectQuiesceMS lets in-flight messages go out before the link drops.
	disconnectQuiesceMS = 250
)

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher mirrors sensor data, status and parameter changes to an MQTT
// broker. Publishing never blocks the caller; failures are counted and
// logged.
type Publisher struct {
	client client
	prefix string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

type ParameterChange struct {
	Module    string    `json:"module"`
	Parameter string    `json:"parameter"`
	Value     string    `json:"value"`
	Time      time.Time `json:"time"`
}

// Connect dials the broker in cfg. It fails when the broker does not answer
// within a few seconds; the caller decides whether to run without telemetry.
func Connect(cfg config.Telemetry) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	logger := utils.GetLogger()
	opts.OnConnect = func(mqtt.Client) {
		logger.Infof("telemetry: connected to %s", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnf("telemetry: connection to %s lost: %s", broker, err)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}

	return newPublisher(c, cfg.TopicPrefix), nil
}

func newPublisher(c client, prefix string) *Publisher {
	return &Publisher{
		client: c,
		prefix: strings.TrimRight(prefix, "/"),
		logger: utils.GetLogger(),
	}
}

func (p *Publisher) Sensor(r types.SensorReading) {
	p.publish("sensors/"+r.SensorID, r)
}

func (p *Publisher) Parameter(c ParameterChange) {
	p.publish("parameters/"+c.Module, c)
}

func (p *Publisher) Status(v any) {
	p.publish("status", v)
}

func (p *Publisher) Stats() (published, errors uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

// Close disconnects in the background and calls onDone afterwards.
func (p *Publisher) Close(onDone func()) {
	go func() {
		p.client.Disconnect(disconnectQuiesceMS)
		p.logger.Info("telemetry: disconnected")
		if onDone != nil {
			onDone()
		}
	}()
}

func (p *Publisher) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.failed(topic, err)
		return
	}
	token := p.client.Publish(p.prefix+"/"+topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.failed(topic, err)
			return
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}()
}

func (p *Publisher) failed(topic string, err error) {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
	p.logger.Debugf("telemetry: publish %s: %s", topic, err)
}
