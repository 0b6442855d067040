package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	bufferCapacity = 512
	publishTimeout = 5 * time.Second
)

// Options configures the broker connection
type Options struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
}

// RealPublisher publishes to an actual MQTT broker. Readings published while
// the connection is down are queued and replayed on reconnect, together with
// the newest bridge status.
type RealPublisher struct {
	client paho.Client
	prefix string

	mu          sync.Mutex
	buffer      *offlineQueue
	onCalibrate func(float64)
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	p := &RealPublisher{
		prefix: opts.TopicPrefix,
		buffer: newOfflineQueue(bufferCapacity),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, err
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(JoinTopic(opts.TopicPrefix, TopicSystem), string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) {
			p.replay()
			p.resubscribe()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	p.client = paho.NewClient(clientOpts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	log.WithField("broker", opts.Broker).Info("Connected to MQTT broker")
	return p, nil
}

// Publish sends a glucose reading to the broker.
func (p *RealPublisher) Publish(event GlucoseEvent) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.send(pendingMsg{topic: JoinTopic(p.prefix, TopicGlucose), payload: payload})
}

// PublishSystem sends a bridge event to the broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(pendingMsg{
		topic:      JoinTopic(p.prefix, TopicSystem),
		payload:    payload,
		qos:        1,
		retained:   event.Retained,
		latestOnly: true,
	})
}

func (p *RealPublisher) send(msg pendingMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}

	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *RealPublisher) replay() {
	p.mu.Lock()
	msgs := p.buffer.drainAll()
	p.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	log.WithField("messages", len(msgs)).Info("Replaying buffered MQTT messages")
	for _, msg := range msgs {
		// Fire and forget; this runs on the paho callback goroutine
		p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	}
}

// IsConnected reports whether the broker connection is up
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
