package sensors

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher sends payloads to a message broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, retained bool, payload []byte) error
	Close()
}

// MQTTPublisher publishes to an MQTT broker with QoS 1.
type MQTTPublisher struct {
	client mqtt.Client
}

// MQTTOptions configures NewMQTTPublisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewMQTTPublisher connects to the broker. The broker marks every entity
// offline if the connection drops.
func NewMQTTPublisher(o MQTTOptions) (*MQTTPublisher, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	clientID := o.ClientID
	if clientID == "" {
		clientID = "natgridstats"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(AvailabilityTopic(), "offline", 1, true)

	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	return &MQTTPublisher{client: client}, nil
}

// Publish sends payload to topic and waits for the broker to acknowledge it.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the MQTT broker.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
