package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/log"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Manager keeps the published entities in sync with the coordinator.
type Manager struct {
	pub             Publisher
	discoveryPrefix string

	mu        sync.Mutex
	configs   map[string][]byte
	online    bool
	hasOnline bool
}

// NewManager returns a Manager publishing through pub.
func NewManager(pub Publisher, discoveryPrefix string) *Manager {
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	return &Manager{
		pub:             pub,
		discoveryPrefix: discoveryPrefix,
		configs:         make(map[string][]byte),
	}
}

// Configured sets up a Manager publishing to the MQTT broker from flags. It
// returns a disabled Manager when no broker is configured.
func Configured() *Manager {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL to publish sensors to, e.g. tcp://localhost:1883 (disabled if empty)")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-discovery-prefix", DefaultDiscoveryPrefix, "Home Assistant MQTT discovery prefix")

	m := &Manager{configs: make(map[string][]byte)}

	lflag.Do(func() {
		m.discoveryPrefix = *prefix
		if *broker == "" {
			return
		}
		pub, err := NewMQTTPublisher(MQTTOptions{
			Broker:   *broker,
			Username: *username,
			Password: *password,
		})
		if err != nil {
			panic(fmt.Sprintf("mqtt connect failed: %v", err))
		}
		m.pub = pub
	})

	return m
}

// Enabled returns true if the Manager has somewhere to publish to.
func (m *Manager) Enabled() bool {
	return m != nil && m.pub != nil
}

// Update publishes the config of every new or changed entity, every state and
// marks the entities online.
func (m *Manager) Update(ctx context.Context, snap *coordinator.Snapshot) error {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range Entities(snap) {
		topic := e.ConfigTopic(m.discoveryPrefix)
		cfg, err := json.Marshal(e.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config of %s: %w", e.Config.UniqueID, err)
		}
		if prev, ok := m.configs[topic]; !ok || string(prev) != string(cfg) {
			if err := m.pub.Publish(ctx, topic, true, cfg); err != nil {
				return err
			}
			m.configs[topic] = cfg
		}
		if e.State == "" {
			continue
		}
		if err := m.pub.Publish(ctx, e.Config.StateTopic, true, []byte(e.State)); err != nil {
			return err
		}
	}
	return m.setAvailable(ctx, true)
}

// SetAvailable publishes the availability of every entity.
func (m *Manager) SetAvailable(ctx context.Context, online bool) error {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setAvailable(ctx, online)
}

func (m *Manager) setAvailable(ctx context.Context, online bool) error {
	if m.hasOnline && m.online == online {
		return nil
	}
	payload := availabilityOffline
	if online {
		payload = availabilityOnline
	}
	if err := m.pub.Publish(ctx, AvailabilityTopic(), true, []byte(payload)); err != nil {
		return err
	}
	m.online = online
	m.hasOnline = true
	log.Ctx(ctx).InfoContext(ctx, "published sensor availability", slog.String("availability", payload))
	return nil
}

// Remove deletes every published entity by clearing its retained config.
func (m *Manager) Remove(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for topic := range m.configs {
		if err := m.pub.Publish(ctx, topic, true, nil); err != nil {
			return err
		}
		delete(m.configs, topic)
	}
	return nil
}

// Listener updates the entities after every successful refresh.
func (m *Manager) Listener(ctx context.Context, snap *coordinator.Snapshot) {
	if err := m.Update(ctx, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish sensors", slog.Any("error", err))
	}
}

// FailureListener marks the entities offline after a failed refresh.
func (m *Manager) FailureListener(ctx context.Context, _ error) {
	if err := m.SetAvailable(ctx, false); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish sensor availability", slog.Any("error", err))
	}
}

// Close marks the entities offline and closes the publisher.
func (m *Manager) Close(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	if err := m.SetAvailable(ctx, false); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish sensor availability", slog.Any("error", err))
	}
	m.pub.Close()
}
