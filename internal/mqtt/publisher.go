package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolmux/internal/buildinfo"
	"github.com/nugget/toolmux/internal/config"
	"github.com/nugget/toolmux/internal/mcp"
)

// StatusSource supplies session snapshots. The session registry
// satisfies it.
type StatusSource interface {
	Status() []mcp.SessionStatus
}

// Publisher manages the broker connection, announces discovery
// configs on (re-)connect, and periodically pushes sensor states.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	source     StatusSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source StatusSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		source:     source,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "toolmux-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "toolmux/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// serverEntity returns the entity suffix for a shared server. HA
// object ids allow only lowercase letters, digits, and underscores.
func serverEntity(name string) string {
	var b strings.Builder
	b.WriteString("server_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

// sensorDefinitions returns the aggregate sensors followed by one
// state sensor per shared server currently in the registry.
func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"
	connected := p.sensor("sessions_connected", "Connected Servers", "mdi:lan-connect")
	connected.StateClass = "measurement"
	tenants := p.sensor("tenant_sessions", "Tenant Sessions", "mdi:account-multiple")
	tenants.StateClass = "measurement"
	pending := p.sensor("pending_calls", "Pending Calls", "mdi:timer-sand")
	pending.StateClass = "measurement"

	defs := []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"sessions_connected", connected},
		{"tenant_sessions", tenants},
		{"pending_calls", pending},
	}

	for _, st := range p.source.Status() {
		if st.TenantID != "" {
			continue
		}
		entity := serverEntity(st.Name)
		cfg := p.sensor(entity, st.Name, "mdi:tools")
		cfg.JsonAttributesTopic = p.attributesTopic(entity)
		defs = append(defs, sensorDef{entitySuffix: entity, config: cfg})
	}
	return defs
}

// snapshot computes every sensor state, and the attribute payloads of
// the per-server sensors.
func (p *Publisher) snapshot() (states map[string]string, attrs map[string][]byte) {
	statuses := p.source.Status()
	states = make(map[string]string)
	attrs = make(map[string][]byte)

	var connected, tenantSessions, pending int
	for _, st := range statuses {
		pending += st.Pending
		if st.TenantID != "" {
			tenantSessions++
			continue
		}
		if st.State == mcp.StateConnected {
			connected++
		}
		entity := serverEntity(st.Name)
		states[entity] = st.State.String()
		if data, err := json.Marshal(st); err == nil {
			attrs[entity] = data
		}
	}

	states["uptime"] = buildinfo.Uptime().String()
	states["version"] = buildinfo.Version
	states["sessions_connected"] = strconv.Itoa(connected)
	states["tenant_sessions"] = strconv.Itoa(tenantSessions)
	states["pending_calls"] = strconv.Itoa(pending)
	return states, attrs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states, attrs := p.snapshot()

	publish := func(topic string, payload []byte) {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
		}
	}
	for entity, value := range states {
		publish(p.stateTopic(entity), []byte(value))
	}
	for entity, data := range attrs {
		publish(p.attributesTopic(entity), data)
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
