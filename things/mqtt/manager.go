/*
Package mqtt owns the outbound connection to the MQTT broker the
thingy devices publish on. A Manager holds exactly one connection per
process, established lazily on first use. It subscribes to the shadow
update topic of all devices with a single wildcard subscription,
classifies every inbound message and routes it to the time-series
store and, for discrete events, to the in-process event bus. It also
publishes actuator commands back to individual devices.
*/
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/relabs-tech/thingcloud/core/logger"
	"github.com/relabs-tech/thingcloud/things"
	"github.com/relabs-tech/thingcloud/things/eventbus"
)

// subscribeTopic matches the shadow update topic of every device with
// one subscription. The single-level wildcard stands for the device
// name.
const subscribeTopic = "things/+/shadow/update"

// envelopeSchema is the JSON schema for the device message envelope.
// Anything that does not validate is dropped before classification.
const envelopeSchema = `{
	"type": "object",
	"properties": {
		"appId": { "type": "string" },
		"data": {},
		"messageType": { "type": "string" }
	},
	"required": ["appId", "data"]
}`

// Config holds the broker endpoint and credentials.
type Config struct {
	Server   string
	Port     int
	Username string
	Password string
}

// Manager owns the single broker connection.
type Manager struct {
	config Config
	store  things.Store
	bus    *eventbus.Bus
	schema *gojsonschema.Schema

	mu     sync.Mutex
	client paho.Client

	// newClient is the paho constructor, replaceable in tests
	newClient func(*paho.ClientOptions) paho.Client
}

// Builder is a builder helper for the Manager.
type Builder struct {
	// Config is the broker endpoint configuration. This is mandatory.
	Config Config
	// Store is the time-series store readings and events are written
	// to. This is mandatory.
	Store things.Store
	// Bus is the in-process event bus discrete events are published
	// on. This is mandatory.
	Bus *eventbus.Bus
}

// NewManager returns a new manager. The broker connection is not
// established yet; it is created on the first call of Connect or
// Publish.
func NewManager(b *Builder) *Manager {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Bus == nil {
		panic("Bus is missing")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		panic(fmt.Errorf("envelope schema: %w", err))
	}

	return &Manager{
		config:    b.Config,
		store:     b.Store,
		bus:       b.Bus,
		schema:    schema,
		newClient: paho.NewClient,
	}
}

// Connect establishes the broker connection and the wildcard
// subscription. It is idempotent: concurrent and repeated calls
// resolve to the one shared connection. A connect failure is returned
// to the caller; the loss of an established connection is only
// logged, reconnecting is an operational concern outside of this
// service.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}

	rlog := logger.Default()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.config.Server, m.config.Port)).
		SetUsername(m.config.Username).
		SetPassword(m.config.Password).
		SetClientID("thingcloud-" + uuid.NewString()).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Default().WithError(err).Errorln("mqtt connection lost")
		})

	client := m.newClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}

	if token := client.Subscribe(subscribeTopic, 1, func(_ paho.Client, msg paho.Message) {
		m.Dispatch(msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt subscribe %s: %w", subscribeTopic, token.Error())
	}

	rlog.Infoln("connected to mqtt broker, subscribed to", subscribeTopic)
	m.client = client
	return nil
}

// Disconnect tears down the broker connection, if one exists.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
}

// Publish sends payload to the accepted shadow update topic of one
// device with quality of service 1. The returned error covers the
// broker handshake for this publish, not the device's processing.
func (m *Manager) Publish(deviceID string, payload []byte) error {
	if err := m.Connect(); err != nil {
		return err
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	topic := "things/" + deviceID + "/shadow/update/accepted"
	// a concurrent Disconnect may have torn the connection down again
	if client == nil {
		return fmt.Errorf("mqtt publish %s: not connected", topic)
	}
	if token := client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, token.Error())
	}
	logger.Default().Debugln("published to", topic)
	return nil
}

// Dispatch classifies and routes one raw broker message. Every
// message produces at most one persisted record and at most one bus
// publication; anything unparseable or unrecognized is logged and
// dropped so that a bad message can never tear down the shared
// connection. Dispatch is safe for concurrent use.
func (m *Manager) Dispatch(topic string, payload []byte) {
	rlog := logger.Default()

	thingyName, ok := deviceNameFromTopic(topic)
	if !ok {
		rlog.Warningln("dropping message with malformed topic:", topic)
		return
	}

	if result, err := m.schema.Validate(gojsonschema.NewBytesLoader(payload)); err != nil || !result.Valid() {
		rlog.Warningln("dropping invalid message from", thingyName)
		return
	}

	var msg things.DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		rlog.WithError(err).Warningln("dropping unparseable message from", thingyName)
		return
	}

	now := time.Now().UTC()
	ctx := context.Background()

	if kind, ok := things.SensorKindFromString(msg.AppID); ok {
		value, ok := numericValue(msg.Data)
		if !ok {
			rlog.Warningln("dropping non-numeric", msg.AppID, "reading from", thingyName)
			return
		}
		reading := things.SensorReading{
			ThingyName: thingyName,
			Kind:       kind,
			Value:      value,
			Timestamp:  now,
		}
		if err := m.store.WriteReading(ctx, reading); err != nil {
			rlog.WithError(err).Errorln("failed to write", msg.AppID, "reading for", thingyName)
		}
		return
	}

	switch things.EventKind(msg.AppID) {
	case things.EventFlip, things.EventButton:
		kind := things.EventKind(msg.AppID)
		event := things.DiscreteEvent{
			ThingyName: thingyName,
			Kind:       kind,
			Value:      stringValue(msg.Data),
			Timestamp:  now,
		}
		// persistence and live push are independent side effects: a
		// failed write must not suppress the push
		if err := m.store.WriteEvent(ctx, event); err != nil {
			rlog.WithError(err).Errorln("failed to write", msg.AppID, "event for", thingyName)
		}
		m.bus.Publish(eventbus.Event{
			Device:    thingyName,
			Category:  kind.Category(),
			Value:     event.Value,
			Timestamp: now,
		})
	default:
		rlog.Warningln("dropping message with unknown appId", msg.AppID, "from", thingyName)
	}
}

// deviceNameFromTopic extracts the device name as the segment
// following the literal "things" segment.
func deviceNameFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "things" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}

// numericValue interprets the data field of a sensor reading. Devices
// report numbers, but some firmware versions quote them.
func numericValue(data json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// stringValue interprets the data field of a discrete event.
func stringValue(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}
