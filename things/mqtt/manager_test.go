package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/thingcloud/things"
	"github.com/relabs-tech/thingcloud/things/eventbus"
)

// fakeStore records writes and optionally fails them.
type fakeStore struct {
	mu          sync.Mutex
	readings    []things.SensorReading
	events      []things.DiscreteEvent
	failReading error
	failEvent   error
}

func (f *fakeStore) WriteReading(_ context.Context, reading things.SensorReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReading != nil {
		return f.failReading
	}
	f.readings = append(f.readings, reading)
	return nil
}

func (f *fakeStore) WriteEvent(_ context.Context, event things.DiscreteEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEvent != nil {
		return f.failEvent
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStore) ReadReadings(context.Context, string, things.SensorKind, time.Time, time.Time) ([]things.SensorReading, error) {
	return nil, nil
}

func (f *fakeStore) ReadEvents(context.Context, string, things.EventKind) ([]things.DiscreteEvent, error) {
	return nil, nil
}

func (f *fakeStore) ReadStatistic(context.Context, string, things.SensorKind, things.Statistic, time.Time, time.Time) (float64, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) snapshot() ([]things.SensorReading, []things.DiscreteEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]things.SensorReading{}, f.readings...), append([]things.DiscreteEvent{}, f.events...)
}

func newTestManager(store *fakeStore, bus *eventbus.Bus) *Manager {
	return NewManager(&Builder{
		Config: Config{Server: "localhost", Port: 1883},
		Store:  store,
		Bus:    bus,
	})
}

func payload(appID string, data interface{}) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(things.DeviceMessage{AppID: appID, Data: raw, MessageType: "DATA"})
	return b
}

func TestDispatchSensorReadings(t *testing.T) {
	store := &fakeStore{}
	bus := eventbus.New()
	m := newTestManager(store, bus)

	for _, appID := range []string{"TEMP", "HUMID", "AIR_PRESS", "AIR_QUAL", "CO2_EQUIV", "LIGHT"} {
		m.Dispatch("things/yellow-2/shadow/update", payload(appID, 23.5))
	}

	readings, events := store.snapshot()
	if len(readings) != 6 {
		t.Fatalf("expected 6 readings, got %d", len(readings))
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
	for _, reading := range readings {
		if reading.ThingyName != "yellow-2" || reading.Value != 23.5 {
			t.Fatalf("unexpected reading %+v", reading)
		}
	}
}

func TestDispatchQuotedNumericReading(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store, eventbus.New())

	m.Dispatch("things/yellow-2/shadow/update", payload("TEMP", "21.25"))

	readings, _ := store.snapshot()
	if len(readings) != 1 || readings[0].Value != 21.25 {
		t.Fatalf("expected one reading with value 21.25, got %+v", readings)
	}
}

func TestDispatchDiscreteEvent(t *testing.T) {
	store := &fakeStore{}
	bus := eventbus.New()
	m := newTestManager(store, bus)

	flips, cancel := bus.Subscribe(eventbus.Topic{Device: "yellow-2", Category: "flip"}, 1)
	defer cancel()

	m.Dispatch("things/yellow-2/shadow/update", payload("FLIP", "ONSIDE"))

	_, events := store.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one persisted event, got %d", len(events))
	}
	if events[0].Kind != things.EventFlip || events[0].Value != "ONSIDE" {
		t.Fatalf("unexpected event %+v", events[0])
	}

	select {
	case ev := <-flips:
		if ev.Value != "ONSIDE" || ev.Device != "yellow-2" {
			t.Fatalf("unexpected bus event %+v", ev)
		}
	default:
		t.Fatal("expected exactly one bus publication")
	}
}

func TestDispatchButtonEvent(t *testing.T) {
	store := &fakeStore{}
	bus := eventbus.New()
	m := newTestManager(store, bus)

	buttons, cancel := bus.Subscribe(eventbus.Topic{Device: "orange-7", Category: "button"}, 1)
	defer cancel()

	m.Dispatch("things/orange-7/shadow/update", payload("BUTTON", "1"))

	_, events := store.snapshot()
	if len(events) != 1 || events[0].Kind != things.EventButton {
		t.Fatalf("unexpected events %+v", events)
	}
	select {
	case <-buttons:
	default:
		t.Fatal("expected a button publication")
	}
}

func TestDispatchDropsUnknownAndMalformed(t *testing.T) {
	store := &fakeStore{}
	bus := eventbus.New()
	m := newTestManager(store, bus)

	subscription, cancel := bus.Subscribe(eventbus.Topic{Device: "yellow-2", Category: "flip"}, 4)
	defer cancel()

	m.Dispatch("things/yellow-2/shadow/update", payload("SOUND", 1))           // unknown appId
	m.Dispatch("things/yellow-2/shadow/update", []byte("not json"))            // unparseable
	m.Dispatch("things/yellow-2/shadow/update", []byte(`{"appId":"TEMP"}`))    // missing data
	m.Dispatch("things/yellow-2/shadow/update", payload("TEMP", "not_a_number"))
	m.Dispatch("shadow/update", payload("TEMP", 1.0))                          // no things segment
	m.Dispatch("things", payload("TEMP", 1.0))                                 // nothing after things

	readings, events := store.snapshot()
	if len(readings) != 0 || len(events) != 0 {
		t.Fatalf("expected nothing persisted, got %d readings, %d events", len(readings), len(events))
	}
	select {
	case ev := <-subscription:
		t.Fatalf("expected no publication, got %+v", ev)
	default:
	}
}

func TestDispatchPushSurvivesWriteFailure(t *testing.T) {
	store := &fakeStore{failEvent: errors.New("influx down")}
	bus := eventbus.New()
	m := newTestManager(store, bus)

	flips, cancel := bus.Subscribe(eventbus.Topic{Device: "yellow-2", Category: "flip"}, 1)
	defer cancel()

	m.Dispatch("things/yellow-2/shadow/update", payload("FLIP", "NORMAL"))

	select {
	case ev := <-flips:
		if ev.Value != "NORMAL" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("live push must proceed even when persistence fails")
	}
}

func TestDeviceNameFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		name  string
		ok    bool
	}{
		{"things/yellow-2/shadow/update", "yellow-2", true},
		{"prefix/things/orange-7/shadow/update", "orange-7", true},
		{"things", "", false},
		{"things/", "", false},
		{"shadow/update", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		name, ok := deviceNameFromTopic(c.topic)
		if name != c.name || ok != c.ok {
			t.Fatalf("topic %q: got (%q, %v), want (%q, %v)", c.topic, name, ok, c.name, c.ok)
		}
	}
}

// fakeToken is a paho token that is already complete.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient is a paho client that records publishes.
type fakeClient struct {
	paho.Client

	mu         sync.Mutex
	connected  bool
	subscribed []string
	published  []publishedMessage
}

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool { return true }

func TestConnectIsIdempotentUnderConcurrency(t *testing.T) {
	m := newTestManager(&fakeStore{}, eventbus.New())

	var mu sync.Mutex
	created := 0
	m.newClient = func(*paho.ClientOptions) paho.Client {
		mu.Lock()
		defer mu.Unlock()
		created++
		return &fakeClient{}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if created != 1 {
		t.Fatalf("expected exactly one connection, got %d", created)
	}
}

func TestConnectSubscribesWildcardTopic(t *testing.T) {
	m := newTestManager(&fakeStore{}, eventbus.New())
	client := &fakeClient{}
	m.newClient = func(*paho.ClientOptions) paho.Client { return client }

	if err := m.Connect(); err != nil {
		t.Fatal(err)
	}
	if len(client.subscribed) != 1 || client.subscribed[0] != "things/+/shadow/update" {
		t.Fatalf("unexpected subscriptions %v", client.subscribed)
	}
}

func TestPublishBuildsAcceptedTopic(t *testing.T) {
	m := newTestManager(&fakeStore{}, eventbus.New())
	client := &fakeClient{}
	m.newClient = func(*paho.ClientOptions) paho.Client { return client }

	if err := m.Publish("yellow-2", things.BuzzerCommand(true)); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(client.published))
	}
	msg := client.published[0]
	if msg.topic != "things/yellow-2/shadow/update/accepted" {
		t.Fatalf("unexpected topic %q", msg.topic)
	}
	if msg.qos != 1 {
		t.Fatalf("expected QoS 1, got %d", msg.qos)
	}
	var command struct {
		Data struct {
			Frequency int `json:"frequency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.payload, &command); err != nil {
		t.Fatal(err)
	}
	if command.Data.Frequency != 3000 {
		t.Fatalf("expected frequency 3000, got %d", command.Data.Frequency)
	}
}

func TestPublishDuringDisconnect(t *testing.T) {
	m := newTestManager(&fakeStore{}, eventbus.New())
	m.newClient = func(*paho.ClientOptions) paho.Client { return &fakeClient{} }

	// Publish reconnects lazily, Disconnect tears the connection down.
	// Interleaving the two must never panic; a publish that loses the
	// race reports an error instead.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := m.Publish("yellow-2", things.BuzzerCommand(false)); err != nil {
					if !strings.Contains(err.Error(), "not connected") {
						t.Error(err)
					}
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Disconnect()
			}
		}()
	}
	wg.Wait()
}

func TestConnectErrorPropagates(t *testing.T) {
	m := newTestManager(&fakeStore{}, eventbus.New())
	m.newClient = func(*paho.ClientOptions) paho.Client {
		return &failingClient{err: errors.New("broker unreachable")}
	}
	if err := m.Connect(); err == nil {
		t.Fatal("expected connect error to propagate")
	}
	// the manager must not keep a half-connected client around
	if m.client != nil {
		t.Fatal("failed connect must not be cached")
	}
}

type failingClient struct {
	paho.Client
	err error
}

func (c *failingClient) Connect() paho.Token { return &fakeToken{err: c.err} }
