/*
Package things defines the domain model for thingy devices: sensor
readings, discrete events, the MQTT wire envelope and actuator command
payloads, plus the store and resolver interfaces the telemetry
services are built against.
*/
package things

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// SensorKind identifies one of the continuous measurement streams a
// thingy reports.
type SensorKind string

// The sensor kinds reported on the shadow update topic.
const (
	SensorTemperature SensorKind = "TEMP"
	SensorHumidity    SensorKind = "HUMID"
	SensorAirPressure SensorKind = "AIR_PRESS"
	SensorAirQuality  SensorKind = "AIR_QUAL"
	SensorCO2         SensorKind = "CO2_EQUIV"
	SensorLight       SensorKind = "LIGHT"
)

// SensorKindFromString returns the sensor kind for s, if s is one of
// the known kinds.
func SensorKindFromString(s string) (SensorKind, bool) {
	switch SensorKind(s) {
	case SensorTemperature, SensorHumidity, SensorAirPressure,
		SensorAirQuality, SensorCO2, SensorLight:
		return SensorKind(s), true
	}
	return "", false
}

// EventKind identifies a discrete occurrence reported once per event
// rather than sampled periodically.
type EventKind string

// The discrete event kinds.
const (
	EventFlip   EventKind = "FLIP"
	EventButton EventKind = "BUTTON"
)

// Category returns the lower-case category name used in live
// subscription topics and API routes.
func (k EventKind) Category() string {
	switch k {
	case EventFlip:
		return "flip"
	case EventButton:
		return "button"
	}
	return ""
}

// EventKindFromCategory returns the event kind for a category name.
func EventKindFromCategory(category string) (EventKind, bool) {
	switch category {
	case "flip":
		return EventFlip, true
	case "button":
		return EventButton, true
	}
	return "", false
}

// MessageTypeCfgSet is the message type for configuration commands
// sent to a device.
const MessageTypeCfgSet = "CFG_SET"

// DeviceMessage is the JSON envelope exchanged with devices on the
// shadow update topics. Data is a number for sensor readings and a
// string for discrete events; commands carry an object.
type DeviceMessage struct {
	AppID       string          `json:"appId"`
	Data        json.RawMessage `json:"data"`
	MessageType string          `json:"messageType"`
}

// SensorReading is one sample of a continuous measurement, immutable
// once written to the time-series store.
type SensorReading struct {
	ThingyName string     `json:"thingyName"`
	Kind       SensorKind `json:"type"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
}

// DiscreteEvent is one discrete occurrence. FLIP events carry the
// orientation as value, BUTTON events the button payload.
type DiscreteEvent struct {
	ThingyName string    `json:"thingyName"`
	Kind       EventKind `json:"type"`
	Value      string    `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Statistic is an aggregate over a window of sensor readings.
type Statistic string

// The supported statistics.
const (
	StatisticMin     Statistic = "min"
	StatisticMax     Statistic = "max"
	StatisticAverage Statistic = "average"
)

// StatisticFromString returns the statistic for s, if supported.
func StatisticFromString(s string) (Statistic, bool) {
	switch Statistic(s) {
	case StatisticMin, StatisticMax, StatisticAverage:
		return Statistic(s), true
	}
	return "", false
}

// Store is the time-series store the ingestion path writes to and the
// query facade reads from.
type Store interface {
	// WriteReading appends one sensor reading.
	WriteReading(ctx context.Context, reading SensorReading) error
	// WriteEvent appends one discrete event.
	WriteEvent(ctx context.Context, event DiscreteEvent) error
	// ReadReadings returns all readings for one device and sensor
	// kind within [start, end].
	ReadReadings(ctx context.Context, thingyName string, kind SensorKind, start, end time.Time) ([]SensorReading, error)
	// ReadEvents returns all discrete events of one kind for one
	// device.
	ReadEvents(ctx context.Context, thingyName string, kind EventKind) ([]DiscreteEvent, error)
	// ReadStatistic returns the requested aggregate over the window.
	// An empty window yields found == false and no error.
	ReadStatistic(ctx context.Context, thingyName string, kind SensorKind, statistic Statistic, start, end time.Time) (value float64, found bool, err error)
}

// Publisher sends a raw payload to one device. Implemented by the
// MQTT connection manager.
type Publisher interface {
	Publish(deviceID string, payload []byte) error
}

// Resolver answers which thingy is bound to an authenticated user.
// Implemented by the users service.
type Resolver interface {
	// ThingyNameForUser returns the logical name of the thingy bound
	// to the user, or found == false if the user has none.
	ThingyNameForUser(ctx context.Context, userID string) (name string, found bool, err error)
}

type commandData struct {
	Frequency *int    `json:"frequency,omitempty"`
	Color     *string `json:"color,omitempty"`
}

type commandMessage struct {
	AppID       string      `json:"appId"`
	Data        commandData `json:"data"`
	MessageType string      `json:"messageType"`
}

// BuzzerFrequency is the frequency the buzzer command plays at when
// switched on.
const BuzzerFrequency = 3000

// BuzzerCommand returns the CFG_SET payload switching the device
// buzzer on or off.
func BuzzerCommand(on bool) []byte {
	frequency := 0
	if on {
		frequency = BuzzerFrequency
	}
	payload, _ := json.Marshal(commandMessage{
		AppID:       "BUZZER",
		Data:        commandData{Frequency: &frequency},
		MessageType: MessageTypeCfgSet,
	})
	return payload
}

// LEDCommand returns the CFG_SET payload setting the device LED
// color.
func LEDCommand(color string) []byte {
	payload, _ := json.Marshal(commandMessage{
		AppID:       "LED",
		Data:        commandData{Color: &color},
		MessageType: MessageTypeCfgSet,
	})
	return payload
}
