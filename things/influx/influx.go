/*
Package influx is the time-series store client. It writes sensor
readings and discrete events as InfluxDB points and answers the range
and aggregate queries of the telemetry API over Flux.
*/
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/relabs-tech/thingcloud/things"
)

const (
	readingsMeasurement = "sensorData"
	eventsMeasurement   = "events"
	deviceTag           = "device"
)

// Config holds the InfluxDB endpoint and credentials.
type Config struct {
	URI    string
	Token  string
	Org    string
	Bucket string
}

// Store implements things.Store on an InfluxDB bucket.
type Store struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	query  api.QueryAPI
	bucket string
}

// NewStore returns a store for the configured bucket. The underlying
// client connects lazily on first use.
func NewStore(config Config) *Store {
	client := influxdb2.NewClient(config.URI, config.Token)
	return &Store{
		client: client,
		write:  client.WriteAPIBlocking(config.Org, config.Bucket),
		query:  client.QueryAPI(config.Org),
		bucket: config.Bucket,
	}
}

// Close shuts down the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// WriteReading appends one sensor reading.
func (s *Store) WriteReading(ctx context.Context, reading things.SensorReading) error {
	point := influxdb2.NewPoint(readingsMeasurement,
		map[string]string{deviceTag: reading.ThingyName},
		map[string]interface{}{string(reading.Kind): reading.Value},
		reading.Timestamp)
	return s.write.WritePoint(ctx, point)
}

// WriteEvent appends one discrete event.
func (s *Store) WriteEvent(ctx context.Context, event things.DiscreteEvent) error {
	point := influxdb2.NewPoint(eventsMeasurement,
		map[string]string{deviceTag: event.ThingyName},
		map[string]interface{}{string(event.Kind): event.Value},
		event.Timestamp)
	return s.write.WritePoint(ctx, point)
}

// ReadReadings returns all readings for one device and sensor kind
// within [start, end].
func (s *Store) ReadReadings(ctx context.Context, thingyName string, kind things.SensorKind, start, end time.Time) ([]things.SensorReading, error) {
	result, err := s.query.Query(ctx, readingsQuery(s.bucket, thingyName, kind, start, end))
	if err != nil {
		return nil, err
	}
	readings := []things.SensorReading{}
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(float64)
		if !ok {
			continue
		}
		readings = append(readings, things.SensorReading{
			ThingyName: thingyName,
			Kind:       things.SensorKind(record.Field()),
			Value:      value,
			Timestamp:  record.Time(),
		})
	}
	return readings, result.Err()
}

// ReadEvents returns the full history of discrete events of one kind
// for one device.
func (s *Store) ReadEvents(ctx context.Context, thingyName string, kind things.EventKind) ([]things.DiscreteEvent, error) {
	result, err := s.query.Query(ctx, eventsQuery(s.bucket, thingyName, kind))
	if err != nil {
		return nil, err
	}
	events := []things.DiscreteEvent{}
	for result.Next() {
		record := result.Record()
		value, ok := record.Value().(string)
		if !ok {
			continue
		}
		events = append(events, things.DiscreteEvent{
			ThingyName: thingyName,
			Kind:       things.EventKind(record.Field()),
			Value:      value,
			Timestamp:  record.Time(),
		})
	}
	return events, result.Err()
}

// ReadStatistic returns the requested aggregate over the window. An
// empty window yields found == false rather than a zero value.
func (s *Store) ReadStatistic(ctx context.Context, thingyName string, kind things.SensorKind, statistic things.Statistic, start, end time.Time) (float64, bool, error) {
	flux, err := statisticQuery(s.bucket, thingyName, kind, statistic, start, end)
	if err != nil {
		return 0, false, err
	}
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return 0, false, err
	}
	for result.Next() {
		if value, ok := result.Record().Value().(float64); ok {
			return value, true, result.Err()
		}
	}
	return 0, false, result.Err()
}

func readingsQuery(bucket, thingyName string, kind things.SensorKind, start, end time.Time) string {
	return fmt.Sprintf(`from(bucket: %q)
 |> range(start: %s, stop: %s)
 |> filter(fn: (r) => r._measurement == %q and r.%s == %q and r._field == %q)`,
		bucket, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		readingsMeasurement, deviceTag, thingyName, string(kind))
}

func eventsQuery(bucket, thingyName string, kind things.EventKind) string {
	return fmt.Sprintf(`from(bucket: %q)
 |> range(start: 0)
 |> filter(fn: (r) => r._measurement == %q and r.%s == %q and r._field == %q)`,
		bucket, eventsMeasurement, deviceTag, thingyName, string(kind))
}

func statisticQuery(bucket, thingyName string, kind things.SensorKind, statistic things.Statistic, start, end time.Time) (string, error) {
	var aggregate string
	switch statistic {
	case things.StatisticMin:
		aggregate = "min()"
	case things.StatisticMax:
		aggregate = "max()"
	case things.StatisticAverage:
		aggregate = "mean()"
	default:
		return "", fmt.Errorf("unsupported statistic %q", statistic)
	}
	return readingsQuery(bucket, thingyName, kind, start, end) + "\n |> " + aggregate, nil
}
