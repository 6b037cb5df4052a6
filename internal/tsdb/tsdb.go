// Package tsdb writes device telemetry to InfluxDB.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"xlc-gateway/internal/event"
)

// Measurement names.
const (
	MeasurementHeartbeat = "hvac_heartbeat"
	MeasurementAlarm     = "hvac_alarm"
)

const pingTimeout = 10 * time.Second

// ErrUnhealthy is returned by Connect when the server answers the ping but
// reports itself unhealthy.
var ErrUnhealthy = errors.New("influxdb: server not healthy")

// Config addresses one bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// BatchSize and FlushInterval tune the client's non-blocking writer.
	BatchSize     uint
	FlushInterval time.Duration
}

type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer turns heartbeat and alarm events into points.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	logger *slog.Logger
}

// Connect creates the client, pings the server and opens the batching
// write API. Asynchronous write errors are logged.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Writer, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval / time.Millisecond))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping %s: %w", cfg.URL, err)
	}
	if !ok {
		client.Close()
		return nil, ErrUnhealthy
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := &Writer{client: client, api: writeAPI, logger: logger.With("component", "tsdb")}
	go func() {
		for err := range writeAPI.Errors() {
			w.logger.Error("influxdb write", "err", err)
		}
	}()
	w.logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

// Close flushes pending points and closes the client.
func (w *Writer) Close() {
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
}

// Subscribe attaches w to heartbeat and alarm events on bus.
func (w *Writer) Subscribe(bus *event.Bus) func() {
	un1 := bus.Subscribe(event.NameHeartbeat, w.Publish)
	un2 := bus.Subscribe(event.NameAlarm, w.Publish)
	return func() {
		un1()
		un2()
	}
}

// Publish implements event.Publisher. Events other than heartbeats and
// alarms are ignored.
func (w *Writer) Publish(e event.Event) {
	if p := Point(e); p != nil {
		w.api.WritePoint(p)
	}
}

// Point converts an event into an InfluxDB point, or nil if the event has
// no time series representation.
func Point(e event.Event) *write.Point {
	tags := map[string]string{"device_id": e.DeviceID}
	switch p := e.Data.(type) {
	case event.HeartbeatPayload:
		return write.NewPoint(MeasurementHeartbeat, tags, map[string]any{
			"error_code":             int64(p.ErrorCode),
			"mode":                   int64(p.Mode),
			"target_temperature":     int64(p.TargetTemperature),
			"fan_speed":              int64(p.FanSpeed),
			"power":                  int64(p.Power),
			"remote_battery_percent": int64(p.RemoteBatteryPercent),
			"current_amps":           int64(p.CurrentAmps),
			"today_energy_kwh":       p.TodayEnergyKWh,
			"total_energy_kwh":       p.TotalEnergyKWh,
			"temperature":            p.Sensor.Temperature,
			"humidity":               p.Sensor.Humidity,
		}, e.PublishedAt)
	case event.AlarmPayload:
		tags["code"] = strconv.Itoa(int(p.Code))
		return write.NewPoint(MeasurementAlarm, tags, map[string]any{
			"code": int64(p.Code),
			"msg":  p.Message,
		}, e.PublishedAt)
	}
	return nil
}
