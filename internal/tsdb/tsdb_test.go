package tsdb

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"xlc-gateway/internal/codec"
	"xlc-gateway/internal/event"
)

type fakeAPI struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed bool
}

func (f *fakeAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, p)
}

func (f *fakeAPI) Flush() { f.flushed = true }

func TestPointHeartbeat(t *testing.T) {
	e := event.Heartbeat("dev1", event.HeartbeatPayload{
		Heartbeat: codec.Heartbeat{Mode: 1, TargetTemperature: 26, Power: 1, TodayEnergyKWh: 1.5},
		Sensor:    codec.Sensor{Temperature: 25.12, Humidity: 48.3},
	})
	e.PublishedAt = time.Unix(1700000000, 0)

	line := write.PointToLineProtocol(Point(e), time.Second)
	for _, want := range []string{
		"hvac_heartbeat,device_id=dev1 ",
		"target_temperature=26i",
		"today_energy_kwh=1.5",
		"temperature=25.12",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(line), " 1700000000") {
		t.Errorf("line %q has wrong timestamp", line)
	}
}

func TestPointAlarm(t *testing.T) {
	e := event.Alarm("dev1", codec.ErrorCode{Code: 48, Message: "compressor overcurrent"})
	e.PublishedAt = time.Unix(1700000000, 0)

	line := write.PointToLineProtocol(Point(e), time.Second)
	if !strings.HasPrefix(line, "hvac_alarm,code=48,device_id=dev1 ") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, `msg="compressor overcurrent"`) {
		t.Errorf("line = %q", line)
	}
}

func TestPointIgnoresOtherEvents(t *testing.T) {
	if p := Point(event.Status("dev1", true)); p != nil {
		t.Error("status event produced a point")
	}
	if p := Point(event.Data("dev1", event.DataPayload{Code: 3})); p != nil {
		t.Error("data event produced a point")
	}
}

func TestSubscribe(t *testing.T) {
	api := &fakeAPI{}
	w := &Writer{api: api, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	bus := event.NewBus(w.logger)
	unsub := w.Subscribe(bus)

	bus.Publish(event.Heartbeat("a", event.HeartbeatPayload{}))
	bus.Publish(event.Status("a", true))
	bus.Publish(event.Alarm("a", codec.ErrorCode{Code: 3}))
	unsub()
	bus.Publish(event.Heartbeat("a", event.HeartbeatPayload{}))

	if len(api.points) != 2 {
		t.Errorf("points = %d, want 2", len(api.points))
	}
	w.Close()
	if !api.flushed {
		t.Error("Close did not flush")
	}
}
