package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xlc-gateway/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Modbus.Listen != ":502" || cfg.Modbus.UnitID != 1 {
		t.Errorf("modbus = %+v", cfg.Modbus)
	}
	if cfg.Modbus.Debounce != 3*time.Second || cfg.Modbus.RequestTimeout != 5*time.Second {
		t.Errorf("timeouts = %s %s", cfg.Modbus.Debounce, cfg.Modbus.RequestTimeout)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "xlc-gateway.db" || cfg.MQTT.TopicPrefix != "xlc" {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfigValues(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
modbus:
  listen: ":1502"
  unit_id: 3
  debounce: 10s
  request_timeout: 2s
web:
  api_key: secret
  allowed_origins: ["http://panel.local"]
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
  acks: -1
influxdb:
  enabled: true
  url: http://influx:8086
  bucket: hvac
  flush_interval: 5s
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Modbus.Listen != ":1502" || cfg.Modbus.UnitID != 3 || cfg.Modbus.Debounce != 10*time.Second {
		t.Errorf("modbus = %+v", cfg.Modbus)
	}
	if cfg.Kafka.Topic != "xlc-events" || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Acks != -1 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.InfluxDB.FlushInterval != 5*time.Second {
		t.Errorf("flush interval = %s", cfg.InfluxDB.FlushInterval)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unit id", "modbus: {unit_id: 250}", "unit_id"},
		{"request timeout", "modbus: {request_timeout: 10ms}", "request_timeout"},
		{"mqtt broker", "mqtt: {enabled: true}", "mqtt.broker"},
		{"kafka brokers", "kafka: {enabled: true}", "kafka.brokers"},
		{"kafka acks", "kafka: {acks: 2}", "kafka.acks"},
		{"influx", "influxdb: {enabled: true}", "influxdb.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := loadConfig(writeConfig(t, "modbus: [")); err == nil {
		t.Error("bad yaml should fail")
	}
}

func TestSimulatedHeartbeat(t *testing.T) {
	hb := simulatedHeartbeat()
	if hb[4] != 1 || hb[6] < 450 || hb[6] >= 550 {
		t.Errorf("heartbeat = %v", hb)
	}
}

func TestRunImport(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "220055000551363036373537.json"), []byte(`{"firmware_version":7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(t.TempDir(), "xlc.db")

	var out strings.Builder
	importCmd.SetOut(&out)
	t.Cleanup(func() { importCmd.SetOut(nil) })
	if err := runImport(importCmd, dbPath, dir); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "imported 1 device(s)") {
		t.Errorf("output = %q", out.String())
	}

	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	got, err := db.GetAttributes("220055000551363036373537")
	if err != nil {
		t.Fatal(err)
	}
	if got.FirmwareVersion != 7 {
		t.Errorf("firmware = %d, want 7", got.FirmwareVersion)
	}
}
