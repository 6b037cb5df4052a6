package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration file.
type Config struct {
	Modbus struct {
		Listen           string        `yaml:"listen"`
		UnitID           byte          `yaml:"unit_id"`
		Debounce         time.Duration `yaml:"debounce"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"modbus"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Acks    int      `yaml:"acks"`
	} `yaml:"kafka"`
	InfluxDB struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		Token         string        `yaml:"token"`
		Org           string        `yaml:"org"`
		Bucket        string        `yaml:"bucket"`
		BatchSize     uint          `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"influxdb"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	var errs []error
	if c.Modbus.UnitID == 0 || c.Modbus.UnitID > 247 {
		errs = append(errs, fmt.Errorf("modbus.unit_id must be 1-247, got %d", c.Modbus.UnitID))
	}
	if c.Modbus.Debounce < 0 {
		errs = append(errs, fmt.Errorf("modbus.debounce must not be negative"))
	}
	if c.Modbus.RequestTimeout < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("modbus.request_timeout must be at least 100ms, got %s", c.Modbus.RequestTimeout))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	if c.Kafka.Acks < -1 || c.Kafka.Acks > 1 {
		errs = append(errs, fmt.Errorf("kafka.acks must be -1, 0 or 1, got %d", c.Kafka.Acks))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, fmt.Errorf("influxdb.url and influxdb.bucket are required when influxdb is enabled"))
	}
	return errors.Join(errs...)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

func (c *Config) defaults() {
	if c.Modbus.Listen == "" {
		c.Modbus.Listen = ":502"
	}
	if c.Modbus.UnitID == 0 {
		c.Modbus.UnitID = 1
	}
	if c.Modbus.Debounce == 0 {
		c.Modbus.Debounce = 3 * time.Second
	}
	if c.Modbus.RequestTimeout == 0 {
		c.Modbus.RequestTimeout = 5 * time.Second
	}
	if c.Modbus.HandshakeTimeout == 0 {
		c.Modbus.HandshakeTimeout = 30 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "xlc-gateway.db"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "xlc"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "xlc-events"
	}
	if c.InfluxDB.FlushInterval == 0 {
		c.InfluxDB.FlushInterval = time.Second
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = "scripts"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
