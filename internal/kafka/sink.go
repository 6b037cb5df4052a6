// Package kafka forwards gateway events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"xlc-gateway/internal/event"
)

const queueSize = 256

var (
	errNoBrokers = errors.New("kafka: at least one broker is required")
	errNoTopic   = errors.New("kafka: topic must not be empty")
)

// Config selects the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
	// Acks is passed to kafka.RequiredAcks: -1 all, 0 none, 1 leader.
	Acks int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink queues events and writes them from a single goroutine. Publish never
// blocks: events are dropped when the queue is full.
type Sink struct {
	cfg    Config
	logger *slog.Logger
	writer messageWriter

	queue   chan kafka.Message
	dropped atomic.Uint64

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// New builds a sink with a kafka-go writer keyed by device id.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errNoTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequiredAcks(cfg.Acks),
		Balancer:     &kafka.Hash{},
	}
	return newSink(cfg, logger, w), nil
}

func newSink(cfg Config, logger *slog.Logger, w messageWriter) *Sink {
	return &Sink{
		cfg:    cfg,
		logger: logger.With("component", "kafka"),
		writer: w,
		queue:  make(chan kafka.Message, queueSize),
	}
}

// Start launches the writer loop.
func (s *Sink) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("kafka sink started", "topic", s.cfg.Topic, "brokers", s.cfg.Brokers)
}

// Stop ends the loop, delivers what is still queued and closes the writer.
func (s *Sink) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		err = s.writer.Close()
		s.logger.Info("kafka sink stopped", "dropped", s.dropped.Load())
	})
	return err
}

// Publish implements event.Publisher.
func (s *Sink) Publish(e event.Event) {
	value, err := json.Marshal(e.Wire())
	if err != nil {
		s.logger.Error("encode event", "event", e.Name, "device", e.DeviceID, "err", err)
		return
	}
	msg := kafka.Message{Key: []byte(e.DeviceID), Value: value}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("kafka queue full, dropping event", "event", e.Name, "device", e.DeviceID)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			s.drain()
			return
		case msg := <-s.queue:
			s.deliver(s.runCtx, msg)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case msg := <-s.queue:
			// the run context is already cancelled; use a fresh one
			s.deliver(context.Background(), msg)
		default:
			return
		}
	}
}

func (s *Sink) deliver(ctx context.Context, msg kafka.Message) {
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error("kafka write", "device", string(msg.Key), "err", fmt.Errorf("topic %s: %w", s.cfg.Topic, err))
	}
}
