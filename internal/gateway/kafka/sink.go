// Package kafka 把总线事件转发到 Kafka topic，供下游归档与分析。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arena/internal/events"
	"arena/internal/logger"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Compression  string
}

// messageWriter 是 *kafka.Writer 的子集，便于测试替换。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, f events.Filter) (*events.Subscription, error)
}

// Sink 以普通订阅者身份消费总线；写入变慢时由总线的溢出策略处理，不会反压发布方。
type Sink struct {
	writer    messageWriter
	topic     string
	batchSize int
	flushIvl  time.Duration
	filter    events.Filter
}

func NewSink(cfg Config, filter events.Filter) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  3,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newSink(w, cfg.Topic, cfg.BatchSize, cfg.BatchTimeout, filter), nil
}

func newSink(w messageWriter, topic string, batchSize int, flush time.Duration, filter events.Filter) *Sink {
	return &Sink{writer: w, topic: topic, batchSize: batchSize, flushIvl: flush, filter: filter}
}

// Run 订阅总线并按批写出，直到 ctx 结束或订阅被总线关闭。
func (s *Sink) Run(ctx context.Context, bus Subscriber) error {
	sub, err := bus.Subscribe(ctx, s.filter)
	if err != nil {
		return fmt.Errorf("kafka sink subscribe: %w", err)
	}
	defer sub.Close()
	defer s.writer.Close()

	ticker := time.NewTicker(s.flushIvl)
	defer ticker.Stop()
	batch := make([]kafka.Message, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.writer.WriteMessages(wctx, batch...); err != nil {
			logger.Warnf("kafka sink: write %d events to %s failed: %v", len(batch), s.topic, err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case <-sub.Done():
			flush()
			if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka sink: %w", err)
			}
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				flush()
				return nil
			}
			msg, err := toMessage(ev)
			if err != nil {
				logger.Warnf("kafka sink: encode event %s: %v", ev.ID, err)
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// toMessage 以 profile id 作为 key，同一 profile 的事件落在同一分区、保持顺序。
func toMessage(ev events.Event) (kafka.Message, error) {
	v, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	key := ev.ProfileID
	if key == "" {
		key = "_global"
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: v,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
