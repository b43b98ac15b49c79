// Package events publishes domain events (stakes placed, runs finished) to
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Topics.
const (
	TopicStakePlaced = "predmarket.stake_placed"
	TopicRunFinished = "predmarket.run_finished"
)

// StakePlaced is emitted after a bet is recorded.
type StakePlaced struct {
	BetID     string             `json:"bet_id"`
	MarketID  string             `json:"market_id"`
	BettorID  string             `json:"bettor_id"`
	IsAgent   bool               `json:"is_agent"`
	Outcome   string             `json:"outcome"`
	Stake     string             `json:"stake"`
	Odds      string             `json:"odds"`
	Prices    map[string]float64 `json:"prices"`
	Timestamp time.Time          `json:"timestamp"`
}

// RunFinished is emitted when a run reaches a terminal status.
type RunFinished struct {
	RunID         string    `json:"run_id"`
	WorkspaceID   string    `json:"workspace_id"`
	CodeHash      string    `json:"code_hash"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher sends an event, serialized as JSON, keyed for partitioning.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
	Close() error
}

// KafkaPublisher writes events to Kafka. The topic is chosen per message.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers string, logger *slog.Logger) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("events: no kafka brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(addrs...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			ReadTimeout:            10 * time.Second,
			WriteTimeout:           10 * time.Second,
		},
		logger: logger,
	}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, event any) error {
	msg, err := NewMessage(topic, key, event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event", "topic", topic, "key", key, "err", err)
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	p.logger.Debug("published event", "topic", topic, "key", key)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NewMessage builds the Kafka message for an event.
func NewMessage(topic, key string, event any) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: marshal %s: %w", topic, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	}, nil
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, any) error { return nil }
func (NopPublisher) Close() error                                       { return nil }

// Published is one event captured by MemoryPublisher.
type Published struct {
	Topic string
	Key   string
	Event any
}

// MemoryPublisher records events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Published
}

func (m *MemoryPublisher) Publish(_ context.Context, topic, key string, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Topic: topic, Key: key, Event: event})
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Published(nil), m.events...)
}
