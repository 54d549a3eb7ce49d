// Package events forwards appended ledger entries to RabbitMQ so other
// systems can follow the audit trail. Publishing failures are logged and never
// reach the caller that appended the entry.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Thegeektechie/EHR-System/internal/ledger"
)

type Config struct {
	URL            string
	Queue          string
	PublishTimeout time.Duration
	Enabled        bool
}

func LoadConfig() Config {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		url = os.Getenv("AMQP_URL")
	}
	return Config{
		URL:            url,
		Queue:          getenv("LEDGER_EVENTS_QUEUE", "ehr.ledger.appended"),
		PublishTimeout: getDuration("LEDGER_EVENTS_TIMEOUT", 2*time.Second),
		Enabled:        url != "",
	}
}

// Message is the body published for every appended entry.
type Message struct {
	Scope string       `json:"scope"`
	Entry ledger.Entry `json:"entry"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements ledger.Notifier over one long-lived AMQP channel.
type Publisher struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
}

// Dial connects to the broker and declares the durable queue.
func Dial(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // autoDelete
		false,     // exclusive
		false,     // noWait
		nil,       // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return &Publisher{cfg: cfg, logger: logger, conn: conn, ch: ch}, nil
}

func newPublisher(cfg Config, ch channel, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger, ch: ch}
}

// Notify publishes entry as a persistent JSON message.
func (p *Publisher) Notify(ctx context.Context, scope string, entry ledger.Entry) {
	body, err := json.Marshal(Message{Scope: scope, Entry: entry})
	if err != nil {
		p.logger.Error("ledger event marshal failed", "error", err)
		return
	}
	timeout := p.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    entry.Timestamp,
		MessageId:    entry.SequenceHash,
		Type:         string(entry.Action),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return
	}
	if err := p.ch.PublishWithContext(ctx, "", p.cfg.Queue, false, false, pub); err != nil {
		p.logger.Warn("ledger event publish failed", "scope", scope, "action", entry.Action, "error", err)
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.ch != nil {
		err = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
