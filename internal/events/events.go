// Package events publishes publishing-loop and attribution notifications
// to a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/metrics"
	"github.com/cyderes/reel-publisher/internal/models"
)

// Routing keys
const (
	KeyPostPublished   = "post.published"
	KeyLinkClicked     = "link.clicked"
	KeySchedulerPaused = "scheduler.paused"
)

const (
	dialAttempts   = 6
	dialDelay      = 5 * time.Second
	publishTimeout = 5 * time.Second

	// ClickQueueSize bounds click events waiting for the broker
	ClickQueueSize = 256
)

// Event is the envelope every message is wrapped in
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// PausedData is the payload of scheduler.paused
type PausedData struct {
	ArtifactID string `json:"artifact"`
	Reason     string `json:"reason"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Bus publishes events. A Bus without a channel drops every event, which
// is what you get when no broker URL is configured. Click events go through
// a bounded queue drained by one worker so redirects never wait on the
// broker; when the queue is full the event is dropped.
type Bus struct {
	exchange string
	now      func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	ch   channel
	conn *amqp.Connection

	qmu       sync.RWMutex
	clicks    chan models.ClickEvent
	stopped   bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewBus connects to cfg.RabbitURL and declares the exchange. An empty URL
// yields a no-op bus.
func NewBus(ctx context.Context, cfg config.MessagingConfig, log zerolog.Logger) (*Bus, error) {
	log = log.With().Str("component", "events").Logger()
	if cfg.RabbitURL == "" {
		log.Info().Msg("RABBIT_URL not set, events disabled")
		return &Bus{exchange: cfg.RabbitExchange, now: time.Now, log: log}, nil
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(cfg.RabbitURL)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msgf("failed to connect to RabbitMQ, retrying in %s... (%d/%d)", dialDelay, i+1, dialAttempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.RabbitExchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Info().Str("exchange", cfg.RabbitExchange).Msg("connected to RabbitMQ")
	b := &Bus{exchange: cfg.RabbitExchange, now: time.Now, log: log, ch: ch, conn: conn}
	b.startClickWorker(ClickQueueSize)
	return b, nil
}

func (b *Bus) startClickWorker(size int) {
	b.clicks = make(chan models.ClickEvent, size)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		for ev := range b.clicks {
			if err := b.Publish(context.Background(), KeyLinkClicked, ev); err != nil {
				b.log.Warn().Err(err).Str("product", ev.ProductName).Msg("failed to publish click event")
			}
		}
	}()
}

// Enabled reports whether events reach a broker
func (b *Bus) Enabled() bool {
	return b.ch != nil
}

// Publish wraps data in an Event and sends it with routing key key
func (b *Bus) Publish(ctx context.Context, key string, data any) error {
	if b.ch == nil {
		return nil
	}
	body, err := b.envelope(key, data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.ch.PublishWithContext(ctx,
		b.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    b.now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *Bus) envelope(key string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	body, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Type:       key,
		OccurredAt: b.now().UTC(),
		Data:       raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return body, nil
}

// PostPublished announces a recorded publication
func (b *Bus) PostPublished(ctx context.Context, rec models.ActivityRecord) {
	if err := b.Publish(ctx, KeyPostPublished, rec); err != nil {
		b.log.Warn().Err(err).Str("artifact", rec.ArtifactID).Msg("failed to publish post event")
	}
}

// SchedulerPaused announces that publishing stopped on an auth challenge
func (b *Bus) SchedulerPaused(ctx context.Context, artifactID string, cause error) {
	data := PausedData{ArtifactID: artifactID}
	if cause != nil {
		data.Reason = cause.Error()
	}
	if err := b.Publish(ctx, KeySchedulerPaused, data); err != nil {
		b.log.Warn().Err(err).Msg("failed to publish pause event")
	}
}

// ClickRecorded counts the click and queues its announcement. It never
// blocks on the broker.
func (b *Bus) ClickRecorded(_ context.Context, ev models.ClickEvent) {
	metrics.RecordClick(ev.ProductName)

	b.qmu.RLock()
	defer b.qmu.RUnlock()
	if b.clicks == nil || b.stopped {
		return
	}
	select {
	case b.clicks <- ev:
	default:
		b.log.Warn().Str("product", ev.ProductName).Msg("click event queue full, dropping event")
	}
}

// Close flushes queued click events, then closes the channel and connection
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.qmu.Lock()
		b.stopped = true
		if b.clicks != nil {
			close(b.clicks)
		}
		b.qmu.Unlock()
		if b.done != nil {
			<-b.done
		}

		if b.ch != nil {
			b.ch.Close()
		}
		if b.conn != nil {
			b.conn.Close()
		}
	})
}
