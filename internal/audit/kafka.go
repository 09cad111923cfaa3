package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/obs"
)

const (
	breakerName    = "audit-kafka"
	publishTimeout = 2 * time.Second
	queueSize      = 1024
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher ships auth events to a Kafka topic. Emit only enqueues; a single
// background worker writes through a circuit breaker, so auth requests never
// wait on the broker. Events are dropped and counted when the queue is full.
type Publisher struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

var _ auth.EventSink = (*Publisher)(nil)

// NewPublisher builds a publisher writing to topic on brokers.
func NewPublisher(brokers []string, topic string) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newPublisher(w, queueSize)
}

func newPublisher(w messageWriter, size int) *Publisher {
	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.Logger().Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			obs.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	}
	obs.BreakerState.WithLabelValues(breakerName).Set(0)
	p := &Publisher{
		writer:  w,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		timeout: publishTimeout,
		queue:   make(chan kafka.Message, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

type envelope struct {
	auth.Event
	RequestID string `json:"request_id,omitempty"`
}

// Emit queues ev keyed by user id. One worker writes the queue in order, so a
// user's events keep their order on the partition.
func (p *Publisher) Emit(ctx context.Context, ev auth.Event) {
	data, err := json.Marshal(envelope{Event: ev, RequestID: RequestIDFromContext(ctx)})
	if err != nil {
		obs.Logger().ErrorContext(ctx, "marshal audit event", slog.String("error", err.Error()))
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.UserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte("helpdesk-auth")},
		},
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		obs.AuditPublishFailures.Inc()
		obs.Logger().WarnContext(ctx, "audit queue full, dropping event", slog.String("event_type", string(ev.Type)))
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		p.write(msg)
	}
}

func (p *Publisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		obs.AuditPublishFailures.Inc()
		obs.Logger().Error("failed to publish audit event",
			slog.String("event_type", eventType(msg)),
			slog.String("error", err.Error()),
		)
	}
}

func eventType(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}

// Close stops accepting events, drains the queue and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return p.writer.Close()
}
