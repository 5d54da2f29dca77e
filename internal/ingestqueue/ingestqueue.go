// Package ingestqueue decouples post-response ingestion (memory extraction,
// conditional summarization, relationship discovery) from the goroutine that
// served the HTTP request. By default it runs an in-process bounded worker
// pool; when Kafka brokers are configured the same envelope is published to
// a topic instead and consumed by the worker pool from there.
package ingestqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Envelope is the unit of work submitted after a turn's synchronous response
// has been written. TenantID/SessionID/RequestID identify the unit of work
// for an external worker that coalesces retries. Pipeline.ProcessTurn does
// not set RequestID, so the envelopes it submits carry an empty RequestID.
type Envelope struct {
	TenantID         string
	SessionID        string
	UserID           string
	RequestID        string
	UserTurnID       string
	AssistantTurnID  string
	UserMessage      string
	AssistantMessage string
	PromptTokens     int
	CompletionTokens int
	KnowledgeTokens  int
	SubmittedAt      time.Time
}

// Handler processes one envelope. Errors are logged by the queue; they never
// propagate back to the request path since this always runs post-response.
type Handler func(ctx context.Context, env Envelope) error

// Queue accepts envelopes for asynchronous processing.
type Queue interface {
	Submit(env Envelope)
	Start(ctx context.Context, handler Handler)
	Close()
}

// InProcess is a bounded in-memory worker pool. A full queue drops the
// oldest pending envelope and logs a warning rather than blocking the
// request path.
type InProcess struct {
	ch      chan Envelope
	workers int
	done    chan struct{}
}

func NewInProcess(capacity, workers int) *InProcess {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &InProcess{ch: make(chan Envelope, capacity), workers: workers, done: make(chan struct{})}
}

func (q *InProcess) Submit(env Envelope) {
	select {
	case q.ch <- env:
		return
	default:
	}
	// Queue full: drop the oldest pending envelope to make room, per the
	// documented drop-oldest backpressure policy.
	select {
	case dropped := <-q.ch:
		log.Warn().Str("tenant_id", dropped.TenantID).Str("request_id", dropped.RequestID).
			Msg("ingestqueue: queue full, dropping oldest pending envelope")
	default:
	}
	select {
	case q.ch <- env:
	default:
		log.Warn().Str("tenant_id", env.TenantID).Str("request_id", env.RequestID).
			Msg("ingestqueue: queue still full after eviction, dropping incoming envelope")
	}
}

func (q *InProcess) Start(ctx context.Context, handler Handler) {
	for i := 0; i < q.workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case env := <-q.ch:
					if err := handler(ctx, env); err != nil {
						log.Error().Err(err).Str("tenant_id", env.TenantID).Str("request_id", env.RequestID).
							Msg("ingestqueue: handler failed")
					}
				}
			}
		}()
	}
}

func (q *InProcess) Close() {
	close(q.done)
}

// KafkaBacked publishes envelopes to a topic and runs the worker pool as a
// consumer group, decoupling ingestion from the process that served the
// request.
type KafkaBacked struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	workers int
}

func NewKafkaBacked(brokers []string, topic, groupID string, workers int) *KafkaBacked {
	if workers <= 0 {
		workers = 4
	}
	return &KafkaBacked{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		workers: workers,
	}
}

func (q *KafkaBacked) Submit(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("ingestqueue: failed to marshal envelope for kafka")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.writer.WriteMessages(ctx, kafka.Message{Value: body}); err != nil {
		log.Warn().Err(err).Str("tenant_id", env.TenantID).Msg("ingestqueue: kafka publish failed, dropping envelope")
	}
}

func (q *KafkaBacked) Start(ctx context.Context, handler Handler) {
	jobs := make(chan kafka.Message, q.workers*4)

	for i := 0; i < q.workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-jobs:
					if !ok {
						return
					}
					var env Envelope
					if err := json.Unmarshal(msg.Value, &env); err != nil {
						log.Error().Err(err).Msg("ingestqueue: failed to unmarshal kafka message")
						continue
					}
					if err := handler(ctx, env); err != nil {
						log.Error().Err(err).Str("tenant_id", env.TenantID).Msg("ingestqueue: handler failed")
					}
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for {
			msg, err := q.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("ingestqueue: kafka read failed")
				continue
			}
			select {
			case jobs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (q *KafkaBacked) Close() {
	_ = q.writer.Close()
	_ = q.reader.Close()
}
