package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/dto"
	"github.com/decagondev/section-ai-test-mark-mvp/internal/observability"
)

const progressBufferSize = 16

// ProgressPublisher delivers phase, completion, and error events to observers
// of a specific grading run. Delivery is fire-and-forget relative to the
// pipeline: publisher failures never affect the stored result.
type ProgressPublisher interface {
	Progress(ctx context.Context, event dto.ProgressEvent)
	Completed(ctx context.Context, submission dto.SubmissionResponse)
	Failed(ctx context.Context, submissionID, phase, message string)
	Subscribe(submissionID string) (<-chan dto.GradingEvent, func())
	Start(ctx context.Context)
}

type progressPublisher struct {
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	logger      zerolog.Logger
	broker      *progressBroker
	nodeID      string
}

type progressBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.GradingEvent]struct{}
}

type progressEnvelope struct {
	Source string           `json:"source"`
	Event  dto.GradingEvent `json:"event"`
	SentAt time.Time        `json:"sent_at"`
}

// NewProgressPublisher constructs a publisher. Redis and NATS connections are
// optional; when absent, events fan out in-process only.
func NewProgressPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) ProgressPublisher {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":progress"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".progress"
	}

	return &progressPublisher{
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		logger:      logger.With().Str("component", "progress_publisher").Logger(),
		broker: &progressBroker{
			subscribers: make(map[string]map[chan dto.GradingEvent]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (p *progressPublisher) Start(ctx context.Context) {
	if p.redis != nil && p.redisStream != "" {
		go p.consumeRedis(ctx)
	}
	if p.nats != nil && p.natsSubject != "" {
		go p.consumeNATS(ctx)
	}
}

func (p *progressPublisher) Progress(ctx context.Context, event dto.ProgressEvent) {
	p.deliver(ctx, event.SubmissionID, dto.GradingEvent{
		Type:     dto.EventTypeProgress,
		Progress: &event,
	})
}

func (p *progressPublisher) Completed(ctx context.Context, submission dto.SubmissionResponse) {
	p.deliver(ctx, submission.ID, dto.GradingEvent{
		Type:       dto.EventTypeCompleted,
		Completion: &dto.CompletionEvent{Submission: submission},
	})
}

func (p *progressPublisher) Failed(ctx context.Context, submissionID, phase, message string) {
	p.deliver(ctx, submissionID, dto.GradingEvent{
		Type: dto.EventTypeError,
		Error: &dto.ErrorEvent{
			SubmissionID: submissionID,
			Error:        message,
			Phase:        phase,
		},
	})
}

func (p *progressPublisher) Subscribe(submissionID string) (<-chan dto.GradingEvent, func()) {
	channel := make(chan dto.GradingEvent, progressBufferSize)

	p.broker.subscribe(submissionID, channel)
	observability.ProgressSubscribers().Inc()

	cleanup := func() {
		p.broker.unsubscribe(submissionID, channel)
		observability.ProgressSubscribers().Dec()
	}

	return channel, cleanup
}

func (p *progressPublisher) deliver(ctx context.Context, submissionID string, event dto.GradingEvent) {
	observability.ProgressEvents().WithLabelValues(event.Type).Inc()
	p.broker.broadcast(submissionID, event)

	if err := p.publish(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("failed to publish grading event to broker")
	}
}

func (p *progressPublisher) publish(ctx context.Context, event dto.GradingEvent) error {
	if (p.redis == nil || p.redisStream == "") && (p.nats == nil || p.natsSubject == "") {
		return nil
	}

	envelope := progressEnvelope{
		Source: p.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if p.redis != nil && p.redisStream != "" {
		if err := p.redis.Publish(ctx, p.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if p.nats != nil && p.natsSubject != "" {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (p *progressPublisher) consumeRedis(ctx context.Context) {
	pubsub := p.redis.Subscribe(ctx, p.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error().Err(err).Msg("progress redis subscription closed")
			return
		}
		p.handleRemote([]byte(msg.Payload))
	}
}

func (p *progressPublisher) consumeNATS(ctx context.Context) {
	sub, err := p.nats.QueueSubscribe(p.natsSubject, "mark-progress", func(msg *nats.Msg) {
		p.handleRemote(msg.Data)
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to subscribe to nats progress subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to drain progress nats subscription")
		}
	}()
}

func (p *progressPublisher) handleRemote(payload []byte) {
	var envelope progressEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		p.logger.Warn().Err(err).Msg("invalid grading event payload")
		return
	}

	if envelope.Source == p.nodeID {
		return
	}

	id := submissionIDOf(envelope.Event)
	if id == "" {
		return
	}

	observability.ProgressEvents().WithLabelValues(envelope.Event.Type).Inc()
	p.broker.broadcast(id, envelope.Event)
}

func submissionIDOf(event dto.GradingEvent) string {
	switch {
	case event.Progress != nil:
		return event.Progress.SubmissionID
	case event.Completion != nil:
		return event.Completion.Submission.ID
	case event.Error != nil:
		return event.Error.SubmissionID
	default:
		return ""
	}
}

func (b *progressBroker) subscribe(submissionID string, ch chan dto.GradingEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[submissionID]; !exists {
		b.subscribers[submissionID] = make(map[chan dto.GradingEvent]struct{})
	}
	b.subscribers[submissionID][ch] = struct{}{}
}

func (b *progressBroker) unsubscribe(submissionID string, ch chan dto.GradingEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[submissionID]; ok {
		if _, present := subscribers[ch]; present {
			delete(subscribers, ch)
			close(ch)
		}
		if len(subscribers) == 0 {
			delete(b.subscribers, submissionID)
		}
	}
}

func (b *progressBroker) broadcast(submissionID string, event dto.GradingEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[submissionID] {
		select {
		case ch <- event:
		default:
		}
	}
}
