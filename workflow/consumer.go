package workflow

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/transport"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HandlerFunc applies the side effect for one event. The returned string is
// fingerprinted into the ledger as the result hash.
type HandlerFunc func(ctx context.Context, event models.SyncEvent) (string, error)

type ProcessResult string

const (
	ResultApplied          ProcessResult = "Applied"
	ResultDuplicate        ProcessResult = "Duplicate"
	ResultSkippedPermanent ProcessResult = "SkippedPermanent"
	ResultScheduled        ProcessResult = "Scheduled"
	ResultDeadLettered     ProcessResult = "DeadLettered"
)

// Consumer processes deliveries from the main channel. Messages with the
// same partition key are handled sequentially; partitions run concurrently.
type Consumer struct {
	Ledger     *Ledger
	Escalator  *Escalator
	Handler    HandlerFunc
	Logger     *logrus.Logger
	TTLDays    int
	Partitions int

	tracer trace.Tracer
}

func NewConsumer(ledger *Ledger, escalator *Escalator, handler HandlerFunc, logger *logrus.Logger) *Consumer {
	return &Consumer{
		Ledger:     ledger,
		Escalator:  escalator,
		Handler:    handler,
		Logger:     logger,
		TTLDays:    DefaultIdempotencyTTLDays,
		Partitions: 8,
		tracer:     otel.Tracer("catalog-sync"),
	}
}

func (c *Consumer) entry(env models.RetryEnvelope) *logrus.Entry {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":          "Consumer",
		"correlation_id": env.Event.CorrelationId,
		"tenant_id":      env.Event.TenantId,
		"account_id":     env.Event.AccountId,
		"event_type":     env.Event.EventType,
		"attempt":        env.Attempts,
	})
}

// HandleMessage decodes one delivery and processes it. A non-nil error means
// the outcome could not be recorded and the broker should redeliver.
func (c *Consumer) HandleMessage(ctx context.Context, msg transport.Message) error {
	env, err := models.DecodeDelivery(msg.Data)
	if err != nil {
		// Undecodable payloads cannot be retried into success.
		_, escErr := c.Escalator.Escalate(ctx, models.RetryEnvelope{Event: models.SyncEvent{
			EventType:     msg.Attributes[transport.AttrEventType],
			CorrelationId: msg.Attributes[transport.AttrCorrelationId],
			AccountId:     msg.Key,
		}}, Permanent("MALFORMED_PAYLOAD", err))
		return escErr
	}
	_, err = c.Process(ctx, env)
	if errors.Is(err, ErrPermanentFailure) {
		return nil
	}
	return err
}

// Process consults the ledger, runs the handler and records the outcome.
func (c *Consumer) Process(ctx context.Context, env models.RetryEnvelope) (ProcessResult, error) {
	tracer := c.tracer
	if tracer == nil {
		tracer = otel.Tracer("catalog-sync")
	}
	ctx, span := tracer.Start(ctx, "consumer.process", trace.WithAttributes(
		attribute.String("correlation_id", env.Event.CorrelationId),
		attribute.String("account_id", env.Event.AccountId),
		attribute.String("event_type", env.Event.EventType),
		attribute.Int("attempts", env.Attempts),
	))
	defer span.End()

	result, err := c.process(ctx, env)
	span.SetAttributes(attribute.String("result", string(result)))
	if err != nil && !errors.Is(err, ErrPermanentFailure) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Consumer) process(ctx context.Context, env models.RetryEnvelope) (ProcessResult, error) {
	event := env.Event
	if err := event.Validate(); err != nil {
		return c.escalate(ctx, env, err)
	}

	begin, err := c.Ledger.TryBegin(ctx, event.TenantId, event.AccountId, event.IdempotencyKey, c.TTLDays)
	if err != nil {
		return "", err
	}
	if !begin.IsNew {
		switch begin.Record.Status {
		case models.IdempotencyStatusSucceeded:
			c.entry(env).Info("duplicate delivery skipped; key already succeeded")
			return ResultDuplicate, nil
		case models.IdempotencyStatusFailedPermanent:
			if env.ReplayOf == "" {
				c.entry(env).Warn("delivery skipped; key already failed permanently")
				return ResultSkippedPermanent, ErrPermanentFailure
			}
		}
	}

	outcome, herr := c.Handler(ctx, event)
	if herr == nil {
		if err := c.Ledger.MarkSucceeded(ctx, event.TenantId, event.AccountId, event.IdempotencyKey, HashResult(outcome)); err != nil {
			return "", err
		}
		return ResultApplied, nil
	}
	return c.escalate(ctx, env, herr)
}

func (c *Consumer) escalate(ctx context.Context, env models.RetryEnvelope, cause error) (ProcessResult, error) {
	esc, err := c.Escalator.Escalate(ctx, env, cause)
	if err != nil {
		return "", err
	}
	if esc.Outcome == OutcomeScheduled {
		return ResultScheduled, nil
	}
	// Transient exhaustion leaves the key Started so a DLQ replay can run it.
	if esc.Envelope.FailureType == models.FailureTypePermanent && env.Event.AccountId != "" && env.Event.IdempotencyKey != "" {
		ev := env.Event
		if err := c.Ledger.MarkFailedPermanent(ctx, ev.TenantId, ev.AccountId, ev.IdempotencyKey); err != nil {
			c.entry(esc.Envelope).Error("mark failed permanent: " + err.Error())
		}
	}
	return ResultDeadLettered, nil
}

type partitionJob struct {
	ctx    context.Context
	msg    transport.Message
	settle func(error)
}

func (c *Consumer) partitionFor(key string) int {
	n := c.Partitions
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

const partitionQueueSize = 64

// Run subscribes to channel and fans deliveries out to partition workers by
// message key. Each worker settles its own deliveries, so a slow key only
// holds up its own partition. It blocks until ctx is done or the
// subscription fails.
func (c *Consumer) Run(ctx context.Context, sub transport.Subscriber, channel string) error {
	n := c.Partitions
	if n <= 0 {
		n = 1
	}
	queues := make([]chan partitionJob, n)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan partitionJob, partitionQueueSize)
		wg.Add(1)
		go func(q chan partitionJob) {
			defer wg.Done()
			for job := range q {
				job.settle(c.HandleMessage(job.ctx, job.msg))
			}
		}(queues[i])
	}

	dispatch := func(ctx context.Context, msg transport.Message, settle func(error)) {
		job := partitionJob{ctx: ctx, msg: msg, settle: settle}
		select {
		case queues[c.partitionFor(msg.Key)] <- job:
		case <-ctx.Done():
			settle(ctx.Err())
		}
	}

	var err error
	if async, ok := sub.(transport.AsyncSubscriber); ok {
		err = async.SubscribeAsync(ctx, channel, dispatch)
	} else {
		// Pub/Sub style subscribers run callbacks concurrently; each one
		// waits for its own delivery.
		err = sub.Subscribe(ctx, channel, func(ctx context.Context, msg transport.Message) error {
			done := make(chan error, 1)
			dispatch(ctx, msg, func(err error) { done <- err })
			return <-done
		})
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	return err
}
