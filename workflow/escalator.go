package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/transport"
	"github.com/sirupsen/logrus"
)

// RetryPolicy is a fixed list of delay tiers and the number of failed
// attempts after which a message is dead-lettered.
type RetryPolicy struct {
	Tiers       []time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Tiers:       []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		MaxAttempts: 3,
	}
}

// DelayFor returns the delay and zero-based tier index used after the given
// number of failed attempts. Attempts past the last tier stay on it.
func (p RetryPolicy) DelayFor(attempts int) (time.Duration, int) {
	if len(p.Tiers) == 0 {
		return time.Minute, 0
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Tiers) {
		idx = len(p.Tiers) - 1
	}
	return p.Tiers[idx], idx
}

type DeadLetterWriter interface {
	Insert(ctx context.Context, rec *models.DlqRecord) error
}

type Outcome string

const (
	OutcomeScheduled    Outcome = "Scheduled"
	OutcomeDeadLettered Outcome = "DeadLettered"
)

type Escalation struct {
	Outcome     Outcome
	Envelope    models.RetryEnvelope
	Delay       time.Duration
	DlqRecordId string
}

// Escalator routes a failed envelope to its next delay tier or to the DLQ.
// The wrapped SyncEvent, idempotency key included, is never altered.
type Escalator struct {
	Policy      RetryPolicy
	Channels    transport.Channels
	Scheduler   transport.Scheduler
	DeadLetters DeadLetterWriter
	// Notifier, when set, receives a copy of every dead-lettered envelope on
	// Channels.Dlq. Failures there are logged only.
	Notifier transport.Publisher
	Logger   *logrus.Logger

	now func() time.Time
}

func NewEscalator(policy RetryPolicy, channels transport.Channels, scheduler transport.Scheduler, deadLetters DeadLetterWriter, logger *logrus.Logger) *Escalator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &Escalator{
		Policy:      policy,
		Channels:    channels,
		Scheduler:   scheduler,
		DeadLetters: deadLetters,
		Logger:      logger,
		now:         time.Now,
	}
}

func (e *Escalator) Escalate(ctx context.Context, env models.RetryEnvelope, cause error) (Escalation, error) {
	now := e.now().UTC()
	failureType, code := ClassifyFailure(cause)

	env.Attempts++
	env.ErrorCode = code
	if cause != nil {
		env.ErrorMessage = cause.Error()
	}
	env.FailureType = failureType
	env.LastAttemptAt = &now
	if env.FirstAttemptAt == nil {
		env.FirstAttemptAt = &now
	}

	if failureType == models.FailureTypePermanent || env.Attempts >= e.Policy.MaxAttempts {
		return e.deadLetter(ctx, env, cause)
	}

	delay, tier := e.Policy.DelayFor(env.Attempts)
	env.RetryDelaySeconds = int(delay / time.Second)
	env.Tier = e.Channels.RetryChannel(tier)

	data, err := json.Marshal(env)
	if err != nil {
		return Escalation{}, err
	}
	msg := transport.Message{
		Channel: e.Channels.Main,
		Key:     env.Event.AccountId,
		Data:    data,
		Attributes: map[string]string{
			transport.AttrTier:          env.Tier,
			transport.AttrCorrelationId: env.Event.CorrelationId,
			transport.AttrEventType:     env.Event.EventType,
			transport.AttrAttempts:      strconv.Itoa(env.Attempts),
		},
	}
	if err := e.Scheduler.ScheduleAfter(ctx, delay, msg); err != nil {
		return Escalation{}, fmt.Errorf("schedule retry: %w", err)
	}

	e.log(env).WithFields(logrus.Fields{"tier": env.Tier, "delay": delay.String()}).
		Warn("sync event failed; retry scheduled: " + env.ErrorMessage)
	return Escalation{Outcome: OutcomeScheduled, Envelope: env, Delay: delay}, nil
}

func (e *Escalator) deadLetter(ctx context.Context, env models.RetryEnvelope, cause error) (Escalation, error) {
	original, err := json.Marshal(env.Event)
	if err != nil {
		return Escalation{}, err
	}
	var accountId *string
	if env.Event.AccountId != "" {
		a := env.Event.AccountId
		accountId = &a
	}
	priority := models.DlqPriorityNormal
	if env.FailureType == models.FailureTypePermanent {
		priority = models.DlqPriorityHigh
	}

	rec := &models.DlqRecord{
		ID:              uuid.NewString(),
		TenantId:        env.Event.TenantId,
		EventType:       env.Event.EventType,
		CorrelationId:   env.Event.CorrelationId,
		AccountId:       accountId,
		IdempotencyKey:  env.Event.IdempotencyKey,
		OriginalMessage: string(original),
		ErrorCode:       env.ErrorCode,
		ErrorMessage:    env.ErrorMessage,
		Attempts:        env.Attempts,
		FailureType:     env.FailureType,
		FirstAttemptAt:  *env.FirstAttemptAt,
		LastAttemptAt:   *env.LastAttemptAt,
		Priority:        priority,
		StackTrace:      errorChain(cause),
	}
	if env.ReplayOf != "" {
		note := "replay of " + env.ReplayOf
		rec.Notes = &note
	}
	if err := e.DeadLetters.Insert(ctx, rec); err != nil {
		return Escalation{}, fmt.Errorf("write dead letter: %w", err)
	}

	if e.Notifier != nil && e.Channels.Dlq != "" {
		data, _ := json.Marshal(env)
		nerr := e.Notifier.Publish(ctx, transport.Message{
			Channel: e.Channels.Dlq,
			Key:     env.Event.AccountId,
			Data:    data,
			Attributes: map[string]string{
				transport.AttrCorrelationId: env.Event.CorrelationId,
				transport.AttrEventType:     env.Event.EventType,
			},
		})
		if nerr != nil {
			e.log(env).Warn("dlq notification failed: " + nerr.Error())
		}
	}

	e.log(env).WithFields(logrus.Fields{"record_id": rec.ID, "failure_type": env.FailureType}).
		Error("sync event dead-lettered: " + env.ErrorMessage)
	return Escalation{Outcome: OutcomeDeadLettered, Envelope: env, DlqRecordId: rec.ID}, nil
}

// errorChain renders cause and every error it wraps, outermost first, one
// per line with its concrete type.
func errorChain(cause error) *string {
	if cause == nil {
		return nil
	}
	var b strings.Builder
	for depth, err := 0, cause; err != nil && depth < 16; depth++ {
		if depth > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %v", err, err)
		next := errors.Unwrap(err)
		if next == nil {
			if joined, ok := err.(interface{ Unwrap() []error }); ok {
				for _, inner := range joined.Unwrap() {
					fmt.Fprintf(&b, "\n%T: %v", inner, inner)
				}
			}
		}
		err = next
	}
	s := b.String()
	return &s
}

func (e *Escalator) log(env models.RetryEnvelope) *logrus.Entry {
	logger := e.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":          "RetryEscalator",
		"correlation_id": env.Event.CorrelationId,
		"tenant_id":      env.Event.TenantId,
		"account_id":     env.Event.AccountId,
		"event_type":     env.Event.EventType,
		"attempt":        env.Attempts,
		"error_code":     env.ErrorCode,
	})
}
