package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/sirupsen/logrus"
)

const replayLockTTL = 30 * time.Second

// EnvelopePublisher re-injects an envelope onto the main channel.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env models.RetryEnvelope) error
}

type ReplayOutcome struct {
	RecordId      string              `json:"recordId"`
	CorrelationId string              `json:"correlationId"`
	Result        models.ReplayResult `json:"replayResult"`
	Error         string              `json:"error,omitempty"`
}

// Replayer republishes DLQ records. The record is claimed with a conditional
// update before anything is published, so concurrent replays of one record
// publish at most once.
type Replayer struct {
	Store     *Store
	Publisher EnvelopePublisher
	// Locker is optional; when set, replays of one id are serialised across
	// instances before the claim is attempted.
	Locker *redislock.Client
	Logger *logrus.Logger
}

func NewReplayer(store *Store, publisher EnvelopePublisher, locker *redislock.Client, logger *logrus.Logger) *Replayer {
	return &Replayer{Store: store, Publisher: publisher, Locker: locker, Logger: logger}
}

func (r *Replayer) entry(id string) *logrus.Entry {
	logger := r.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{"field": "DlqReplay", "record_id": id})
}

// Replay publishes the stored event with a fresh correlation id and its
// original idempotency key, then records the outcome on the record.
// A publish failure is recorded as ReplayResultFailed and also returned.
func (r *Replayer) Replay(ctx context.Context, id string, by string) (ReplayOutcome, error) {
	if r.Locker != nil {
		lock, err := r.Locker.Obtain(ctx, "dlq:replay:"+id, replayLockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return ReplayOutcome{}, ErrReplayInProgress
		}
		if err != nil {
			return ReplayOutcome{}, fmt.Errorf("obtain replay lock: %w", err)
		}
		defer lock.Release(context.Background())
	}

	rec, err := r.Store.GetById(ctx, id)
	if err != nil {
		return ReplayOutcome{}, err
	}
	if rec.IsReplayed {
		return ReplayOutcome{}, ErrAlreadyReplayed
	}

	event, decodeErr := models.DecodeOriginalMessage(rec.OriginalMessage)
	if decodeErr != nil {
		msg := decodeErr.Error()
		if err := r.Store.MarkReplayed(ctx, id, by, models.ReplayResultFailed, &msg); err != nil {
			return ReplayOutcome{}, err
		}
		return ReplayOutcome{RecordId: id, Result: models.ReplayResultFailed, Error: msg}, decodeErr
	}

	if err := r.Store.MarkReplayed(ctx, id, by, models.ReplayResultSuccess, nil); err != nil {
		return ReplayOutcome{}, err
	}

	env := models.RetryEnvelope{
		Event:    event.WithCorrelationId(uuid.NewString()),
		ReplayOf: id,
	}
	outcome := ReplayOutcome{RecordId: id, CorrelationId: env.Event.CorrelationId, Result: models.ReplayResultSuccess}

	if pubErr := r.Publisher.PublishEnvelope(ctx, env); pubErr != nil {
		msg := pubErr.Error()
		if err := r.Store.RecordReplayOutcome(ctx, id, models.ReplayResultFailed, &msg); err != nil {
			r.entry(id).Error("record replay outcome: " + err.Error())
		}
		outcome.Result = models.ReplayResultFailed
		outcome.Error = msg
		r.entry(id).WithField("operator", by).Error("dlq replay publish failed: " + msg)
		return outcome, pubErr
	}

	r.entry(id).WithFields(logrus.Fields{
		"operator":           by,
		"correlation_id":     env.Event.CorrelationId,
		"source_correlation": rec.CorrelationId,
	}).Info("dlq message replayed")
	return outcome, nil
}
