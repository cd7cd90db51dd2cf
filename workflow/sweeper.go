package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LedgerSweeper periodically deletes expired idempotency records.
type LedgerSweeper struct {
	Ledger   *Ledger
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewLedgerSweeper(ledger *Ledger, interval time.Duration, logger *logrus.Logger) *LedgerSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LedgerSweeper{Ledger: ledger, Logger: logger, Interval: interval}
}

func (s *LedgerSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *LedgerSweeper) SweepOnce(ctx context.Context) int64 {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	n, err := s.Ledger.DeleteExpired(ctx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "LedgerSweeper"}).Error("delete expired: " + err.Error())
		return 0
	}
	if n > 0 {
		logger.WithFields(logrus.Fields{"field": "LedgerSweeper", "deleted": n}).Info("expired idempotency records removed")
	}
	return n
}
