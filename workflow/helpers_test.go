package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/catalog_sync/config"
	"github.com/mmdatafocus/catalog_sync/models"
	"github.com/mmdatafocus/catalog_sync/transport"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := config.OpenSQLite(name)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type scheduled struct {
	delay time.Duration
	msg   transport.Message
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (s *fakeScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, scheduled{delay: delay, msg: msg})
	return nil
}

func (s *fakeScheduler) last(t *testing.T) models.RetryEnvelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatalf("nothing scheduled")
	}
	env, err := models.DecodeDelivery(s.calls[len(s.calls)-1].msg.Data)
	if err != nil {
		t.Fatalf("decode scheduled message: %v", err)
	}
	return env
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records []*models.DlqRecord
}

func (f *fakeDeadLetters) Insert(ctx context.Context, rec *models.DlqRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeDeadLetters) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func testChannels() transport.Channels {
	return transport.ChannelsFor("catalog.sync", DefaultRetryPolicy().Tiers)
}

func newTestEscalator(sched transport.Scheduler, dlq DeadLetterWriter) *Escalator {
	e := NewEscalator(DefaultRetryPolicy(), testChannels(), sched, dlq, quietLogger())
	e.now = func() time.Time { return testNow }
	return e
}

func testEvent(accountId string) models.SyncEvent {
	payload, _ := json.Marshal(map[string]string{"vendorCode": accountId})
	return models.NewSyncEvent(models.EventTypeMenuSync, "tenant-1", accountId, nil, payload, testNow)
}
