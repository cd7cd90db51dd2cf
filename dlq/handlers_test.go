package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/catalog_sync/models"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Store, *fakePublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := newTestStore(t)
	pub := &fakePublisher{}
	r := gin.New()
	RegisterRoutes(r.Group("/dlq"), s, NewReplayer(s, pub, nil, quietLogger()))
	return r, s, pub
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReplayHandler_StatusCodes(t *testing.T) {
	r, s, pub := newTestRouter(t)
	seedRecord(t, s, "r1", models.EventTypeMenuSync, models.DlqPriorityNormal)

	if w := do(r, http.MethodPost, "/dlq/messages/missing/replay", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
	w := do(r, http.MethodPost, "/dlq/messages/r1/replay", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first replay: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var outcome ReplayOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome.Result != models.ReplayResultSuccess || outcome.CorrelationId == "" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if w := do(r, http.MethodPost, "/dlq/messages/r1/replay", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("second replay: expected 400, got %d", w.Code)
	}
	if len(pub.envs) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(pub.envs))
	}
}

func TestAcknowledgeHandler_StatusCodes(t *testing.T) {
	r, s, _ := newTestRouter(t)
	seedRecord(t, s, "r1", models.EventTypeMenuSync, models.DlqPriorityNormal)

	if w := do(r, http.MethodPost, "/dlq/messages/r1/acknowledge", map[string]string{"notes": "known issue"}); w.Code != http.StatusOK {
		t.Fatalf("first ack: expected 200, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/dlq/messages/r1/acknowledge", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("second ack: expected 400, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/dlq/messages/nope/acknowledge", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", w.Code)
	}
}

func TestPriorityHandler(t *testing.T) {
	r, s, _ := newTestRouter(t)
	seedRecord(t, s, "r1", models.EventTypeMenuSync, models.DlqPriorityNormal)

	if w := do(r, http.MethodPatch, "/dlq/messages/r1/priority", map[string]string{"priority": "Urgent"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid priority: expected 400, got %d", w.Code)
	}
	if w := do(r, http.MethodPatch, "/dlq/messages/r1/priority", map[string]string{"priority": "critical"}); w.Code != http.StatusOK {
		t.Fatalf("valid priority: expected 200, got %d", w.Code)
	}
	rec, _ := s.GetById(context.Background(), "r1")
	if rec.Priority != models.DlqPriorityCritical {
		t.Fatalf("priority not updated: %s", rec.Priority)
	}
}

func TestListAndGetHandlers(t *testing.T) {
	r, s, _ := newTestRouter(t)
	seedRecord(t, s, "r1", models.EventTypeMenuSync, models.DlqPriorityHigh)
	seedRecord(t, s, "r2", "PriceSync", models.DlqPriorityLow)

	w := do(r, http.MethodGet, "/dlq/messages?eventType=MenuSync&maxRecords=9999", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var summaries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 1 || summaries[0]["id"] != "r1" {
		t.Fatalf("unexpected list %v", summaries)
	}
	if _, ok := summaries[0]["originalMessage"]; ok {
		t.Fatalf("summaries must not include the original message")
	}

	if w := do(r, http.MethodGet, "/dlq/messages?priority=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad priority filter: expected 400, got %d", w.Code)
	}

	w = do(r, http.MethodGet, "/dlq/messages/r2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var full map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &full)
	if full["originalMessage"] == "" || full["originalMessage"] == nil {
		t.Fatalf("full record must include the original message")
	}

	w = do(r, http.MethodGet, "/dlq/stats", nil)
	var stats models.DlqStatistics
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalMessages != 2 || stats.PendingMessages != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
