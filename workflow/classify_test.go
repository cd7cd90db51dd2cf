package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mmdatafocus/catalog_sync/models"
)

func TestClassifyFailure(t *testing.T) {
	var syntaxTarget map[string]any
	syntaxErr := json.Unmarshal([]byte("{"), &syntaxTarget)

	cases := []struct {
		name string
		err  error
		typ  models.FailureType
		code string
	}{
		{"rate limited", &HTTPStatusError{StatusCode: 429}, models.FailureTypeTransient, "RATE_LIMITED"},
		{"server error", &HTTPStatusError{StatusCode: 503}, models.FailureTypeTransient, "HTTP_503"},
		{"client error", &HTTPStatusError{StatusCode: 422}, models.FailureTypePermanent, "HTTP_422"},
		{"wrapped client error", fmt.Errorf("submit: %w", &HTTPStatusError{StatusCode: 404}), models.FailureTypePermanent, "HTTP_404"},
		{"unknown account", fmt.Errorf("lookup: %w", ErrUnknownAccount), models.FailureTypePermanent, "UNKNOWN_ACCOUNT"},
		{"explicit permanent", Permanent("VENDOR_DISABLED", nil), models.FailureTypePermanent, "VENDOR_DISABLED"},
		{"bad json", syntaxErr, models.FailureTypePermanent, "MALFORMED_PAYLOAD"},
		{"empty delivery", models.ErrEmptyDelivery, models.FailureTypePermanent, "MALFORMED_PAYLOAD"},
		{"deadline", context.DeadlineExceeded, models.FailureTypeTransient, "TIMEOUT"},
		{"unrecognised", fmt.Errorf("something odd"), models.FailureTypeTransient, "UNKNOWN"},
	}
	for _, c := range cases {
		typ, code := ClassifyFailure(c.err)
		if typ != c.typ || code != c.code {
			t.Fatalf("%s: got %s/%s want %s/%s", c.name, typ, code, c.typ, c.code)
		}
	}
}

func TestClassifyFailure_ValidationErrorsArePermanent(t *testing.T) {
	err := models.SyncEvent{}.Validate()
	typ, code := ClassifyFailure(err)
	if typ != models.FailureTypePermanent || code != "VALIDATION_FAILED" {
		t.Fatalf("got %s/%s", typ, code)
	}
}
