package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/catalog_sync/models"
)

var (
	// ErrPermanentFailure is surfaced when a key already failed permanently.
	ErrPermanentFailure = errors.New("permanent failure recorded for idempotency key")
	ErrUnknownAccount   = errors.New("unknown account")
	ErrMalformedPayload = errors.New("malformed payload")
)

// PermanentError marks a business-rule rejection that must never be retried.
type PermanentError struct {
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(code string, err error) error {
	return &PermanentError{Code: code, Err: err}
}

// HTTPStatusError carries a remote API response status.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("remote api error %d: %s", e.StatusCode, e.Body)
}

// ClassifyFailure returns the failure type and a short error code.
// Anything not recognised as a rejection is treated as transient.
func ClassifyFailure(err error) (models.FailureType, string) {
	if err == nil {
		return models.FailureTypeTransient, ""
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return models.FailureTypePermanent, perm.Code
	}

	var status *HTTPStatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == http.StatusTooManyRequests:
			return models.FailureTypeTransient, "RATE_LIMITED"
		case status.StatusCode == http.StatusRequestTimeout:
			return models.FailureTypeTransient, "REMOTE_TIMEOUT"
		case status.StatusCode >= 500:
			return models.FailureTypeTransient, fmt.Sprintf("HTTP_%d", status.StatusCode)
		case status.StatusCode >= 400:
			return models.FailureTypePermanent, fmt.Sprintf("HTTP_%d", status.StatusCode)
		}
	}

	switch {
	case errors.Is(err, ErrUnknownAccount):
		return models.FailureTypePermanent, "UNKNOWN_ACCOUNT"
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, models.ErrEmptyDelivery):
		return models.FailureTypePermanent, "MALFORMED_PAYLOAD"
	case errors.Is(err, ErrPermanentFailure):
		return models.FailureTypePermanent, "PERMANENT_FAILURE"
	case errors.Is(err, context.DeadlineExceeded):
		return models.FailureTypeTransient, "TIMEOUT"
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return models.FailureTypePermanent, "MALFORMED_PAYLOAD"
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return models.FailureTypePermanent, "VALIDATION_FAILED"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.FailureTypeTransient, "NETWORK_TIMEOUT"
		}
		return models.FailureTypeTransient, "NETWORK_ERROR"
	}

	return models.FailureTypeTransient, "UNKNOWN"
}
