package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMissingSignature  = errors.New("missing webhook signature")
	ErrInvalidTimestamp  = errors.New("invalid webhook timestamp")
	ErrTimestampRequired = errors.New("webhook timestamp required")
	ErrTimestampSkew     = errors.New("timestamp skew exceeded")
	ErrMissingSecret     = errors.New("missing webhook secret")
	ErrInvalidSecret     = errors.New("invalid webhook secret")
	ErrNotConfigured     = errors.New("webhook verification secret not configured")
)

type Mode string

const (
	ModeSignatureOnly Mode = "SignatureOnly"
	ModeSharedSecret  Mode = "SharedSecret"
	ModeEither        Mode = "Either"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "signatureonly", "signature":
		return ModeSignatureOnly, nil
	case "sharedsecret", "secret":
		return ModeSharedSecret, nil
	case "either", "":
		return ModeEither, nil
	default:
		return "", fmt.Errorf("unknown webhook verification mode %q", s)
	}
}

const DefaultMaxSkew = 300 * time.Second

type Options struct {
	Enabled          bool
	Mode             Mode
	SignatureSecret  string
	SharedSecret     string
	SignatureHeader  string
	TimestampHeader  string
	SecretHeader     string
	RequireTimestamp bool
	MaxSkew          time.Duration
}

func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		Mode:            ModeEither,
		SignatureHeader: "X-Signature",
		TimestampHeader: "X-Timestamp",
		SecretHeader:    "X-Webhook-Secret",
		MaxSkew:         DefaultMaxSkew,
	}
}

// Verifier authenticates inbound marketplace callbacks. It performs no I/O.
type Verifier struct {
	opts Options
	now  func() time.Time
}

func NewVerifier(opts Options) *Verifier {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = def.SignatureHeader
	}
	if opts.TimestampHeader == "" {
		opts.TimestampHeader = def.TimestampHeader
	}
	if opts.SecretHeader == "" {
		opts.SecretHeader = def.SecretHeader
	}
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = def.MaxSkew
	}
	return &Verifier{opts: opts, now: time.Now}
}

// WithClock replaces the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

type Result struct {
	IsValid       bool
	Err           error
	CorrelationId string
}

// Message is the caller-facing text for a rejection.
func (r Result) Message() string {
	switch {
	case r.IsValid:
		return "ok"
	case errors.Is(r.Err, ErrInvalidSignature):
		return "Invalid webhook signature."
	case errors.Is(r.Err, ErrTimestampSkew):
		return "timestamp skew exceeded"
	case r.Err != nil:
		return r.Err.Error()
	default:
		return "webhook rejected"
	}
}

func (v *Verifier) Validate(headers http.Header, rawBody []byte, correlationId string) Result {
	if !v.opts.Enabled {
		return Result{IsValid: true, CorrelationId: correlationId}
	}

	var err error
	switch v.opts.Mode {
	case ModeSignatureOnly:
		err = v.verifySignature(headers, rawBody)
	case ModeSharedSecret:
		err = v.verifySharedSecret(headers)
	default:
		err = v.verifyEither(headers, rawBody)
	}
	return Result{IsValid: err == nil, Err: err, CorrelationId: correlationId}
}

func (v *Verifier) verifyEither(headers http.Header, rawBody []byte) error {
	sigErr := v.verifySignature(headers, rawBody)
	if sigErr == nil {
		return nil
	}
	secErr := v.verifySharedSecret(headers)
	if secErr == nil {
		return nil
	}
	// Report the check the sender actually attempted.
	if strings.TrimSpace(headers.Get(v.opts.SignatureHeader)) != "" {
		return sigErr
	}
	if strings.TrimSpace(headers.Get(v.opts.SecretHeader)) != "" {
		return secErr
	}
	return ErrMissingSignature
}

func (v *Verifier) verifySignature(headers http.Header, rawBody []byte) error {
	if v.opts.SignatureSecret == "" {
		return ErrNotConfigured
	}
	sig := strings.TrimSpace(headers.Get(v.opts.SignatureHeader))
	if len(sig) > 7 && strings.EqualFold(sig[:7], "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return ErrMissingSignature
	}

	ts := strings.TrimSpace(headers.Get(v.opts.TimestampHeader))
	var signed []byte
	if ts == "" {
		if v.opts.RequireTimestamp {
			return ErrTimestampRequired
		}
		// legacy senders sign the body alone
		signed = rawBody
	} else {
		at, err := parseTimestamp(ts)
		if err != nil {
			return ErrInvalidTimestamp
		}
		skew := v.now().Sub(at)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.opts.MaxSkew {
			return ErrTimestampSkew
		}
		signed = signingInput(ts, rawBody)
	}

	mac := hmac.New(sha256.New, []byte(v.opts.SignatureSecret))
	_, _ = mac.Write(signed)
	sum := mac.Sum(nil)
	expectedHex := hex.EncodeToString(sum)
	expectedB64 := base64.StdEncoding.EncodeToString(sum)

	hexOK := subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(expectedHex))
	b64OK := subtle.ConstantTimeCompare([]byte(sig), []byte(expectedB64))
	if hexOK|b64OK != 1 {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) verifySharedSecret(headers http.Header) error {
	if v.opts.SharedSecret == "" {
		return ErrNotConfigured
	}
	provided := headers.Get(v.opts.SecretHeader)
	if provided == "" {
		return ErrMissingSecret
	}
	// Digests have a fixed length, so the comparison time does not depend on
	// the provided value's length.
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(v.opts.SharedSecret))
	if subtle.ConstantTimeCompare(a[:], b[:]) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339.
func parseTimestamp(raw string) (time.Time, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func signingInput(timestamp string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, []byte(timestamp)...)
	msg = append(msg, '.')
	return append(msg, body...)
}

// SignHex computes the lowercase hex signature for "<ts>.<body>", or for the
// body alone when timestamp is empty.
func SignHex(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(sign(secret, timestamp, body))
}

// SignBase64 is SignHex with standard base64 encoding.
func SignBase64(secret, timestamp string, body []byte) string {
	return base64.StdEncoding.EncodeToString(sign(secret, timestamp, body))
}

func sign(secret, timestamp string, body []byte) []byte {
	input := body
	if timestamp != "" {
		input = signingInput(timestamp, body)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(input)
	return mac.Sum(nil)
}
