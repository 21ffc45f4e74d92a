// Package notify delivers signed webhook events to merchant fulfillment
// endpoints. Destinations are merchant-supplied URLs, so every delivery is
// gated by an SSRF check that resolves the host and rejects anything that
// lands on a private, loopback, or otherwise non-public address.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/adam-php/medius/internal/circuitbreaker"
	"github.com/adam-php/medius/internal/logging"
	"github.com/adam-php/medius/internal/metrics"
	"github.com/adam-php/medius/internal/retry"
	"github.com/adam-php/medius/internal/security"
)

var (
	ErrUnsafeURL      = errors.New("callback url is not publicly routable")
	ErrDeliveryFailed = errors.New("callback delivery failed")
	ErrCircuitOpen    = errors.New("callback host circuit open")
)

// Event is one outbound webhook notification.
type Event struct {
	Name           string
	IdempotencyKey string
	Payload        map[string]any
}

// Result summarizes a delivery attempt sequence.
type Result struct {
	Status    string // "success" or "failed"
	Attempts  int
	LastCode  int
	LastError string
}

// Deliverer posts an event to a callback URL and reports the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, callbackURL string, evt Event) Result
}

// Service delivers events over HTTP with HMAC signing and a fixed retry
// schedule.
type Service struct {
	client   *http.Client
	secret   []byte
	schedule []time.Duration
	policy   security.EndpointPolicy
	// breaker keys circuits by callback host so one dead endpoint does not
	// keep burning the retry schedule
	breaker *circuitbreaker.Breaker
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithAllowPrivate disables the public-destination check. Local development
// only; production callbacks must resolve to public addresses.
func WithAllowPrivate() Option {
	return func(s *Service) { s.policy.AllowPrivate = true }
}

// WithSchedule overrides the retry sleep schedule.
func WithSchedule(d []time.Duration) Option {
	return func(s *Service) { s.schedule = d }
}

// WithResolver overrides DNS resolution for the destination check.
func WithResolver(fn func(host string) ([]net.IP, error)) Option {
	return func(s *Service) { s.policy.Resolve = fn }
}

// WithBreaker overrides the per-host circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// NewService creates a webhook deliverer. secret signs each payload with
// HMAC-SHA256; an empty secret disables signing.
func NewService(secret string, opts ...Option) *Service {
	s := &Service{
		client:   &http.Client{Timeout: 10 * time.Second},
		secret:   []byte(secret),
		schedule: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		breaker:  circuitbreaker.New(5, 2*time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver posts evt to callbackURL, retrying on the configured schedule.
// The returned Result always reflects the final attempt; Deliver never
// returns early on transient failures.
func (s *Service) Deliver(ctx context.Context, callbackURL string, evt Event) Result {
	if err := s.checkURL(callbackURL); err != nil {
		metrics.CallbackDeliveriesTotal.WithLabelValues("rejected").Inc()
		return Result{Status: "failed", Attempts: 0, LastError: err.Error()}
	}

	host := hostOf(callbackURL)
	if !s.breaker.Allow(host) {
		metrics.CallbackDeliveriesTotal.WithLabelValues("rejected").Inc()
		return Result{Status: "failed", Attempts: 0, LastError: ErrCircuitOpen.Error()}
	}

	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return Result{Status: "failed", LastError: "encode payload: " + err.Error()}
	}

	res := Result{Status: "failed"}
	err = retry.Fixed(s.schedule, func() error {
		res.Attempts++
		code, attemptErr := s.post(ctx, callbackURL, evt, body)
		res.LastCode = code
		if attemptErr != nil {
			res.LastError = attemptErr.Error()
			return attemptErr
		}
		res.LastError = ""
		return nil
	})
	if err == nil {
		res.Status = "success"
		s.breaker.RecordSuccess(host)
		metrics.CallbackDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		s.breaker.RecordFailure(host)
		metrics.CallbackDeliveriesTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Warn("callback delivery failed",
			"url_host", hostOf(callbackURL), "event", evt.Name,
			"attempts", res.Attempts, "last_code", res.LastCode)
	}
	return res
}

func (s *Service) post(ctx context.Context, callbackURL string, evt Event, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Medius-Event", evt.Name)
	req.Header.Set("X-Medius-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if evt.IdempotencyKey != "" {
		req.Header.Set("X-Medius-Idempotency-Key", evt.IdempotencyKey)
	}
	if len(s.secret) > 0 {
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(body)
		req.Header.Set("X-Medius-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
}

// checkURL enforces http(s) and a publicly routable destination. Every
// resolved address must be public; one private A record fails the whole URL.
func (s *Service) checkURL(raw string) error {
	if err := s.policy.Check(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
