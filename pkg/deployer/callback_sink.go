package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// HTTPCallbackSink posts run outcomes to callback URLs. Deliveries that fail
// with a network error or a 5xx status are retried with a doubling backoff.
type HTTPCallbackSink struct {
	client   *http.Client
	secret   []byte
	attempts int
	backoff  time.Duration
	logger   *telemetry.Logger
}

// NewHTTPCallbackSink creates a sink. A non-empty secret signs every body.
func NewHTTPCallbackSink(client *http.Client, secret []byte, tel *telemetry.Telemetry) *HTTPCallbackSink {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &HTTPCallbackSink{
		client:   client,
		secret:   secret,
		attempts: 5,
		backoff:  time.Second,
		logger:   tel.Logger.NewComponentLogger("callback-sink"),
	}
}

// WithRetry overrides the delivery attempts and the first backoff.
func (s *HTTPCallbackSink) WithRetry(attempts int, backoff time.Duration) *HTTPCallbackSink {
	if attempts > 0 {
		s.attempts = attempts
	}
	s.backoff = backoff
	return s
}

// Post delivers an outcome to url.
func (s *HTTPCallbackSink) Post(ctx context.Context, url string, outcome engine.Outcome) error {
	body, err := json.Marshal(NewCallbackBody(outcome))
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		retry, err := s.post(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == s.attempts {
			break
		}
		s.logger.WithError(err).WithField("attempt", attempt).Warn("callback delivery failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("failed to deliver callback: %w", lastErr)
}

func (s *HTTPCallbackSink) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return resp.StatusCode >= 500, err
	}
	return false, nil
}

// Reporter returns a Reporter that posts to url.
func (s *HTTPCallbackSink) Reporter(url string) Reporter {
	return func(outcome engine.Outcome) {
		if err := s.Post(context.Background(), url, outcome); err != nil {
			s.logger.WithError(err).WithField("callback_url", url).Error("outcome lost")
		}
	}
}
