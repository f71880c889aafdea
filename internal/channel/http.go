package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Recorder receives transport metrics. Implemented by observability.Metrics.
type Recorder interface {
	RecordChannelRetry(channel string)
	SetChannelBreakerState(channel string, state int)
}

// errRetryable marks a provider failure that may succeed on another attempt.
var errRetryable = errors.New("channel: retryable provider error")

// HTTPProvider sends messages to a JSON provider API. Email is posted to
// {base}/v1/email, SMS to {base}/v1/sms and calls to {base}/v1/calls. The
// provider answers with {"id": "...", "status": "..."}.
type HTTPProvider struct {
	name    string
	cfg     config.ChannelConfig
	apiKey  string
	client  *http.Client
	breaker *Breaker
	logger  *zap.Logger
	metrics Recorder
}

// NewHTTPProvider creates a provider client for the named channel.
func NewHTTPProvider(name string, cfg config.ChannelConfig, apiKey string, logger *zap.Logger, metrics Recorder) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := cfg.CircuitBreaker
	p := &HTTPProvider{
		name:    name,
		cfg:     cfg,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout),
		logger:  logger.With(zap.String("channel", name)),
		metrics: metrics,
	}
	if metrics != nil {
		p.breaker.OnStateChange(func(s BreakerState) {
			metrics.SetChannelBreakerState(name, int(s))
		})
	}
	return p
}

// Breaker exposes the provider's circuit breaker.
func (p *HTTPProvider) Breaker() *Breaker { return p.breaker }

func (p *HTTPProvider) SendEmail(ctx context.Context, to, subject, body string) (Receipt, error) {
	return p.post(ctx, "/v1/email", map[string]string{
		"from":    p.cfg.From,
		"to":      to,
		"subject": subject,
		"body":    body,
	})
}

func (p *HTTPProvider) SendSMS(ctx context.Context, to, body string) (Receipt, error) {
	return p.post(ctx, "/v1/sms", map[string]string{
		"from": p.cfg.From,
		"to":   to,
		"body": body,
	})
}

func (p *HTTPProvider) PlaceCall(ctx context.Context, to, script string) (Receipt, error) {
	return p.post(ctx, "/v1/calls", map[string]string{
		"from":   p.cfg.From,
		"to":     to,
		"script": script,
	})
}

func (p *HTTPProvider) post(ctx context.Context, path string, payload map[string]string) (Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("channel: marshal %s payload: %w", p.name, err)
	}
	reqURL := strings.TrimRight(p.cfg.BaseURL, "/") + path
	return p.sendWithRetry(ctx, reqURL, body)
}

// sendWithRetry wraps sendOnce with retry logic and exponential backoff.
func (p *HTTPProvider) sendWithRetry(ctx context.Context, reqURL string, body []byte) (Receipt, error) {
	maxAttempts := p.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(p.cfg.Retry, attempt)
			select {
			case <-ctx.Done():
				return Receipt{}, ctx.Err()
			case <-time.After(delay):
			}
			if p.metrics != nil {
				p.metrics.RecordChannelRetry(p.name)
			}
		}

		rec, err := p.sendOnce(ctx, reqURL, body)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !errors.Is(err, errRetryable) {
			return Receipt{}, err
		}
		p.logger.Debug("retrying provider send",
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Error(err),
		)
	}
	return Receipt{}, lastErr
}

// sendOnce performs a single request with circuit breaker protection.
func (p *HTTPProvider) sendOnce(ctx context.Context, reqURL string, body []byte) (Receipt, error) {
	if err := p.breaker.Allow(); err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("channel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	observability.InjectTraceContext(ctx, req.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordFailure()
		if ctx.Err() != nil {
			return Receipt{}, ctx.Err()
		}
		if isConnectionError(err) {
			return Receipt{}, fmt.Errorf("%w: %s unreachable: %v", errRetryable, p.name, err)
		}
		return Receipt{}, fmt.Errorf("channel: %s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		p.breaker.RecordFailure()
		return Receipt{}, fmt.Errorf("channel: read %s response: %w", p.name, err)
	}

	switch {
	case resp.StatusCode >= 500:
		p.breaker.RecordFailure()
		if isRetryableStatus(resp.StatusCode) {
			return Receipt{}, fmt.Errorf("%w: %s returned %d", errRetryable, p.name, resp.StatusCode)
		}
		return Receipt{}, fmt.Errorf("channel: %s returned %d", p.name, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, fmt.Errorf("%w: %s rate limited", errRetryable, p.name)
	case resp.StatusCode >= 400:
		// 4xx are rejections of this message, not provider failures.
		return Receipt{}, fmt.Errorf("%w: %s rejected message with %d: %s",
			ErrMalformed, p.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	p.breaker.RecordSuccess()

	var parsed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			p.logger.Warn("provider returned non-JSON body", zap.Error(err))
		}
	}
	rec := Receipt{ProviderID: parsed.ID, Status: model.DeliveryStatus(strings.ToUpper(parsed.Status))}
	switch rec.Status {
	case model.DeliverySent, model.DeliveryDelivered:
	default:
		rec.Status = model.DeliverySent
	}
	return rec, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
