package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xiaogangdengdai/autotask/internal/logging"
)

// Manager handles webhook delivery to configured endpoints.
type Manager struct {
	config     *Config
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	mu         sync.RWMutex

	deliveries     int64
	failures       int64
	retries        int64
	lastDeliveryAt time.Time
}

// DeliveryResult represents the result of a webhook delivery attempt.
type DeliveryResult struct {
	Endpoint   string
	Success    bool
	StatusCode int
	Attempts   int
	Error      error
	Duration   time.Duration
}

// NewManager creates a webhook manager. version goes into the User-Agent.
func NewManager(config *Config, version string) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:     config,
		httpClient: &http.Client{},
		userAgent:  "autotask-webhooks/" + version,
		logger:     logging.WithComponent("webhooks"),
	}
}

// Dispatch sends event to every subscribed endpoint concurrently and waits
// for all deliveries, retries included.
func (m *Manager) Dispatch(ctx context.Context, event *Event) []DeliveryResult {
	if !m.config.Enabled {
		return nil
	}

	var (
		results []DeliveryResult
		resMu   sync.Mutex
		wg      sync.WaitGroup
	)
	for _, endpoint := range m.config.Endpoints {
		if !endpoint.Enabled || !endpoint.SubscribesTo(event.Type) {
			continue
		}

		wg.Add(1)
		go func(ep *EndpointConfig) {
			defer wg.Done()
			result := m.deliver(ctx, ep, event)
			resMu.Lock()
			results = append(results, result)
			resMu.Unlock()
		}(endpoint)
	}

	wg.Wait()
	return results
}

// deliver sends an event to a single endpoint with retry logic.
func (m *Manager) deliver(ctx context.Context, endpoint *EndpointConfig, event *Event) DeliveryResult {
	startTime := time.Now()
	retryConfig := endpoint.GetRetry(m.config.Defaults)
	timeout := endpoint.GetTimeout(m.config.Defaults)
	log := m.logger.With(slog.String("endpoint", endpoint.Name), slog.String("event", string(event.Type)))

	result := DeliveryResult{Endpoint: endpoint.Name}

	payload, err := json.Marshal(event)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal event: %w", err)
		result.Duration = time.Since(startTime)
		return result
	}
	signature := Sign(payload, endpoint.Secret)

	delay := retryConfig.InitialDelay
	for attempt := 1; attempt <= retryConfig.MaxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := m.post(ctx, endpoint, event, payload, signature, timeout)
		result.StatusCode = status
		if err == nil {
			result.Success = true
			result.Error = nil
			result.Duration = time.Since(startTime)
			m.recordSuccess()
			log.Debug("Webhook delivered", slog.Int("status", status))
			return result
		}
		result.Error = err
		log.Warn("Webhook delivery failed", slog.Int("attempt", attempt), slog.Any("error", err))

		if attempt >= retryConfig.MaxAttempts {
			break
		}

		m.recordRetry()
		select {
		case <-ctx.Done():
			result.Error = ctx.Err()
			result.Duration = time.Since(startTime)
			m.recordFailure()
			return result
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * retryConfig.Multiplier)
		if retryConfig.MaxDelay > 0 && delay > retryConfig.MaxDelay {
			delay = retryConfig.MaxDelay
		}
	}

	result.Duration = time.Since(startTime)
	m.recordFailure()
	log.Error("Webhook delivery exhausted retries",
		slog.Int("attempts", result.Attempts),
		slog.Any("error", result.Error),
	)
	return result
}

// post performs one delivery attempt. Non-2xx responses are errors.
func (m *Manager) post(ctx context.Context, endpoint *EndpointConfig, event *Event, payload []byte, signature string, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Autotask-Event", string(event.Type))
	req.Header.Set("X-Autotask-Delivery", event.ID)
	req.Header.Set("X-Autotask-Timestamp", event.Timestamp.Format(time.RFC3339))
	if signature != "" {
		req.Header.Set("X-Autotask-Signature", signature)
	}
	req.Header.Set("User-Agent", m.userAgent)
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign returns the HMAC-SHA256 signature header value for payload, or ""
// without a secret.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Receivers use it to
// authenticate deliveries.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

// Stats returns delivery counters.
func (m *Manager) Stats() (deliveries, failures, retries int64, lastDelivery time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliveries, m.failures, m.retries, m.lastDeliveryAt
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	m.deliveries++
	m.lastDeliveryAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *Manager) recordRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}
