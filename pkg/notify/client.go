package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config 出站通知客户端配置
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	UserAgent      string
	BreakerEnabled bool
	Breaker        BreakerConfig
}

func DefaultConfig() *Config {
	return &Config{
		Timeout:        10 * time.Second,
		MaxRetries:     2,
		RetryDelay:     500 * time.Millisecond,
		UserAgent:      "automator-notify/1.0",
		BreakerEnabled: true,
		Breaker:        DefaultBreakerConfig(),
	}
}

// APIError is a non-2xx response from the remote endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error [%d]: %s", e.StatusCode, e.Body)
}

// Email is the payload accepted by the email relay.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Client posts JSON to webhooks (Slack, email relay, arbitrary URLs) with retry and
// per-host circuit breaking.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// PostJSON sends body as JSON to endpoint. Network errors and 5xx responses are retried;
// 4xx responses are returned immediately.
func (c *Client) PostJSON(ctx context.Context, endpoint string, headers map[string]string, body interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid endpoint %q", endpoint)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	send := func() error { return c.doWithRetry(ctx, endpoint, headers, payload) }
	if !c.config.BreakerEnabled {
		return send()
	}
	return c.breakerFor(u.Host).Do(send)
}

// SendSlack posts a plain text message to a Slack incoming webhook.
func (c *Client) SendSlack(ctx context.Context, webhookURL, text string) error {
	if text == "" {
		return errors.New("slack text required")
	}
	return c.PostJSON(ctx, webhookURL, nil, map[string]string{"text": text})
}

// SendEmail hands a message to the HTTP email relay.
func (c *Client) SendEmail(ctx context.Context, relayURL, apiKey string, msg Email) error {
	if msg.To == "" {
		return errors.New("email recipient required")
	}
	var headers map[string]string
	if apiKey != "" {
		headers = map[string]string{"X-API-Key": apiKey}
	}
	return c.PostJSON(ctx, relayURL, headers, msg)
}

// BreakerStats 返回各目标主机的熔断器状态
func (c *Client) BreakerStats() map[string]map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(c.breakers))
	for host, b := range c.breakers {
		out[host] = b.Stats()
	}
	return out
}

func (c *Client) breakerFor(host string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = NewBreaker(c.config.Breaker)
		c.breakers[host] = b
	}
	return b
}

func (c *Client) doWithRetry(ctx context.Context, endpoint string, headers map[string]string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("notify: retry attempt %d/%d for %s", attempt, c.config.MaxRetries, endpoint)
		}

		lastErr = c.do(ctx, endpoint, headers, payload)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, endpoint string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.logger.Debugf("notify: POST %s -> %d", endpoint, resp.StatusCode)
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// 网络错误和 5xx 可以重试，4xx 以及上下文取消不重试
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}
