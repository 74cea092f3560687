package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestClient_SendSlack(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), logrus.New())
	require.NoError(t, c.SendSlack(context.Background(), srv.URL, "deploy finished"))
	assert.Equal(t, "deploy finished", got["text"])

	assert.Error(t, c.SendSlack(context.Background(), srv.URL, ""))
}

func TestClient_SendEmailSetsAPIKey(t *testing.T) {
	var key string
	var msg Email
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&msg)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), nil)
	err := c.SendEmail(context.Background(), srv.URL, "k-123", Email{To: "a@example.com", Subject: "hi", Body: "there"})
	require.NoError(t, err)
	assert.Equal(t, "k-123", key)
	assert.Equal(t, "a@example.com", msg.To)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), nil)
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, nil, map[string]int{"n": 1}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), nil)
	err := c.PostJSON(context.Background(), srv.URL, nil, map[string]int{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_InvalidEndpoint(t *testing.T) {
	c := NewClient(testConfig(), nil)
	assert.Error(t, c.PostJSON(context.Background(), "not a url", nil, nil))
	assert.Error(t, c.PostJSON(context.Background(), "ftp://host/x", nil, nil))
}

func TestClient_BreakerOpensPerHost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 0
	cfg.Breaker = BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1}
	c := NewClient(cfg, nil)

	for i := 0; i < 2; i++ {
		assert.Error(t, c.PostJSON(context.Background(), srv.URL, nil, nil))
	}
	err := c.PostJSON(context.Background(), srv.URL, nil, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, c.BreakerStats(), 1)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	b.now = func() time.Time { return now }

	fail := errors.New("boom")
	assert.Equal(t, fail, b.Do(func() error { return fail }))
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	b.now = func() time.Time { return now }

	_ = b.Do(func() error { return errors.New("x") })
	now = now.Add(2 * time.Minute)
	_ = b.Do(func() error { return errors.New("still down") })
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, "open", b.State().String())
}
