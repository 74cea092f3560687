package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"automator/internal/config"
	"automator/internal/models"
	"automator/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:app_" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	cfg.Security.RateLimiting.Enabled = false
	cfg.Automation.SchedulerEnabled = false
	cfg.JWT.Secret = "app-test-secret"
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	a, err := New(testConfig(t), log, Options{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func signToken(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	enc := base64.RawURLEncoding
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	body, err := json.Marshal(claims)
	require.NoError(t, err)
	unsigned := enc.EncodeToString(header) + "." + enc.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unsigned))
	return unsigned + "." + enc.EncodeToString(mac.Sum(nil))
}

func TestNew_WiresEngine(t *testing.T) {
	a := newTestApp(t)

	assert.Equal(t, []string{
		"assign_user", "create_task", "move_to_status", "notify_log",
		"send_email", "send_notification", "send_slack", "send_webhook", "update_field",
	}, a.Registry.Types(), "publish_event needs NATS")
	assert.Nil(t, a.NATS)
	assert.True(t, a.DB.Migrator().HasTable(&models.AutomationRule{}))
	assert.NoError(t, Migrate(a.DB), "migrate is idempotent")
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	_, err := New(cfg, nil, Options{})
	assert.Error(t, err)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	r := newTestApp(t).Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_AuthenticatedRuleAndWebhook(t *testing.T) {
	a := newTestApp(t)
	r := a.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/automations", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := signToken(t, a.Config.JWT.Secret, map[string]interface{}{
		"sub": "alice", "exp": float64(time.Now().Add(time.Hour).Unix()),
	})
	rule := map[string]interface{}{
		"name":           "Inbound lead",
		"trigger":        models.TriggerWebhook,
		"trigger_config": map[string]interface{}{"secret": "hook-secret"},
		"actions": []map[string]interface{}{
			{"type": "create_task", "config": map[string]interface{}{"title": "Call {{payload.lead}}"}},
		},
	}
	raw, _ := json.Marshal(rule)
	req := httptest.NewRequest(http.MethodPost, "/api/automations", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.AutomationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.OwnerID)

	req = httptest.NewRequest(http.MethodPost, "/hooks/automations/"+created.ID, strings.NewReader(`{"lead":"ACME"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Automation-Secret", "hook-secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var task models.AutomationTask
	require.NoError(t, a.DB.Where("rule_id = ?", created.ID).First(&task).Error)
	assert.Equal(t, "Call ACME", task.Title)
}

func TestRun_StopsWithContext(t *testing.T) {
	a := newTestApp(t)
	a.Config.Automation.SchedulerEnabled = true
	a.Config.Automation.TickInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	a.Run(ctx)
	cancel()
	require.Eventually(t, func() bool {
		return a.Hub.Publish(context.Background(), services.Notification{OwnerID: "alice"}) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestNotifyConfig(t *testing.T) {
	nc := config.GetDefaultConfig().Notify
	nc.Timeout = 3 * time.Second
	nc.MaxRetries = 0
	nc.CircuitBreaker.Enabled = false
	nc.CircuitBreaker.MaxFailures = 9

	c := notifyConfig(nc)
	assert.Equal(t, 3*time.Second, c.Timeout)
	assert.Zero(t, c.MaxRetries)
	assert.False(t, c.BreakerEnabled)
	assert.Equal(t, 9, c.Breaker.MaxFailures)
	assert.Equal(t, 60*time.Second, c.Breaker.ResetTimeout)
}

func TestSeedTemplates_Idempotent(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	n, err := SeedTemplates(ctx, a.Service, "demo")
	require.NoError(t, err)
	assert.Equal(t, len(services.BuiltinTemplates()), n)

	n, err = SeedTemplates(ctx, a.Service, "demo")
	require.NoError(t, err)
	assert.Zero(t, n)

	rules, _, err := a.Service.ListRules(ctx, "demo", 1, 50)
	require.NoError(t, err)
	for _, r := range rules {
		assert.False(t, r.Enabled, r.Name)
	}
}
