package services

import (
	"context"
	"testing"
	"time"

	"automator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAutomationService(t *testing.T) (*AutomationService, *GormRuleStore) {
	t.Helper()
	db := newAutomationTestDB(t)
	store := NewGormRuleStore(db)
	logger := newQuietLogger()
	reg := NewActionRegistry()
	require.NoError(t, RegisterBuiltinHandlers(reg, HandlerDeps{DB: db, Logger: logger}))
	sched := NewScheduler(store, NewActionExecutor(reg, time.Second, logger, nil), SchedulerOptions{Runs: store, Logger: logger})
	return NewAutomationService(store, sched, reg, logger), store
}

func TestAutomationService_Validate(t *testing.T) {
	svc, _ := newTestAutomationService(t)
	valid := AutomationRuleRequest{
		Name:          "Morning digest",
		Trigger:       models.TriggerTimeBased,
		TriggerConfig: map[string]interface{}{"hour": 9},
		Actions:       []models.Action{{Type: "notify_log"}},
	}
	require.NoError(t, svc.Validate(&valid))

	tests := []struct {
		name   string
		mutate func(r *AutomationRuleRequest)
	}{
		{"blank name", func(r *AutomationRuleRequest) { r.Name = "  " }},
		{"unknown trigger", func(r *AutomationRuleRequest) { r.Trigger = "on_moon_phase" }},
		{"bad trigger config", func(r *AutomationRuleRequest) { r.TriggerConfig = map[string]interface{}{"hour": 30} }},
		{"bad condition", func(r *AutomationRuleRequest) {
			r.Conditions = []models.Condition{{Field: "x", Operator: "like", Value: 1}}
		}},
		{"empty action type", func(r *AutomationRuleRequest) { r.Actions = []models.Action{{Type: ""}} }},
		{"unregistered action", func(r *AutomationRuleRequest) { r.Actions = []models.Action{{Type: "send_fax"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.ErrorIs(t, svc.Validate(&req), ErrValidation)
		})
	}
	assert.ErrorIs(t, svc.Validate(nil), ErrValidation)
}

func TestAutomationService_CRUD(t *testing.T) {
	svc, store := newTestAutomationService(t)
	ctx := context.Background()

	disabled := false
	rule, err := svc.CreateRule(ctx, "alice", &AutomationRuleRequest{
		Name:    " Weekly follow-up ",
		Trigger: models.TriggerSchedule,
		TriggerConfig: map[string]interface{}{
			"cron": "0 8 * * 1",
		},
		Actions: []models.Action{{Type: "create_task", Config: map[string]interface{}{"title": "Call back"}}},
		Enabled: &disabled,
	})
	require.NoError(t, err)
	assert.Len(t, rule.ID, 36)
	assert.Equal(t, "Weekly follow-up", rule.Name)
	assert.False(t, rule.Enabled)

	_, err = svc.CreateRule(ctx, "", &AutomationRuleRequest{Name: "x", Trigger: models.TriggerManual})
	assert.ErrorIs(t, err, ErrValidation)

	// 模拟已有执行簿记，更新后应保留
	_, err = store.RecordFiring(ctx, rule.ID, "schedule:2024-05-06T08:00:00Z", time.Now())
	require.NoError(t, err)

	enabled := true
	updated, err := svc.UpdateRule(ctx, "alice", rule.ID, &AutomationRuleRequest{
		Name:    "Weekly follow-up v2",
		Trigger: models.TriggerManual,
		Enabled: &enabled,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, updated.Trigger)

	got, err := svc.GetRule(ctx, "alice", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly follow-up v2", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, int64(1), got.TriggerCount)
	assert.Equal(t, "schedule:2024-05-06T08:00:00Z", got.LastFiredWindow)

	_, err = svc.UpdateRule(ctx, "bob", rule.ID, &AutomationRuleRequest{Name: "hijack", Trigger: models.TriggerManual})
	assert.ErrorIs(t, err, ErrRuleNotFound)

	require.NoError(t, svc.SetEnabled(ctx, "alice", rule.ID, false))
	rules, total, err := svc.ListRules(ctx, "alice", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.False(t, rules[0].Enabled)

	require.NoError(t, svc.DeleteRule(ctx, "alice", rule.ID, false))
	_, err = svc.GetRule(ctx, "alice", rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestAutomationService_ImportIsAllOrNothing(t *testing.T) {
	svc, _ := newTestAutomationService(t)
	ctx := context.Background()

	reqs := []AutomationRuleRequest{
		{Name: "ok", Trigger: models.TriggerManual, Actions: []models.Action{{Type: "notify_log"}}},
		{Name: "bad", Trigger: models.TriggerSchedule, TriggerConfig: map[string]interface{}{"cron": "nope"}},
	}
	_, err := svc.ImportRules(ctx, "alice", reqs)
	assert.ErrorIs(t, err, ErrValidation)
	_, total, err := svc.ListRules(ctx, "alice", 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)

	created, err := svc.ImportRules(ctx, "alice", reqs[:1])
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestAutomationService_FireAndWebhook(t *testing.T) {
	svc, store := newTestAutomationService(t)
	ctx := context.Background()

	hook, err := svc.CreateRule(ctx, "alice", &AutomationRuleRequest{
		Name:          "inbound",
		Trigger:       models.TriggerWebhook,
		TriggerConfig: map[string]interface{}{"secret": "s3cret"},
		Conditions:    []models.Condition{{Field: "status", Operator: models.OpEquals, Value: "closed"}},
		Actions:       []models.Action{{Type: "create_task", Config: map[string]interface{}{"title": "Survey {{payload.customer}}"}}},
	})
	require.NoError(t, err)

	_, err = svc.FireWebhook(ctx, hook.ID, "wrong", nil)
	assert.ErrorIs(t, err, ErrWebhookUnauthorized)
	_, err = svc.FireWebhook(ctx, "missing", "s3cret", nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	entry, err := svc.FireWebhook(ctx, hook.ID, "s3cret", map[string]interface{}{"status": "closed", "customer": "ACME"})
	require.NoError(t, err)
	assert.Equal(t, RuleExecuted, entry.Status)

	var task models.AutomationTask
	require.NoError(t, store.DB().Where("rule_id = ?", hook.ID).First(&task).Error)
	assert.Equal(t, "Survey ACME", task.Title)
	assert.Equal(t, "alice", task.OwnerID)

	entry, err = svc.Fire(ctx, "alice", hook.ID, map[string]interface{}{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, RuleSkipped, entry.Status)

	manual, err := svc.CreateRule(ctx, "alice", &AutomationRuleRequest{Name: "m", Trigger: models.TriggerManual})
	require.NoError(t, err)
	_, err = svc.FireWebhook(ctx, manual.ID, "", nil)
	assert.ErrorIs(t, err, ErrTriggerMismatch)

	runs, err := svc.ListRuns(ctx, "alice", hook.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunSourceWebhook, runs[0].Source)
}

func TestAutomationService_TemplatesAreValid(t *testing.T) {
	svc, _ := newTestAutomationService(t)
	// 模板可能引用需要外部依赖的动作，这里只校验触发器与条件
	svc.registry = nil
	for _, tpl := range svc.Templates() {
		req := AutomationRuleRequest{
			Name:          tpl.Name,
			Trigger:       tpl.Trigger,
			TriggerConfig: tpl.TriggerConfig,
			Conditions:    tpl.Conditions,
			Actions:       tpl.Actions,
		}
		assert.NoError(t, svc.Validate(&req), tpl.Key)
	}
	_, ok := FindTemplate("daily_digest")
	assert.True(t, ok)
	_, ok = FindTemplate("nope")
	assert.False(t, ok)
}
