package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"automator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:automator_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(models.AutomationModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedRule(t *testing.T, db *gorm.DB, rule models.AutomationRule) *models.AutomationRule {
	t.Helper()
	if rule.ID == "" {
		rule.ID = "rule-" + strings.ToLower(strings.NewReplacer(" ", "-").Replace(rule.Name))
	}
	if rule.OwnerID == "" {
		rule.OwnerID = "owner-1"
	}
	if rule.Actions == nil {
		rule.Actions = datatypes.NewJSONSlice([]models.Action{})
	}
	require.NoError(t, db.Create(&rule).Error)
	return &rule
}

func reloadRule(t *testing.T, db *gorm.DB, id string) models.AutomationRule {
	t.Helper()
	var rule models.AutomationRule
	require.NoError(t, db.Unscoped().Where("id = ?", id).First(&rule).Error)
	return rule
}

func TestGormRuleStore_RecordFiringClaimsWindowOnce(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewGormRuleStore(db)
	ctx := context.Background()
	rule := seedRule(t, db, models.AutomationRule{Name: "daily", Trigger: models.TriggerTimeBased, Enabled: true})
	before := reloadRule(t, db, rule.ID).UpdatedAt

	at := utc("2024-05-01T09:05:00Z")
	claimed, err := store.RecordFiring(ctx, rule.ID, "time_based:2024-05-01", at)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.RecordFiring(ctx, rule.ID, "time_based:2024-05-01", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	got := reloadRule(t, db, rule.ID)
	assert.Equal(t, int64(1), got.TriggerCount)
	assert.Equal(t, "time_based:2024-05-01", got.LastFiredWindow)
	require.NotNil(t, got.LastTriggered)
	assert.True(t, got.LastTriggered.Equal(at))
	assert.True(t, got.UpdatedAt.Equal(before), "bookkeeping must not bump updated_at")

	claimed, err = store.RecordFiring(ctx, rule.ID, "time_based:2024-05-02", at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, int64(2), reloadRule(t, db, rule.ID).TriggerCount)
}

func TestGormRuleStore_ClaimWindow(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewGormRuleStore(db)
	ctx := context.Background()
	rule := seedRule(t, db, models.AutomationRule{Name: "hourly", Trigger: models.TriggerSchedule, Enabled: true})
	before := reloadRule(t, db, rule.ID).UpdatedAt

	claimed, err := store.ClaimWindow(ctx, rule.ID, "schedule:2024-05-01T09:00:00Z")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = store.ClaimWindow(ctx, rule.ID, "schedule:2024-05-01T09:00:00Z")
	require.NoError(t, err)
	assert.False(t, claimed)

	got := reloadRule(t, db, rule.ID)
	assert.Equal(t, "schedule:2024-05-01T09:00:00Z", got.LastFiredWindow)
	assert.Zero(t, got.TriggerCount, "claiming does not count as a firing")
	assert.Nil(t, got.LastTriggered)
	assert.True(t, got.UpdatedAt.Equal(before))

	claimed, err = store.ClaimWindow(ctx, rule.ID, "schedule:2024-05-01T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, claimed)

	_, err = store.ClaimWindow(ctx, "nope", "w")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = store.ClaimWindow(ctx, rule.ID, "")
	assert.Error(t, err)
}

func TestGormRuleStore_RecordFiringWithoutWindow(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewGormRuleStore(db)
	ctx := context.Background()
	rule := seedRule(t, db, models.AutomationRule{Name: "manual", Trigger: models.TriggerManual, Enabled: true})

	late := utc("2024-05-01T12:00:00Z")
	for _, at := range []time.Time{late, late.Add(-time.Hour)} {
		claimed, err := store.RecordFiring(ctx, rule.ID, "", at)
		require.NoError(t, err)
		assert.True(t, claimed)
	}

	got := reloadRule(t, db, rule.ID)
	assert.Equal(t, int64(2), got.TriggerCount)
	assert.Empty(t, got.LastFiredWindow)
	require.NotNil(t, got.LastTriggered)
	assert.True(t, got.LastTriggered.Equal(late), "last_triggered never moves backwards")
}

func TestGormRuleStore_RecordFiringMissingRule(t *testing.T) {
	store := NewGormRuleStore(newAutomationTestDB(t))
	_, err := store.RecordFiring(context.Background(), "nope", "w", time.Now())
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = store.RecordFiring(context.Background(), "nope", "", time.Now())
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestGormRuleStore_ListEnabledRules(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewGormRuleStore(db)
	seedRule(t, db, models.AutomationRule{Name: "on", Trigger: models.TriggerManual, Enabled: true})
	seedRule(t, db, models.AutomationRule{Name: "off", Trigger: models.TriggerManual, Enabled: false})
	gone := seedRule(t, db, models.AutomationRule{Name: "gone", Trigger: models.TriggerManual, Enabled: true})
	require.NoError(t, store.DeleteRule(context.Background(), "", gone.ID, false))

	rules, err := store.ListEnabledRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "on", rules[0].Name)
}

func TestGormRuleStore_OwnerScopedCRUD(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewGormRuleStore(db)
	ctx := context.Background()
	a := seedRule(t, db, models.AutomationRule{Name: "a", OwnerID: "alice", Trigger: models.TriggerManual, Enabled: true})
	seedRule(t, db, models.AutomationRule{Name: "b", OwnerID: "bob", Trigger: models.TriggerManual, Enabled: true})

	_, err := store.GetOwnedRule(ctx, "bob", a.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	rules, total, err := store.ListRules(ctx, "alice", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, rules, 1)

	assert.ErrorIs(t, store.SetEnabled(ctx, "bob", a.ID, false, time.Now()), ErrRuleNotFound)
	require.NoError(t, store.SetEnabled(ctx, "alice", a.ID, false, time.Now()))
	assert.False(t, reloadRule(t, db, a.ID).Enabled)

	require.NoError(t, store.DeleteRule(ctx, "alice", a.ID, false))
	_, err = store.GetRule(ctx, a.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	// 软删除后记录仍在
	assert.Equal(t, "a", reloadRule(t, db, a.ID).Name)

	require.NoError(t, store.DeleteRule(ctx, "alice", a.ID, true))
	var n int64
	db.Unscoped().Model(&models.AutomationRule{}).Where("id = ?", a.ID).Count(&n)
	assert.Zero(t, n)
	assert.ErrorIs(t, store.DeleteRule(ctx, "alice", a.ID, true), ErrRuleNotFound)
}

func TestGormRuleStore_Runs(t *testing.T) {
	store := NewGormRuleStore(newAutomationTestDB(t))
	ctx := context.Background()
	for i, owner := range []string{"alice", "alice", "bob"} {
		require.NoError(t, store.RecordRun(ctx, &models.AutomationRun{
			RuleID: []string{"r1", "r2", "r3"}[i], OwnerID: owner, Source: models.RunSourceSchedule, Status: RuleExecuted,
		}))
	}
	runs, err := store.ListRuns(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RuleID, "newest first")

	runs, err = store.ListRuns(ctx, "alice", "r1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
