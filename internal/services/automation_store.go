package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"automator/internal/models"

	"gorm.io/gorm"
)

var (
	ErrStoreUnavailable = errors.New("rule store unavailable")
	ErrRuleNotFound     = errors.New("rule not found")
)

// RuleStore is the persistence contract the scheduler depends on.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]models.AutomationRule, error)
	GetRule(ctx context.Context, id string) (*models.AutomationRule, error)
	// ClaimWindow marks windowID as taken for the rule before any action runs.
	// claimed is false when another tick or replica already holds the window.
	ClaimWindow(ctx context.Context, ruleID, windowID string) (claimed bool, err error)
	// RecordFiring atomically increments trigger_count and advances last_triggered.
	// A non-empty windowID makes the update conditional: it only applies when the rule has
	// not already recorded that window, and claimed reports whether this call won.
	RecordFiring(ctx context.Context, ruleID, windowID string, firedAt time.Time) (claimed bool, err error)
}

// GormRuleStore implements RuleStore and the authoring queries on top of gorm.
type GormRuleStore struct {
	db *gorm.DB
}

func NewGormRuleStore(db *gorm.DB) *GormRuleStore {
	return &GormRuleStore{db: db}
}

// DB exposes the underlying handle for collaborators sharing the connection.
func (s *GormRuleStore) DB() *gorm.DB { return s.db }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func ownerScope(ownerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if ownerID == "" {
			return db
		}
		return db.Where("owner_id = ?", ownerID)
	}
}

func (s *GormRuleStore) ListEnabledRules(ctx context.Context) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("created_at ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, unavailable("list enabled rules", err)
	}
	return rules, nil
}

func (s *GormRuleStore) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	return s.GetOwnedRule(ctx, "", id)
}

// GetOwnedRule 按 owner 范围读取规则，ownerID 为空表示不限
func (s *GormRuleStore) GetOwnedRule(ctx context.Context, ownerID, id string) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).Scopes(ownerScope(ownerID)).Where("id = ?", id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, unavailable("get rule", err)
	}
	return &rule, nil
}

// ClaimWindow 条件更新 last_fired_window，同一窗口只有一个调用方能成功
func (s *GormRuleStore) ClaimWindow(ctx context.Context, ruleID, windowID string) (bool, error) {
	if windowID == "" {
		return false, errors.New("claim window: empty window id")
	}
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND last_fired_window <> ?", ruleID, windowID).
		UpdateColumn("last_fired_window", windowID)
	if res.Error != nil {
		return false, unavailable("claim window", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, s.ruleExists(ctx, ruleID, "claim window")
}

func (s *GormRuleStore) ruleExists(ctx context.Context, ruleID, op string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", ruleID).Count(&n).Error; err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *GormRuleStore) RecordFiring(ctx context.Context, ruleID, windowID string, firedAt time.Time) (bool, error) {
	firedAt = firedAt.UTC()
	updates := map[string]interface{}{
		"trigger_count": gorm.Expr("trigger_count + 1"),
		// last_triggered 只前进不后退
		"last_triggered": gorm.Expr(
			"CASE WHEN last_triggered IS NULL OR last_triggered < ? THEN ? ELSE last_triggered END", firedAt, firedAt),
	}
	q := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", ruleID)
	if windowID != "" {
		q = q.Where("last_fired_window <> ?", windowID)
		updates["last_fired_window"] = windowID
	}

	// UpdateColumns leaves updated_at alone so bookkeeping does not change the rule revision.
	res := q.UpdateColumns(updates)
	if res.Error != nil {
		return false, unavailable("record firing", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, s.ruleExists(ctx, ruleID, "record firing")
}

func (s *GormRuleStore) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return unavailable("create rule", err)
	}
	return nil
}

// SaveDefinition persists the author-editable fields of rule, leaving bookkeeping untouched.
func (s *GormRuleStore) SaveDefinition(ctx context.Context, rule *models.AutomationRule) error {
	res := s.db.WithContext(ctx).Model(rule).
		Select("name", "description", "trigger", "trigger_config", "conditions", "actions", "enabled", "updated_at").
		Updates(rule)
	if res.Error != nil {
		return unavailable("update rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *GormRuleStore) SetEnabled(ctx context.Context, ownerID, id string, enabled bool, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Scopes(ownerScope(ownerID)).
		Where("id = ?", id).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": now.UTC()})
	if res.Error != nil {
		return unavailable("set enabled", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule 软删除；hard 为 true 时物理删除
func (s *GormRuleStore) DeleteRule(ctx context.Context, ownerID, id string, hard bool) error {
	q := s.db.WithContext(ctx)
	if hard {
		q = q.Unscoped()
	}
	res := q.Scopes(ownerScope(ownerID)).Where("id = ?", id).Delete(&models.AutomationRule{})
	if res.Error != nil {
		return unavailable("delete rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ListRules returns one page of ownerID's rules, newest first, and the total count.
func (s *GormRuleStore) ListRules(ctx context.Context, ownerID string, page, pageSize int) ([]models.AutomationRule, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Scopes(ownerScope(ownerID)).Count(&total).Error; err != nil {
		return nil, 0, unavailable("count rules", err)
	}
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).Scopes(ownerScope(ownerID)).Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rules).Error; err != nil {
		return nil, 0, unavailable("list rules", err)
	}
	return rules, total, nil
}

func (s *GormRuleStore) RecordRun(ctx context.Context, run *models.AutomationRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return unavailable("record run", err)
	}
	return nil
}

// ListRuns returns the latest audit rows for ownerID, optionally narrowed to one rule.
func (s *GormRuleStore) ListRuns(ctx context.Context, ownerID, ruleID string, limit int) ([]models.AutomationRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Scopes(ownerScope(ownerID))
	if ruleID != "" {
		q = q.Where("rule_id = ?", ruleID)
	}
	var runs []models.AutomationRun
	if err := q.Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, unavailable("list runs", err)
	}
	return runs, nil
}
