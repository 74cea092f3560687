package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"automator/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

var (
	ErrValidation          = errors.New("invalid rule")
	ErrWebhookUnauthorized = errors.New("webhook secret mismatch")
)

// AutomationRuleRequest 创建或更新规则的请求
type AutomationRuleRequest struct {
	Name          string                 `json:"name" yaml:"name" binding:"required"`
	Description   string                 `json:"description" yaml:"description"`
	Trigger       string                 `json:"trigger" yaml:"trigger" binding:"required"`
	TriggerConfig map[string]interface{} `json:"trigger_config" yaml:"trigger_config"`
	Conditions    []models.Condition     `json:"conditions" yaml:"conditions"`
	Actions       []models.Action        `json:"actions" yaml:"actions"`
	Enabled       *bool                  `json:"enabled" yaml:"enabled"`
}

// AutomationService is the authoring and entry-point facade over the store and scheduler.
type AutomationService struct {
	store     *GormRuleStore
	scheduler *Scheduler
	registry  *ActionRegistry
	logger    *logrus.Logger
	now       func() time.Time
}

func NewAutomationService(store *GormRuleStore, scheduler *Scheduler, registry *ActionRegistry, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{store: store, scheduler: scheduler, registry: registry, logger: logger, now: time.Now}
}

// Validate checks a rule definition the same way the scheduler will interpret it.
func (s *AutomationService) Validate(req *AutomationRuleRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request required", ErrValidation)
	}
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("%w: name required", ErrValidation)
	}
	if _, err := s.scheduler.Triggers().Parse(req.Trigger, req.TriggerConfig); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := s.scheduler.Conditions().Compile(req.Conditions); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for i, act := range req.Actions {
		if strings.TrimSpace(act.Type) == "" {
			return fmt.Errorf("%w: action %d has no type", ErrValidation, i)
		}
		if s.registry != nil {
			if _, ok := s.registry.Lookup(act.Type); !ok {
				return fmt.Errorf("%w: action %d: unsupported type %q", ErrValidation, i, act.Type)
			}
		}
	}
	return nil
}

func (s *AutomationService) CreateRule(ctx context.Context, ownerID string, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner required", ErrValidation)
	}
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := s.now().UTC()
	rule := &models.AutomationRule{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Name:          strings.TrimSpace(req.Name),
		Description:   req.Description,
		Trigger:       req.Trigger,
		TriggerConfig: datatypes.JSONMap(req.TriggerConfig),
		Conditions:    datatypes.NewJSONSlice(req.Conditions),
		Actions:       datatypes.NewJSONSlice(req.Actions),
		Enabled:       enabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "owner_id": ownerID}).Info("automation rule created")
	return rule, nil
}

// UpdateRule replaces the definition of an owned rule. Bookkeeping fields are preserved.
func (s *AutomationService) UpdateRule(ctx context.Context, ownerID, id string, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	rule, err := s.store.GetOwnedRule(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	rule.Name = strings.TrimSpace(req.Name)
	rule.Description = req.Description
	rule.Trigger = req.Trigger
	rule.TriggerConfig = datatypes.JSONMap(req.TriggerConfig)
	rule.Conditions = datatypes.NewJSONSlice(req.Conditions)
	rule.Actions = datatypes.NewJSONSlice(req.Actions)
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = s.now().UTC()
	if err := s.store.SaveDefinition(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *AutomationService) SetEnabled(ctx context.Context, ownerID, id string, enabled bool) error {
	return s.store.SetEnabled(ctx, ownerID, id, enabled, s.now())
}

func (s *AutomationService) DeleteRule(ctx context.Context, ownerID, id string, hard bool) error {
	if err := s.store.DeleteRule(ctx, ownerID, id, hard); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"rule_id": id, "owner_id": ownerID, "hard": hard}).Info("automation rule deleted")
	return nil
}

func (s *AutomationService) GetRule(ctx context.Context, ownerID, id string) (*models.AutomationRule, error) {
	return s.store.GetOwnedRule(ctx, ownerID, id)
}

func (s *AutomationService) ListRules(ctx context.Context, ownerID string, page, pageSize int) ([]models.AutomationRule, int64, error) {
	return s.store.ListRules(ctx, ownerID, page, pageSize)
}

func (s *AutomationService) ListRuns(ctx context.Context, ownerID, ruleID string, limit int) ([]models.AutomationRun, error) {
	return s.store.ListRuns(ctx, ownerID, ruleID, limit)
}

// Templates 返回内置模板
func (s *AutomationService) Templates() []AutomationTemplate {
	return BuiltinTemplates()
}

// ImportRules validates every request first and creates them only if all are valid.
func (s *AutomationService) ImportRules(ctx context.Context, ownerID string, reqs []AutomationRuleRequest) ([]*models.AutomationRule, error) {
	for i := range reqs {
		if err := s.Validate(&reqs[i]); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, reqs[i].Name, err)
		}
	}
	created := make([]*models.AutomationRule, 0, len(reqs))
	for i := range reqs {
		rule, err := s.CreateRule(ctx, ownerID, &reqs[i])
		if err != nil {
			return created, fmt.Errorf("rule %d (%s): %w", i, reqs[i].Name, err)
		}
		created = append(created, rule)
	}
	return created, nil
}

// Tick runs one scheduler tick at now.
func (s *AutomationService) Tick(ctx context.Context, now time.Time) (*RunReport, error) {
	return s.scheduler.RunTick(ctx, now)
}

// Fire runs an owned rule manually.
func (s *AutomationService) Fire(ctx context.Context, ownerID, id string, payload map[string]interface{}) (*RunEntry, error) {
	return s.scheduler.FireRule(ctx, ownerID, id, models.RunSourceManual, payload, s.now())
}

// FireWebhook fires a webhook rule after checking the shared secret in its trigger_config.
// Rules without a configured secret cannot be fired through the public endpoint.
func (s *AutomationService) FireWebhook(ctx context.Context, id, secret string, payload map[string]interface{}) (*RunEntry, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Trigger != models.TriggerWebhook {
		return nil, ErrTriggerMismatch
	}
	expected, _ := rule.TriggerConfig["secret"].(string)
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		return nil, ErrWebhookUnauthorized
	}
	return s.scheduler.FireRule(ctx, "", id, models.RunSourceWebhook, payload, s.now())
}
