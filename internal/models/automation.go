package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Trigger kinds understood by the scheduler.
const (
	TriggerSchedule  = "schedule"
	TriggerTimeBased = "time_based"
	TriggerWebhook   = "webhook"
	TriggerManual    = "manual"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExpression  = "expression"
)

// Condition 单个条件：facts[field] <operator> value
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// Action 单个动作，Type 对应已注册的处理器
type Action struct {
	Type   string                 `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// AutomationRule 自动化规则定义及其执行簿记
type AutomationRule struct {
	ID              string                         `gorm:"primaryKey;size:36" json:"id"`
	OwnerID         string                         `gorm:"size:64;not null;index" json:"owner_id"`
	Name            string                         `gorm:"size:255;not null" json:"name"`
	Description     string                         `gorm:"type:text" json:"description"`
	Trigger         string                         `gorm:"size:32;not null;index" json:"trigger"`
	TriggerConfig   datatypes.JSONMap              `json:"trigger_config"`
	Conditions      datatypes.JSONSlice[Condition] `json:"conditions"`
	Actions         datatypes.JSONSlice[Action]    `json:"actions"`
	Enabled         bool                           `gorm:"not null;index" json:"enabled"`
	TriggerCount    int64                          `gorm:"not null;default:0" json:"trigger_count"`
	LastTriggered   *time.Time                     `json:"last_triggered,omitempty"`
	LastFiredWindow string                         `gorm:"size:128;not null;default:''" json:"last_fired_window,omitempty"`
	CreatedAt       time.Time                      `json:"created_at"`
	UpdatedAt       time.Time                      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt                 `gorm:"index" json:"-"`
}

// Revision identifies one edit of the rule; compiled trigger/conditions are cached per revision.
func (r *AutomationRule) Revision() string {
	return r.ID + "@" + r.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// Run sources.
const (
	RunSourceSchedule = "schedule"
	RunSourceManual   = "manual"
	RunSourceWebhook  = "webhook"
)

// AutomationRun 执行记录用于审计
type AutomationRun struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	RuleID        string    `gorm:"size:36;index" json:"rule_id"`
	OwnerID       string    `gorm:"size:64;index" json:"owner_id"`
	Source        string    `gorm:"size:16" json:"source"`
	Status        string    `gorm:"size:16;index" json:"status"`         // executed, error
	WindowID      string    `gorm:"size:128" json:"window_id,omitempty"`
	ActionsTotal  int       `json:"actions_total"`
	ActionsFailed int       `json:"actions_failed"`
	Message       string    `gorm:"type:text" json:"message,omitempty"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// 任务状态
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusReview     = "review"
	TaskStatusDone       = "done"
)

// AutomationTask is created by the create_task action and edited by
// move_to_status, assign_user and update_field.
type AutomationTask struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	OwnerID     string     `gorm:"size:64;index" json:"owner_id"`
	RuleID      string     `gorm:"size:36;index" json:"rule_id"`
	Title       string     `gorm:"size:255;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Priority    string     `gorm:"size:16" json:"priority"`
	Status      string     `gorm:"size:16;not null;default:'todo'" json:"status"`
	Assignee    string     `gorm:"size:64" json:"assignee,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTaskStatus reports whether s is one of the task statuses.
func IsTaskStatus(s string) bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusReview, TaskStatusDone:
		return true
	}
	return false
}

// AutomationModels lists every table owned by the engine, in migration order.
func AutomationModels() []interface{} {
	return []interface{}{&AutomationRule{}, &AutomationRun{}, &AutomationTask{}}
}
