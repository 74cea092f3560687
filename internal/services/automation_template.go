package services

import (
	"fmt"
	"regexp"
	"strconv"

	"automator/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w-]+(?:\.[\w-]+)*)\s*\}\}`)

// InterpolateConfig returns a copy of config in which every {{dotted.path}} placeholder
// inside string values (at any depth) is replaced by the matching fact. Unknown paths
// render as the empty string. The input map is never modified.
func InterpolateConfig(config map[string]interface{}, facts map[string]interface{}) map[string]interface{} {
	if config == nil {
		return nil
	}
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = interpolateValue(v, facts)
	}
	return out
}

func interpolateValue(v interface{}, facts map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return InterpolateString(val, facts)
	case map[string]interface{}:
		return InterpolateConfig(val, facts)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = interpolateValue(item, facts)
		}
		return items
	default:
		return v
	}
}

// InterpolateString 替换单个字符串中的 {{path}} 占位符
func InterpolateString(s string, facts map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := lookupFact(facts, path)
		if !ok {
			return ""
		}
		return renderFact(v)
	})
}

func renderFact(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(val)
	}
}

// AutomationTemplate is a pre-built rule definition offered to authors as a starting point.
type AutomationTemplate struct {
	Key           string                 `json:"key"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	Trigger       string                 `json:"trigger"`
	TriggerConfig map[string]interface{} `json:"trigger_config,omitempty"`
	Conditions    []models.Condition     `json:"conditions,omitempty"`
	Actions       []models.Action        `json:"actions"`
}

// BuiltinTemplates 返回内置规则模板
func BuiltinTemplates() []AutomationTemplate {
	return []AutomationTemplate{
		{
			Key:         "assignment_notice",
			Name:        "Notify on Task Assignment",
			Description: "Send a live notification when an external system reports a new assignment",
			Trigger:     models.TriggerWebhook,
			Actions: []models.Action{{
				Type: "send_notification",
				Config: map[string]interface{}{
					"title":   "New Task Assigned",
					"message": "You have been assigned a new task: {{task.title}}",
				},
			}},
		},
		{
			Key:           "daily_digest",
			Name:          "Daily Digest",
			Description:   "Log a digest entry every weekday morning at 09:00",
			Trigger:       models.TriggerTimeBased,
			TriggerConfig: map[string]interface{}{"hour": 9},
			Conditions: []models.Condition{
				{Field: "now.weekday", Operator: models.OpExpression, Value: "value != 'Saturday' && value != 'Sunday'"},
			},
			Actions: []models.Action{{
				Type:   "notify_log",
				Config: map[string]interface{}{"message": "daily digest for {{owner_id}} ({{now.date}})"},
			}},
		},
		{
			Key:           "follow_up_task",
			Name:          "Create Follow-up Task",
			Description:   "Create a review task every Monday, due a week later",
			Trigger:       models.TriggerSchedule,
			TriggerConfig: map[string]interface{}{"cron": "0 8 * * 1"},
			Actions: []models.Action{{
				Type: "create_task",
				Config: map[string]interface{}{
					"title":           "Weekly review ({{now.date}})",
					"priority":        "high",
					"due_offset_days": 7,
				},
			}},
		},
		{
			Key:         "slack_status",
			Name:        "Slack Notification",
			Description: "Post a Slack message when a project status change is reported",
			Trigger:     models.TriggerWebhook,
			Conditions: []models.Condition{
				{Field: "project.status", Operator: models.OpNotEquals, Value: ""},
			},
			Actions: []models.Action{{
				Type: "send_slack",
				Config: map[string]interface{}{
					"text": "Project {{project.name}} moved to {{project.status}}",
				},
			}},
		},
	}
}

// FindTemplate looks a template up by key.
func FindTemplate(key string) (AutomationTemplate, bool) {
	for _, t := range BuiltinTemplates() {
		if t.Key == key {
			return t, true
		}
	}
	return AutomationTemplate{}, false
}
