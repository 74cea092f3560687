package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"automator/internal/config"
	"automator/internal/models"
	"automator/pkg/notify"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventPublisher is the slice of a message-bus connection the publish_event action needs.
// *nats.Conn satisfies it.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// HandlerDeps carries the collaborators of the built-in action handlers.
// A handler whose dependency is nil is not registered.
type HandlerDeps struct {
	DB            *gorm.DB
	Hub           *NotificationHub
	Notifier      *notify.Client
	Notify        config.NotifyConfig
	Events        EventPublisher
	SubjectPrefix string
	Logger        *logrus.Logger
	Now           func() time.Time
}

// RegisterBuiltinHandlers 注册内置动作处理器
func RegisterBuiltinHandlers(reg *ActionRegistry, deps HandlerDeps) error {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	handlers := map[string]ActionHandler{
		"notify_log": notifyLogHandler(deps.Logger),
	}
	if deps.Hub != nil {
		handlers["send_notification"] = sendNotificationHandler(deps.Hub)
	}
	if deps.DB != nil {
		handlers["create_task"] = createTaskHandler(deps.DB, deps.Now)
		handlers["move_to_status"] = moveToStatusHandler(deps.DB)
		handlers["assign_user"] = assignUserHandler(deps.DB)
		handlers["update_field"] = updateFieldHandler(deps.DB)
	}
	if deps.Notifier != nil {
		handlers["send_slack"] = sendSlackHandler(deps.Notifier, deps.Notify.SlackWebhookURL)
		handlers["send_email"] = sendEmailHandler(deps.Notifier, deps.Notify.EmailRelayURL, deps.Notify.EmailAPIKey)
		handlers["send_webhook"] = sendWebhookHandler(deps.Notifier)
	}
	if deps.Events != nil {
		handlers["publish_event"] = publishEventHandler(deps.Events, deps.SubjectPrefix, deps.Now)
	}

	for name, h := range handlers {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func notifyLogHandler(logger *logrus.Logger) ActionHandler {
	return ActionHandlerFunc(func(_ context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		msg := configString(cfg, "message")
		if msg == "" {
			msg = "automation rule fired"
		}
		entry := logger.WithFields(logrus.Fields{"rule_id": ruleID(rule), "action": "notify_log"})
		if rule != nil {
			entry = entry.WithField("owner_id", rule.OwnerID)
		}
		entry.Infof("automation notify: %s", msg)
		return nil
	})
}

func sendNotificationHandler(hub *NotificationHub) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		if rule == nil || rule.OwnerID == "" {
			return errors.New("send_notification needs an owned rule")
		}
		title := configString(cfg, "title")
		msg := configString(cfg, "message")
		if title == "" && msg == "" {
			return errors.New("title or message required")
		}
		data, _ := cfg["data"].(map[string]interface{})
		return hub.Publish(ctx, Notification{
			Type:    "automation",
			OwnerID: rule.OwnerID,
			RuleID:  rule.ID,
			Title:   title,
			Message: msg,
			Data:    data,
		})
	})
}

func createTaskHandler(db *gorm.DB, now func() time.Time) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		title := configString(cfg, "title")
		if title == "" {
			return errors.New("title required")
		}
		task := &models.AutomationTask{
			Title:       title,
			Description: configString(cfg, "description"),
			Priority:    strings.ToLower(configString(cfg, "priority")),
			Status:      models.TaskStatusTodo,
			CreatedAt:   now().UTC(),
		}
		if task.Priority == "" {
			task.Priority = "normal"
		}
		if rule != nil {
			task.OwnerID = rule.OwnerID
			task.RuleID = rule.ID
		}
		if raw, ok := cfg["due_offset_days"]; ok {
			days, ok := wholeNumber(raw)
			if !ok {
				return fmt.Errorf("due_offset_days must be a whole number, got %v", raw)
			}
			due := task.CreatedAt.AddDate(0, 0, days)
			task.DueAt = &due
		}
		return db.WithContext(ctx).Create(task).Error
	})
}

// updatableTaskFields 是 update_field 允许写入的列
var updatableTaskFields = map[string]string{
	"title":       "title",
	"description": "description",
	"priority":    "priority",
	"status":      "status",
	"assignee":    "assignee",
}

func moveToStatusHandler(db *gorm.DB) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		status := strings.ToLower(configString(cfg, "target_status"))
		if status == "" {
			status = strings.ToLower(configString(cfg, "status"))
		}
		if !models.IsTaskStatus(status) {
			return fmt.Errorf("unknown task status %q", status)
		}
		return updateTask(ctx, db, cfg, rule, map[string]interface{}{"status": status})
	})
}

func assignUserHandler(db *gorm.DB) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		user := configString(cfg, "user_id")
		if user == "" {
			user = configString(cfg, "assignee")
		}
		if user == "" {
			return errors.New("user_id required")
		}
		return updateTask(ctx, db, cfg, rule, map[string]interface{}{"assignee": user})
	})
}

func updateFieldHandler(db *gorm.DB) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		field := strings.ToLower(configString(cfg, "field"))
		column, ok := updatableTaskFields[field]
		if !ok {
			return fmt.Errorf("field %q cannot be updated", field)
		}
		raw, ok := cfg["value"]
		if !ok {
			return errors.New("value required")
		}
		value := strings.TrimSpace(fmt.Sprint(raw))
		switch column {
		case "status":
			value = strings.ToLower(value)
			if !models.IsTaskStatus(value) {
				return fmt.Errorf("unknown task status %q", value)
			}
		case "priority":
			value = strings.ToLower(value)
		case "title":
			if value == "" {
				return errors.New("title cannot be empty")
			}
		}
		return updateTask(ctx, db, cfg, rule, map[string]interface{}{column: value})
	})
}

// updateTask 更新 cfg["task_id"] 指向的任务，只能修改规则所有者的任务
func updateTask(ctx context.Context, db *gorm.DB, cfg map[string]interface{}, rule *models.AutomationRule, updates map[string]interface{}) error {
	raw, ok := cfg["task_id"]
	if !ok {
		return errors.New("task_id required")
	}
	id, ok := wholeNumber(raw)
	if !ok || id <= 0 {
		return fmt.Errorf("task_id must be a positive whole number, got %v", raw)
	}
	q := db.WithContext(ctx).Model(&models.AutomationTask{}).Where("id = ?", id)
	if rule != nil && rule.OwnerID != "" {
		q = q.Where("owner_id = ?", rule.OwnerID)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %d not found", id)
	}
	return nil
}

func sendSlackHandler(client *notify.Client, defaultURL string) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, _ *models.AutomationRule) error {
		url := configString(cfg, "webhook_url")
		if url == "" {
			url = defaultURL
		}
		if url == "" {
			return errors.New("no slack webhook configured")
		}
		text := configString(cfg, "text")
		if text == "" {
			text = configString(cfg, "message")
		}
		return client.SendSlack(ctx, url, text)
	})
}

func sendEmailHandler(client *notify.Client, relayURL, apiKey string) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, _ *models.AutomationRule) error {
		if relayURL == "" {
			return errors.New("no email relay configured")
		}
		return client.SendEmail(ctx, relayURL, apiKey, notify.Email{
			To:      configString(cfg, "to"),
			Subject: configString(cfg, "subject"),
			Body:    configString(cfg, "body"),
		})
	})
}

func sendWebhookHandler(client *notify.Client) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, cfg map[string]interface{}, _ *models.AutomationRule) error {
		url := configString(cfg, "url")
		if url == "" {
			return errors.New("url required")
		}
		headers := map[string]string{}
		if raw, ok := cfg["headers"].(map[string]interface{}); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		payload, ok := cfg["payload"]
		if !ok {
			payload = map[string]interface{}{}
		}
		return client.PostJSON(ctx, url, headers, payload)
	})
}

func publishEventHandler(pub EventPublisher, prefix string, now func() time.Time) ActionHandler {
	return ActionHandlerFunc(func(_ context.Context, cfg map[string]interface{}, rule *models.AutomationRule) error {
		subject := configString(cfg, "subject")
		if subject == "" {
			return errors.New("subject required")
		}
		event := map[string]interface{}{
			"rule_id":  ruleID(rule),
			"fired_at": now().UTC().Format(time.RFC3339),
			"payload":  cfg["payload"],
		}
		if rule != nil {
			event["owner_id"] = rule.OwnerID
		}
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		return pub.Publish(prefix+subject, data)
	})
}

func configString(cfg map[string]interface{}, key string) string {
	if v, ok := cfg[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
