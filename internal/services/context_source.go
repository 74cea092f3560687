package services

import (
	"context"
	"time"

	"automator/internal/models"
)

// ContextSource supplies the facts a rule's conditions are evaluated against.
type ContextSource interface {
	Facts(ctx context.Context, rule *models.AutomationRule, now time.Time) (map[string]interface{}, error)
}

// ContextSourceFunc adapts a plain function to ContextSource.
type ContextSourceFunc func(ctx context.Context, rule *models.AutomationRule, now time.Time) (map[string]interface{}, error)

func (f ContextSourceFunc) Facts(ctx context.Context, rule *models.AutomationRule, now time.Time) (map[string]interface{}, error) {
	return f(ctx, rule, now)
}

// RuleContextSource exposes facts derived from the rule itself and the clock.
//
//	rule.id, rule.name, rule.trigger, rule.trigger_count, owner_id,
//	now.hour, now.minute, now.weekday, now.date, now.unix
//
// Clock facts use Location (UTC when nil).
type RuleContextSource struct {
	Location *time.Location
}

func (s RuleContextSource) Facts(_ context.Context, rule *models.AutomationRule, now time.Time) (map[string]interface{}, error) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	facts := map[string]interface{}{
		"now": map[string]interface{}{
			"hour":    local.Hour(),
			"minute":  local.Minute(),
			"weekday": local.Weekday().String(),
			"date":    local.Format("2006-01-02"),
			"unix":    now.Unix(),
		},
	}
	if rule != nil {
		facts["owner_id"] = rule.OwnerID
		facts["rule"] = map[string]interface{}{
			"id":            rule.ID,
			"name":          rule.Name,
			"trigger":       rule.Trigger,
			"trigger_count": rule.TriggerCount,
		}
	}
	return facts, nil
}

// ChainContextSources merges facts from several sources; later sources win on key clashes.
func ChainContextSources(sources ...ContextSource) ContextSource {
	return ContextSourceFunc(func(ctx context.Context, rule *models.AutomationRule, now time.Time) (map[string]interface{}, error) {
		merged := make(map[string]interface{})
		for _, src := range sources {
			if src == nil {
				continue
			}
			facts, err := src.Facts(ctx, rule, now)
			if err != nil {
				return nil, err
			}
			for k, v := range facts {
				merged[k] = v
			}
		}
		return merged, nil
	})
}

// StaticFacts is a ContextSource that always returns the same map, used for request payloads.
type StaticFacts map[string]interface{}

func (s StaticFacts) Facts(context.Context, *models.AutomationRule, time.Time) (map[string]interface{}, error) {
	return s, nil
}
