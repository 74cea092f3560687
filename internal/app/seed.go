package app

import (
	"context"

	"automator/internal/models"
	"automator/internal/services"
)

// SeedTemplates installs every built-in template for owner as a disabled rule, skipping
// templates whose name the owner already uses. It returns the number of rules created.
func SeedTemplates(ctx context.Context, svc *services.AutomationService, owner string) (int, error) {
	existing := make(map[string]bool)
	for page := 1; ; page++ {
		rules, total, err := svc.ListRules(ctx, owner, page, 100)
		if err != nil {
			return 0, err
		}
		for _, r := range rules {
			existing[r.Name] = true
		}
		if len(rules) == 0 || int64(page*100) >= total {
			break
		}
	}

	disabled := false
	var reqs []services.AutomationRuleRequest
	for _, tpl := range services.BuiltinTemplates() {
		if existing[tpl.Name] {
			continue
		}
		reqs = append(reqs, services.AutomationRuleRequest{
			Name:          tpl.Name,
			Description:   tpl.Description,
			Trigger:       tpl.Trigger,
			TriggerConfig: tpl.TriggerConfig,
			Conditions:    tpl.Conditions,
			Actions:       append([]models.Action(nil), tpl.Actions...),
			Enabled:       &disabled,
		})
	}
	if len(reqs) == 0 {
		return 0, nil
	}
	created, err := svc.ImportRules(ctx, owner, reqs)
	return len(created), err
}
