package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"automator/internal/metrics"
	"automator/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionHandler performs one kind of action. Handlers must honour ctx cancellation;
// a handler that outlives its timeout is abandoned and reported as failed.
type ActionHandler interface {
	Execute(ctx context.Context, config map[string]interface{}, rule *models.AutomationRule) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, config map[string]interface{}, rule *models.AutomationRule) error

func (f ActionHandlerFunc) Execute(ctx context.Context, config map[string]interface{}, rule *models.AutomationRule) error {
	return f(ctx, config, rule)
}

// ActionRegistry maps action type names to handlers. Safe for concurrent use.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionHandler)}
}

// Register 注册处理器，同名类型后注册者覆盖
func (r *ActionRegistry) Register(actionType string, h ActionHandler) error {
	if actionType == "" {
		return errors.New("action type required")
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", actionType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
	return nil
}

func (r *ActionRegistry) Lookup(actionType string) (ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types, sorted.
func (r *ActionRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Action outcome statuses.
const (
	ActionSucceeded   = "succeeded"
	ActionFailed      = "failed"
	ActionUnsupported = "unsupported"
)

// ActionOutcome is the result of one attempted action.
type ActionOutcome struct {
	Index    int           `json:"index"`
	Type     string        `json:"type"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CountFailed returns how many outcomes did not succeed.
func CountFailed(outcomes []ActionOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status != ActionSucceeded {
			n++
		}
	}
	return n
}

// ActionExecutor runs a rule's actions in declaration order, isolating each one.
type ActionExecutor struct {
	registry *ActionRegistry
	timeout  time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewActionExecutor(registry *ActionRegistry, timeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewActionRegistry()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ActionExecutor{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		tracer:   otel.Tracer("automator.actions"),
	}
}

// Registry returns the registry the executor dispatches through.
func (e *ActionExecutor) Registry() *ActionRegistry { return e.registry }

// Execute attempts every action, in order, regardless of earlier failures.
// String config values are interpolated against facts before dispatch.
func (e *ActionExecutor) Execute(ctx context.Context, actions []models.Action, rule *models.AutomationRule, facts map[string]interface{}) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(actions))
	for i, act := range actions {
		outcome := e.executeOne(ctx, i, act, rule, facts)
		e.metrics.IncActionOutcome(act.Type, outcome.Status)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (e *ActionExecutor) executeOne(ctx context.Context, idx int, act models.Action, rule *models.AutomationRule, facts map[string]interface{}) ActionOutcome {
	outcome := ActionOutcome{Index: idx, Type: act.Type}
	log := e.logger.WithFields(logrus.Fields{"rule_id": ruleID(rule), "action": act.Type, "index": idx})

	handler, ok := e.registry.Lookup(act.Type)
	if !ok {
		outcome.Status = ActionUnsupported
		outcome.Error = fmt.Sprintf("unsupported action type: %s", act.Type)
		log.Warn("automation: unsupported action type")
		return outcome
	}

	ctx, span := e.tracer.Start(ctx, "automation.action")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.rule_id", ruleID(rule)),
		attribute.String("automation.action.type", act.Type),
	)

	start := time.Now()
	err := e.invoke(ctx, handler, InterpolateConfig(act.Config, facts), rule)
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.Status = ActionFailed
		outcome.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warnf("automation: action failed: %v", err)
		return outcome
	}
	outcome.Status = ActionSucceeded
	return outcome
}

// invoke runs handler under the per-action timeout and converts panics into errors.
func (e *ActionExecutor) invoke(ctx context.Context, handler ActionHandler, cfg map[string]interface{}, rule *models.AutomationRule) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("action panicked: %v", r)
			}
		}()
		done <- handler.Execute(ctx, cfg, rule)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("action timed out after %s: %w", e.timeout, err)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("action timed out after %s: %w", e.timeout, ctx.Err())
	}
}

func ruleID(rule *models.AutomationRule) string {
	if rule == nil {
		return ""
	}
	return rule.ID
}
