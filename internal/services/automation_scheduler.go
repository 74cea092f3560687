package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"automator/internal/metrics"
	"automator/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRuleDisabled    = errors.New("rule is disabled")
	ErrTriggerMismatch = errors.New("rule does not accept this trigger source")
)

const (
	detailTickAborted      = "tick aborted: rule store unavailable"
	detailDeadlineExceeded = "tick deadline exceeded"
)

// Per-rule statuses in a RunReport.
const (
	RuleExecuted = "executed"
	RuleSkipped  = "skipped"
	RuleError    = "error"
)

// RunEntry is the outcome of one rule in one tick or fire.
type RunEntry struct {
	RuleID   string          `json:"rule_id"`
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Detail   string          `json:"detail,omitempty"`
	WindowID string          `json:"window_id,omitempty"`
	Actions  []ActionOutcome `json:"actions,omitempty"`
}

// RunReport summarises one scheduler tick. Every considered rule appears exactly once.
type RunReport struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Considered int        `json:"considered"`
	Executed   int        `json:"executed"`
	Skipped    int        `json:"skipped"`
	Errors     int        `json:"errors"`
	Entries    []RunEntry `json:"entries"`
}

func (r *RunReport) tally() {
	r.Considered = len(r.Entries)
	r.Executed, r.Skipped, r.Errors = 0, 0, 0
	for _, e := range r.Entries {
		switch e.Status {
		case RuleExecuted:
			r.Executed++
		case RuleSkipped:
			r.Skipped++
		default:
			r.Errors++
		}
	}
}

// Entry returns the entry for ruleID, if the rule was considered.
func (r *RunReport) Entry(ruleID string) (RunEntry, bool) {
	for _, e := range r.Entries {
		if e.RuleID == ruleID {
			return e, true
		}
	}
	return RunEntry{}, false
}

// RunRecorder persists audit rows. GormRuleStore implements it.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.AutomationRun) error
}

// SchedulerOptions configures a Scheduler. Zero values fall back to defaults.
type SchedulerOptions struct {
	Tick        time.Duration  // width of one due-window check, normally the invoker interval
	TickTimeout time.Duration  // per-tick budget used by Start
	Concurrency int            // rules evaluated in parallel within a tick
	Location    *time.Location // default timezone for triggers and clock facts
	Context     ContextSource  // facts provider; RuleContextSource when nil
	Runs        RunRecorder    // optional audit sink
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
}

type compiledRule struct {
	revision   string
	trigger    TriggerSpec
	triggerErr error
	conditions ConditionSet
	condErr    error
}

// Scheduler evaluates enabled rules once per tick and fires the due ones.
type Scheduler struct {
	store       RuleStore
	triggers    *TriggerEvaluator
	conditions  *ConditionEvaluator
	actions     *ActionExecutor
	context     ContextSource
	runs        RunRecorder
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	tracer      trace.Tracer
	concurrency int
	tickTimeout time.Duration
	now         func() time.Time

	cacheMu sync.Mutex
	cache   map[string]*compiledRule
}

func NewScheduler(store RuleStore, actions *ActionExecutor, opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Minute
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = opts.Tick * 4 / 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Context == nil {
		opts.Context = RuleContextSource{Location: opts.Location}
	}
	if actions == nil {
		actions = NewActionExecutor(nil, 0, opts.Logger, opts.Metrics)
	}
	return &Scheduler{
		store:       store,
		triggers:    NewTriggerEvaluator(opts.Tick, opts.Location, opts.Logger),
		conditions:  NewConditionEvaluator(opts.Logger),
		actions:     actions,
		context:     opts.Context,
		runs:        opts.Runs,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		tracer:      otel.Tracer("automator.scheduler"),
		concurrency: opts.Concurrency,
		tickTimeout: opts.TickTimeout,
		now:         time.Now,
		cache:       make(map[string]*compiledRule),
	}
}

// Triggers returns the trigger evaluator, shared with rule validation.
func (s *Scheduler) Triggers() *TriggerEvaluator { return s.triggers }

// Conditions returns the condition evaluator, shared with rule validation.
func (s *Scheduler) Conditions() *ConditionEvaluator { return s.conditions }

// Start 周期性执行 RunTick，直到 ctx 结束；每个 tick 受 tickTimeout 约束
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.triggers.Tick()
	}
	s.logger.Infof("Starting automation scheduler (interval %s)", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Automation scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	report, err := s.RunTick(tctx, s.now())
	if err != nil {
		s.logger.Errorf("automation tick failed: %v", err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"considered": report.Considered,
		"executed":   report.Executed,
		"skipped":    report.Skipped,
		"errors":     report.Errors,
	}).Info("automation tick finished")
}

// RunTick evaluates every enabled rule against now. Rules are independent: a failing
// rule yields an error entry and never stops its siblings. The tick itself fails with
// ErrStoreUnavailable when rules cannot be listed or a firing cannot be recorded; the
// partial report is still returned in the latter case.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (*RunReport, error) {
	ctx, span := s.tracer.Start(ctx, "automation.tick")
	defer span.End()
	began := time.Now()

	report := &RunReport{StartedAt: now}
	rules, err := s.store.ListEnabledRules(ctx)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveTick(time.Since(began), err)
		return nil, err
	}
	s.pruneCache(rules)
	span.SetAttributes(attribute.Int("automation.rules", len(rules)))

	entries := make([]RunEntry, len(rules))
	var storeDown atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i := range rules {
		i := i
		g.Go(func() error {
			rule := &rules[i]
			switch {
			case storeDown.Load():
				entries[i] = RunEntry{RuleID: rule.ID, Name: rule.Name, Status: RuleError, Detail: detailTickAborted}
			case ctx.Err() != nil:
				entries[i] = RunEntry{RuleID: rule.ID, Name: rule.Name, Status: RuleSkipped, Detail: detailDeadlineExceeded}
			default:
				e := s.safeEvaluate(ctx, rule, now, &storeDown)
				if e.Status != RuleSkipped {
					s.recordRun(ctx, rule, models.RunSourceSchedule, e)
				}
				entries[i] = e
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Entries = entries
	report.FinishedAt = now.Add(time.Since(began))
	report.tally()
	for _, e := range entries {
		s.metrics.IncRuleOutcome(models.RunSourceSchedule, e.Status)
	}
	span.SetAttributes(
		attribute.Int("automation.executed", report.Executed),
		attribute.Int("automation.skipped", report.Skipped),
		attribute.Int("automation.errors", report.Errors),
	)

	if storeDown.Load() {
		err := fmt.Errorf("%w: firing could not be claimed or recorded", ErrStoreUnavailable)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveTick(time.Since(began), err)
		return report, err
	}
	s.metrics.ObserveTick(time.Since(began), nil)
	return report, nil
}

// safeEvaluate isolates one rule: panics become error entries.
func (s *Scheduler) safeEvaluate(ctx context.Context, rule *models.AutomationRule, now time.Time, storeDown *atomic.Bool) (entry RunEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("rule_id", rule.ID).Errorf("automation: rule evaluation panicked: %v", r)
			entry = RunEntry{RuleID: rule.ID, Name: rule.Name, Status: RuleError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return s.evaluateRule(ctx, rule, now, storeDown)
}

func (s *Scheduler) evaluateRule(ctx context.Context, rule *models.AutomationRule, now time.Time, storeDown *atomic.Bool) RunEntry {
	ctx, span := s.tracer.Start(ctx, "automation.rule")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.rule_id", rule.ID),
		attribute.String("automation.trigger", rule.Trigger),
	)

	entry := RunEntry{RuleID: rule.ID, Name: rule.Name}
	log := s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "owner_id": rule.OwnerID, "trigger": rule.Trigger})
	compiled := s.compile(rule)

	switch {
	case errors.Is(compiled.triggerErr, ErrUnknownTrigger):
		log.Warnf("automation: %v, rule will never be due", compiled.triggerErr)
		return skipped(entry, compiled.triggerErr.Error())
	case compiled.triggerErr != nil:
		log.Errorf("automation: %v", compiled.triggerErr)
		return failed(entry, compiled.triggerErr.Error())
	}

	due := s.triggers.Due(compiled.trigger, now)
	if !due.Due {
		return skipped(entry, due.Reason)
	}
	entry.WindowID = due.WindowID
	if rule.LastFiredWindow == due.WindowID {
		return skipped(entry, "already fired in this window")
	}

	if compiled.condErr != nil {
		log.Warnf("automation: %v", compiled.condErr)
		return skipped(entry, compiled.condErr.Error())
	}
	facts, err := s.context.Facts(ctx, rule, now)
	if err != nil {
		log.Errorf("automation: context source failed: %v", err)
		return failed(entry, fmt.Sprintf("context source: %v", err))
	}
	if !s.conditions.Evaluate(compiled.conditions, facts) {
		return skipped(entry, "conditions not met")
	}

	// 先占窗口再执行动作，并发 tick 或多副本只有一方能执行
	claimed, err := s.store.ClaimWindow(ctx, rule.ID, due.WindowID)
	switch {
	case err != nil && ctx.Err() != nil:
		return skipped(entry, detailDeadlineExceeded)
	case errors.Is(err, ErrRuleNotFound):
		return skipped(entry, "rule removed during tick")
	case err != nil:
		storeDown.Store(true)
		span.RecordError(err)
		log.Errorf("automation: claim window failed: %v", err)
		return failed(entry, err.Error())
	case !claimed:
		return skipped(entry, "window already claimed")
	}

	entry.Actions = s.actions.Execute(ctx, rule.Actions, rule, facts)

	if _, err := s.store.RecordFiring(ctx, rule.ID, "", now); err != nil {
		switch {
		case ctx.Err() != nil:
			return failed(entry, detailDeadlineExceeded+" before firing was recorded")
		case errors.Is(err, ErrRuleNotFound):
			return failed(entry, "rule removed during tick")
		default:
			storeDown.Store(true)
			span.RecordError(err)
			log.Errorf("automation: record firing failed: %v", err)
			return failed(entry, err.Error())
		}
	}

	entry.Status = RuleExecuted
	entry.Detail = actionSummary(entry.Actions)
	log.WithField("window", due.WindowID).Infof("automation: rule fired (%s)", entry.Detail)
	return entry
}

// FireRule runs an enabled rule immediately on behalf of a manual or webhook request,
// bypassing trigger evaluation. ownerID scopes the lookup ("" means system). payload keys
// become top-level facts unless they collide with engine facts, and the whole payload is
// also exposed under "payload".
func (s *Scheduler) FireRule(ctx context.Context, ownerID, ruleID, source string, payload map[string]interface{}, now time.Time) (*RunEntry, error) {
	ctx, span := s.tracer.Start(ctx, "automation.fire")
	defer span.End()
	span.SetAttributes(attribute.String("automation.rule_id", ruleID), attribute.String("automation.source", source))

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && rule.OwnerID != ownerID {
		return nil, ErrRuleNotFound
	}
	if !rule.Enabled {
		return nil, ErrRuleDisabled
	}
	if source == models.RunSourceWebhook && rule.Trigger != models.TriggerWebhook {
		return nil, ErrTriggerMismatch
	}

	entry := RunEntry{RuleID: rule.ID, Name: rule.Name}
	log := s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "owner_id": rule.OwnerID, "source": source})
	compiled := s.compile(rule)
	if compiled.condErr != nil {
		res := skipped(entry, compiled.condErr.Error())
		s.metrics.IncRuleOutcome(source, res.Status)
		return &res, nil
	}

	extra := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		extra[k] = v
	}
	extra["source"] = source
	if payload != nil {
		extra["payload"] = payload
	}
	// 引擎事实最后合并，payload 不能覆盖 now、owner_id、rule
	facts, err := ChainContextSources(StaticFacts(extra), s.context).Facts(ctx, rule, now)
	if err != nil {
		return nil, fmt.Errorf("context source: %w", err)
	}
	if !s.conditions.Evaluate(compiled.conditions, facts) {
		res := skipped(entry, "conditions not met")
		s.metrics.IncRuleOutcome(source, res.Status)
		return &res, nil
	}

	entry.Actions = s.actions.Execute(ctx, rule.Actions, rule, facts)
	if _, err := s.store.RecordFiring(ctx, rule.ID, "", now); err != nil {
		res := failed(entry, err.Error())
		s.metrics.IncRuleOutcome(source, res.Status)
		s.recordRun(ctx, rule, source, res)
		return &res, err
	}
	entry.Status = RuleExecuted
	entry.Detail = actionSummary(entry.Actions)
	log.Infof("automation: rule fired (%s)", entry.Detail)
	s.metrics.IncRuleOutcome(source, entry.Status)
	s.recordRun(ctx, rule, source, entry)
	return &entry, nil
}

// compile returns the parsed trigger and conditions for the rule's current revision.
func (s *Scheduler) compile(rule *models.AutomationRule) *compiledRule {
	rev := rule.Revision()
	s.cacheMu.Lock()
	if c, ok := s.cache[rule.ID]; ok && c.revision == rev {
		s.cacheMu.Unlock()
		return c
	}
	s.cacheMu.Unlock()

	c := &compiledRule{revision: rev}
	c.trigger, c.triggerErr = s.triggers.Parse(rule.Trigger, rule.TriggerConfig)
	c.conditions, c.condErr = s.conditions.Compile(rule.Conditions)

	s.cacheMu.Lock()
	s.cache[rule.ID] = c
	s.cacheMu.Unlock()
	return c
}

func (s *Scheduler) pruneCache(rules []models.AutomationRule) {
	live := make(map[string]struct{}, len(rules))
	for i := range rules {
		live[rules[i].ID] = struct{}{}
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for id := range s.cache {
		if _, ok := live[id]; !ok {
			delete(s.cache, id)
		}
	}
}

func (s *Scheduler) recordRun(ctx context.Context, rule *models.AutomationRule, source string, entry RunEntry) {
	if s.runs == nil {
		return
	}
	run := &models.AutomationRun{
		RuleID:        rule.ID,
		OwnerID:       rule.OwnerID,
		Source:        source,
		Status:        entry.Status,
		WindowID:      entry.WindowID,
		ActionsTotal:  len(entry.Actions),
		ActionsFailed: CountFailed(entry.Actions),
		Message:       entry.Detail,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		s.logger.Warnf("automation: record run failed: %v", err)
	}
}

func skipped(e RunEntry, detail string) RunEntry {
	e.Status = RuleSkipped
	e.Detail = detail
	return e
}

func failed(e RunEntry, detail string) RunEntry {
	e.Status = RuleError
	e.Detail = detail
	return e
}

func actionSummary(outcomes []ActionOutcome) string {
	return fmt.Sprintf("%d/%d actions succeeded", len(outcomes)-CountFailed(outcomes), len(outcomes))
}
