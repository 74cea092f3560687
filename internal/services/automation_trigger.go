package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"automator/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTrigger       = errors.New("unknown trigger kind")
	ErrInvalidTriggerConfig = errors.New("invalid trigger config")
)

// cronParser accepts standard 5-field expressions plus descriptors such as @daily and @every 1h.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DueResult is the outcome of one due-ness check.
type DueResult struct {
	Due      bool
	WindowID string // identity of the due-window; empty when not due
	Reason   string // why the rule is not due, for the run report
}

// TriggerSpec is the parsed, strongly typed form of a rule's trigger and trigger_config.
type TriggerSpec interface {
	Kind() string
	// Due reports whether now falls inside a firing window, given the scheduler tick width.
	Due(now time.Time, tick time.Duration) DueResult
}

// ScheduleTrigger fires on cron recurrence boundaries.
type ScheduleTrigger struct {
	Expression string
	Location   *time.Location
	schedule   cron.Schedule
}

// TimeOfDayTrigger fires once per calendar day at a wall-clock hour (and optional minute).
type TimeOfDayTrigger struct {
	Hour     int
	Minute   *int
	Location *time.Location
}

// ExternalTrigger covers webhook and manual rules, which the scheduler never fires.
type ExternalTrigger struct {
	kind   string
	Secret string
}

// UnconfiguredTrigger is a schedule rule with no expression: valid, but never due.
type UnconfiguredTrigger struct{ kind string }

func (t *ScheduleTrigger) Kind() string     { return models.TriggerSchedule }
func (t *TimeOfDayTrigger) Kind() string    { return models.TriggerTimeBased }
func (t *ExternalTrigger) Kind() string     { return t.kind }
func (t *UnconfiguredTrigger) Kind() string { return t.kind }

// catchUp 回看跨度为两个 tick，调用抖动不超过一个 tick 时不会漏触发
func catchUp(tick time.Duration) time.Duration {
	if tick <= 0 {
		tick = time.Minute
	}
	return 2 * tick
}

func (t *ScheduleTrigger) Due(now time.Time, tick time.Duration) DueResult {
	if every, ok := t.schedule.(cron.ConstantDelaySchedule); ok {
		// @every 窗口按 epoch 对齐，每个窗口最多触发一次
		width := int64(every.Delay / time.Second)
		if width <= 0 {
			width = 1
		}
		bucket := now.Unix() / width
		return DueResult{Due: true, WindowID: fmt.Sprintf("every:%d:%d", width, bucket)}
	}
	// 取回看范围内最后一个边界
	boundary := t.schedule.Next(now.Add(-catchUp(tick)))
	if boundary.IsZero() || boundary.After(now) {
		return DueResult{Reason: "no recurrence boundary in this tick"}
	}
	for i := 0; i < 1024; i++ {
		n := t.schedule.Next(boundary)
		if n.IsZero() || n.After(now) {
			break
		}
		boundary = n
	}
	return DueResult{Due: true, WindowID: "schedule:" + boundary.UTC().Format(time.RFC3339)}
}

func (t *TimeOfDayTrigger) Due(now time.Time, tick time.Duration) DueResult {
	local := now.In(t.Location)
	if t.Minute == nil {
		if local.Hour() != t.Hour {
			return DueResult{Reason: fmt.Sprintf("waiting for %02d:00 %s", t.Hour, t.Location)}
		}
		return DueResult{Due: true, WindowID: "time_based:" + local.Format("2006-01-02")}
	}

	target := time.Date(local.Year(), local.Month(), local.Day(), t.Hour, *t.Minute, 0, 0, t.Location)
	if target.After(local) {
		// 窗口可能跨过午夜，回看前一天
		target = time.Date(local.Year(), local.Month(), local.Day()-1, t.Hour, *t.Minute, 0, 0, t.Location)
	}
	if local.Sub(target) >= catchUp(tick) {
		return DueResult{Reason: fmt.Sprintf("waiting for %02d:%02d %s", t.Hour, *t.Minute, t.Location)}
	}
	return DueResult{Due: true, WindowID: "time_based:" + target.Format("2006-01-02")}
}

func (t *ExternalTrigger) Due(time.Time, time.Duration) DueResult {
	return DueResult{Reason: t.kind + " rules fire only through their entry point"}
}

func (t *UnconfiguredTrigger) Due(time.Time, time.Duration) DueResult {
	return DueResult{Reason: "no trigger config"}
}

// ParseTrigger validates trigger_config for kind and returns its typed form.
// Unknown kinds return ErrUnknownTrigger; malformed configs wrap ErrInvalidTriggerConfig.
func ParseTrigger(kind string, cfg map[string]interface{}, defaultLoc *time.Location) (TriggerSpec, error) {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	switch kind {
	case models.TriggerSchedule:
		return parseScheduleTrigger(cfg, defaultLoc)
	case models.TriggerTimeBased:
		return parseTimeOfDayTrigger(cfg, defaultLoc)
	case models.TriggerWebhook, models.TriggerManual:
		secret, _ := cfg["secret"].(string)
		return &ExternalTrigger{kind: kind, Secret: secret}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, kind)
	}
}

func parseScheduleTrigger(cfg map[string]interface{}, defaultLoc *time.Location) (TriggerSpec, error) {
	expr := firstString(cfg, "cron", "expression")
	if expr == "" {
		return &UnconfiguredTrigger{kind: models.TriggerSchedule}, nil
	}
	loc, err := triggerLocation(cfg, defaultLoc)
	if err != nil {
		return nil, err
	}
	full := expr
	if !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		full = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := cronParser.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidTriggerConfig, expr, err)
	}
	return &ScheduleTrigger{Expression: expr, Location: loc, schedule: sched}, nil
}

func parseTimeOfDayTrigger(cfg map[string]interface{}, defaultLoc *time.Location) (TriggerSpec, error) {
	raw, ok := cfg["hour"]
	if !ok {
		return nil, fmt.Errorf("%w: time_based requires hour", ErrInvalidTriggerConfig)
	}
	hour, ok := wholeNumber(raw)
	if !ok || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("%w: hour %v out of range", ErrInvalidTriggerConfig, raw)
	}
	t := &TimeOfDayTrigger{Hour: hour}
	if rawMin, ok := cfg["minute"]; ok && rawMin != nil {
		minute, ok := wholeNumber(rawMin)
		if !ok || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("%w: minute %v out of range", ErrInvalidTriggerConfig, rawMin)
		}
		t.Minute = &minute
	}
	loc, err := triggerLocation(cfg, defaultLoc)
	if err != nil {
		return nil, err
	}
	t.Location = loc
	return t, nil
}

func triggerLocation(cfg map[string]interface{}, defaultLoc *time.Location) (*time.Location, error) {
	name := firstString(cfg, "timezone", "tz")
	if name == "" {
		return defaultLoc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidTriggerConfig, name)
	}
	return loc, nil
}

// TriggerEvaluator decides whether a rule is due on a given tick.
type TriggerEvaluator struct {
	tick       time.Duration
	defaultLoc *time.Location
	logger     *logrus.Logger
}

func NewTriggerEvaluator(tick time.Duration, defaultLoc *time.Location, logger *logrus.Logger) *TriggerEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	return &TriggerEvaluator{tick: tick, defaultLoc: defaultLoc, logger: logger}
}

// Tick returns the scheduler tick width the evaluator was built for.
func (e *TriggerEvaluator) Tick() time.Duration { return e.tick }

// Parse is ParseTrigger with the evaluator's default timezone.
func (e *TriggerEvaluator) Parse(kind string, cfg map[string]interface{}) (TriggerSpec, error) {
	return ParseTrigger(kind, cfg, e.defaultLoc)
}

// IsDue parses and evaluates in one step. Unknown trigger kinds are never due and only logged.
func (e *TriggerEvaluator) IsDue(kind string, cfg map[string]interface{}, now time.Time) (DueResult, error) {
	spec, err := e.Parse(kind, cfg)
	if errors.Is(err, ErrUnknownTrigger) {
		e.logger.Warnf("automation: %v, rule will never be due", err)
		return DueResult{Reason: err.Error()}, nil
	}
	if err != nil {
		return DueResult{}, err
	}
	return e.Due(spec, now), nil
}

// Due evaluates an already parsed trigger.
func (e *TriggerEvaluator) Due(spec TriggerSpec, now time.Time) DueResult {
	return spec.Due(now, e.tick)
}

func firstString(cfg map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := cfg[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// wholeNumber accepts JSON numbers, Go integers and numeric strings.
func wholeNumber(v interface{}) (int, bool) {
	switch n := v.(type) {
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
