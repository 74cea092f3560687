package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"automator/internal/models"

	"github.com/google/cel-go/cel"
	"github.com/sirupsen/logrus"
)

var ErrInvalidCondition = errors.New("invalid condition")

// celCostLimit bounds expression evaluation so one rule cannot stall a tick.
const celCostLimit = 100000

// compiledCondition is one condition resolved to its typed comparison.
type compiledCondition struct {
	field   string
	op      string
	operand interface{}
	program cel.Program // only for the expression operator
}

// ConditionSet is a compiled, ordered conjunction of conditions.
type ConditionSet struct {
	items []compiledCondition
}

// Len returns the number of conditions in the set.
func (s ConditionSet) Len() int { return len(s.items) }

// ConditionEvaluator compiles and evaluates rule conditions against a fact map.
type ConditionEvaluator struct {
	logger *logrus.Logger

	envOnce sync.Once
	env     *cel.Env
	envErr  error
}

func NewConditionEvaluator(logger *logrus.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConditionEvaluator{logger: logger}
}

func (e *ConditionEvaluator) celEnv() (*cel.Env, error) {
	e.envOnce.Do(func() {
		e.env, e.envErr = cel.NewEnv(
			cel.Variable("value", cel.DynType),
			cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return e.env, e.envErr
}

// Compile validates conditions once so evaluation works on typed operands.
func (e *ConditionEvaluator) Compile(conds []models.Condition) (ConditionSet, error) {
	set := ConditionSet{items: make([]compiledCondition, 0, len(conds))}
	for i, c := range conds {
		if strings.TrimSpace(c.Field) == "" {
			return ConditionSet{}, fmt.Errorf("%w: condition %d has no field", ErrInvalidCondition, i)
		}
		cc := compiledCondition{field: c.Field, op: c.Operator, operand: normalizeOperand(c.Value)}
		switch c.Operator {
		case models.OpEquals, models.OpNotEquals, models.OpContains, models.OpGreaterThan, models.OpLessThan:
		case models.OpExpression:
			prg, err := e.compileExpression(c.Value)
			if err != nil {
				return ConditionSet{}, fmt.Errorf("%w: condition %d: %v", ErrInvalidCondition, i, err)
			}
			cc.program = prg
		default:
			return ConditionSet{}, fmt.Errorf("%w: condition %d: unsupported operator %q", ErrInvalidCondition, i, c.Operator)
		}
		set.items = append(set.items, cc)
	}
	return set, nil
}

func (e *ConditionEvaluator) compileExpression(v interface{}) (cel.Program, error) {
	expr, ok := v.(string)
	if !ok || strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression value must be a non-empty string")
	}
	env, err := e.celEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
		return nil, fmt.Errorf("expression %q returns %s, want bool", expr, out)
	}
	return env.Program(ast, cel.CostLimit(celCostLimit))
}

// Evaluate reports whether every condition in set holds. Empty sets are vacuously true;
// the first failing condition short-circuits.
func (e *ConditionEvaluator) Evaluate(set ConditionSet, facts map[string]interface{}) bool {
	for _, c := range set.items {
		if !e.evaluateOne(c, facts) {
			return false
		}
	}
	return true
}

// EvaluateConditions compiles and evaluates in one step. Malformed conditions fail closed.
func (e *ConditionEvaluator) EvaluateConditions(conds []models.Condition, facts map[string]interface{}) bool {
	set, err := e.Compile(conds)
	if err != nil {
		e.logger.Warnf("automation: %v", err)
		return false
	}
	return e.Evaluate(set, facts)
}

func (e *ConditionEvaluator) evaluateOne(c compiledCondition, facts map[string]interface{}) bool {
	actual, ok := lookupFact(facts, c.field)
	if !ok {
		return false
	}
	switch c.op {
	case models.OpEquals:
		eq, comparable := valuesEqual(actual, c.operand)
		return comparable && eq
	case models.OpNotEquals:
		eq, comparable := valuesEqual(actual, c.operand)
		return !comparable || !eq
	case models.OpContains:
		s, ok1 := actual.(string)
		sub, ok2 := c.operand.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	case models.OpGreaterThan, models.OpLessThan:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(c.operand)
		if !ok1 || !ok2 {
			return false
		}
		if c.op == models.OpGreaterThan {
			return a > b
		}
		return a < b
	case models.OpExpression:
		out, _, err := c.program.Eval(map[string]interface{}{"value": actual, "facts": facts})
		if err != nil {
			e.logger.Debugf("automation: expression on %s failed: %v", c.field, err)
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}
	return false
}

// lookupFact resolves field against facts: the literal key first, then a dotted path
// through nested maps.
func lookupFact(facts map[string]interface{}, field string) (interface{}, bool) {
	if v, ok := facts[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}
	var cur interface{} = facts
	for _, part := range strings.Split(field, ".") {
		m, ok := asStringMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// valuesEqual compares within one type family. comparable is false for cross-type pairs.
func valuesEqual(a, b interface{}) (equal bool, comparable bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf, ok
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv, ok
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv, ok
	}
	return false, false
}

func normalizeOperand(v interface{}) interface{} {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

// toFloat converts Go numeric kinds and json.Number; strings and bools are not numbers.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
