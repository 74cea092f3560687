package services

import (
	"encoding/json"
	"testing"

	"automator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator_GoldSilver(t *testing.T) {
	ev := NewConditionEvaluator(newQuietLogger())
	conds := []models.Condition{
		{Field: "tier", Operator: models.OpEquals, Value: "gold"},
		{Field: "spend", Operator: models.OpGreaterThan, Value: 100},
	}
	assert.True(t, ev.EvaluateConditions(conds, map[string]interface{}{"tier": "gold", "spend": 150}))
	assert.False(t, ev.EvaluateConditions(conds, map[string]interface{}{"tier": "silver", "spend": 150}))
}

func TestConditionEvaluator_EmptyIsVacuouslyTrue(t *testing.T) {
	ev := NewConditionEvaluator(newQuietLogger())
	assert.True(t, ev.EvaluateConditions(nil, nil))
	assert.True(t, ev.EvaluateConditions([]models.Condition{}, map[string]interface{}{"x": 1}))
}

func TestConditionEvaluator_Operators(t *testing.T) {
	ev := NewConditionEvaluator(newQuietLogger())
	facts := map[string]interface{}{
		"name":    "Quarterly report",
		"count":   int64(7),
		"ratio":   json.Number("0.5"),
		"active":  true,
		"label":   "10",
		"ticket":  map[string]interface{}{"priority": "high", "meta": map[string]interface{}{"age": 3.0}},
		"a.b":     "literal",
		"headers": map[string]string{"source": "crm"},
	}
	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"equals string", models.Condition{Field: "name", Operator: models.OpEquals, Value: "Quarterly report"}, true},
		{"equals int vs float", models.Condition{Field: "count", Operator: models.OpEquals, Value: 7.0}, true},
		{"equals bool", models.Condition{Field: "active", Operator: models.OpEquals, Value: true}, true},
		{"equals cross type", models.Condition{Field: "label", Operator: models.OpEquals, Value: 10}, false},
		{"not_equals same type", models.Condition{Field: "name", Operator: models.OpNotEquals, Value: "other"}, true},
		{"not_equals cross type", models.Condition{Field: "label", Operator: models.OpNotEquals, Value: 10}, true},
		{"not_equals equal", models.Condition{Field: "count", Operator: models.OpNotEquals, Value: 7}, false},
		{"contains", models.Condition{Field: "name", Operator: models.OpContains, Value: "report"}, true},
		{"contains on number", models.Condition{Field: "count", Operator: models.OpContains, Value: "7"}, false},
		{"greater_than", models.Condition{Field: "count", Operator: models.OpGreaterThan, Value: 5}, true},
		{"greater_than json.Number", models.Condition{Field: "ratio", Operator: models.OpGreaterThan, Value: 0.25}, true},
		{"greater_than string", models.Condition{Field: "label", Operator: models.OpGreaterThan, Value: 5}, false},
		{"less_than", models.Condition{Field: "count", Operator: models.OpLessThan, Value: 7}, false},
		{"missing field", models.Condition{Field: "nope", Operator: models.OpNotEquals, Value: "x"}, false},
		{"dotted path", models.Condition{Field: "ticket.priority", Operator: models.OpEquals, Value: "high"}, true},
		{"deep dotted path", models.Condition{Field: "ticket.meta.age", Operator: models.OpLessThan, Value: 5}, true},
		{"literal key wins", models.Condition{Field: "a.b", Operator: models.OpEquals, Value: "literal"}, true},
		{"string map path", models.Condition{Field: "headers.source", Operator: models.OpEquals, Value: "crm"}, true},
		{"path through scalar", models.Condition{Field: "name.first", Operator: models.OpEquals, Value: "Q"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ev.EvaluateConditions([]models.Condition{tt.cond}, facts))
		})
	}
}

func TestConditionEvaluator_Expression(t *testing.T) {
	ev := NewConditionEvaluator(newQuietLogger())
	facts := map[string]interface{}{
		"spend": 150.0,
		"tier":  "gold",
		"tags":  []interface{}{"vip", "beta"},
	}

	set, err := ev.Compile([]models.Condition{
		{Field: "spend", Operator: models.OpExpression, Value: "value > 100.0 && facts.tier == 'gold'"},
		{Field: "tags", Operator: models.OpExpression, Value: "'vip' in value"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.True(t, ev.Evaluate(set, facts))

	facts["tier"] = "silver"
	assert.False(t, ev.Evaluate(set, facts))

	// 运行时类型错误视为 false
	set, err = ev.Compile([]models.Condition{{Field: "tier", Operator: models.OpExpression, Value: "value > 3"}})
	require.NoError(t, err)
	assert.False(t, ev.Evaluate(set, facts))
}

func TestConditionEvaluator_CompileErrors(t *testing.T) {
	ev := NewConditionEvaluator(newQuietLogger())
	bad := [][]models.Condition{
		{{Field: "x", Operator: "matches", Value: "y"}},
		{{Field: "", Operator: models.OpEquals, Value: "y"}},
		{{Field: "x", Operator: models.OpExpression, Value: 42}},
		{{Field: "x", Operator: models.OpExpression, Value: "value +"}},
		{{Field: "x", Operator: models.OpExpression, Value: "'not a bool'"}},
	}
	for _, conds := range bad {
		_, err := ev.Compile(conds)
		assert.ErrorIs(t, err, ErrInvalidCondition, "%+v", conds)
		// 配置错误的条件一律不通过
		assert.False(t, ev.EvaluateConditions(conds, map[string]interface{}{"x": "y"}))
	}
}

func TestToFloat(t *testing.T) {
	for _, v := range []interface{}{1, int8(1), int16(1), int32(1), int64(1), uint(1), uint8(1), uint16(1), uint32(1), uint64(1), float32(1), 1.0, json.Number("1")} {
		f, ok := toFloat(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 1.0, f)
	}
	for _, v := range []interface{}{"1", true, nil, []int{1}} {
		_, ok := toFloat(v)
		assert.False(t, ok, "%T", v)
	}
}
