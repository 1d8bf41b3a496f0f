package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
)

func testContext() map[string]interface{} {
	return map[string]interface{}{
		"variables": map[string]interface{}{
			"score":   float64(80),
			"name":    "  Alice ",
			"tags":    []interface{}{"vip", "Lead"},
			"empty":   "   ",
			"none":    nil,
			"flag":    false,
			"zero":    float64(0),
			"nested":  map[string]interface{}{},
			"numeric": "42",
		},
		"message": map[string]interface{}{
			"content": "Hello, I need PRICING info",
		},
		"items": []interface{}{
			map[string]interface{}{"sku": "A-1"},
		},
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	e := NewEvaluator(logger.NewNop())
	ctx := testContext()

	tests := []struct {
		name     string
		field    string
		operator string
		value    interface{}
		want     bool
	}{
		{"equals trims and ignores case", "variables.name", OpEquals, "alice", true},
		{"equals number as string", "variables.score", OpEquals, "80", true},
		{"equals coerces zero", "variables.zero", OpEquals, 0, true},
		{"equals coerces false", "variables.flag", OpEquals, "FALSE", true},
		{"equals missing field is empty string", "variables.missing", OpEquals, "", true},
		{"not_equals", "variables.name", OpNotEquals, "bob", true},
		{"contains substring", "message.content", OpContains, "pricing", true},
		{"contains array element", "variables.tags", OpContains, "lead", true},
		{"contains array requires whole element", "variables.tags", OpContains, "le", false},
		{"not_contains", "message.content", OpNotContains, "refund", true},
		{"greater_than numeric", "variables.score", OpGreaterThan, 50, true},
		{"greater_than numeric false", "variables.score", OpGreaterThan, 100, false},
		{"greater_than parses numeric strings", "variables.numeric", OpGreaterThan, "9", true},
		{"less_than numeric", "variables.score", OpLessThan, "81", true},
		{"greater_than falls back to collation", "variables.name", OpGreaterThan, "  Aaron", true},
		{"is_empty whitespace", "variables.empty", OpIsEmpty, nil, true},
		{"is_empty nil", "variables.none", OpIsEmpty, nil, true},
		{"is_empty missing", "variables.unknown", OpIsEmpty, nil, true},
		{"is_empty empty object", "variables.nested", OpIsEmpty, nil, true},
		{"is_empty zero is not empty", "variables.zero", OpIsEmpty, nil, false},
		{"is_not_empty", "variables.tags", OpIsNotEmpty, nil, true},
		{"starts_with", "message.content", OpStartsWith, "hello", true},
		{"ends_with", "message.content", OpEndsWith, "INFO", true},
		{"array index path", "items.0.sku", OpEquals, "a-1", true},
		{"unknown operator never matches", "variables.score", "between", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate(tt.field, tt.operator, tt.value, ctx)
			assert.Equal(t, tt.want, got.Matched)
		})
	}
}

func TestEvaluator_UnknownOperatorReason(t *testing.T) {
	e := NewEvaluator(logger.NewNop())

	got := e.Evaluate("variables.score", "regex", ".*", testContext())
	assert.False(t, got.Matched)
	assert.Contains(t, got.Reason, "unknown operator")
	assert.Equal(t, float64(80), got.EvaluatedValue)
}

func TestEvaluator_CollationIgnoresCase(t *testing.T) {
	e := NewEvaluator(logger.NewNop())
	ctx := map[string]interface{}{"name": "apple"}

	// Byte order would put "Banana" first
	assert.True(t, e.Evaluate("name", OpLessThan, "Banana", ctx).Matched)
}

func TestEvaluateConditions(t *testing.T) {
	e := NewEvaluator(logger.NewNop())
	ctx := testContext()

	rules := []automation.ConditionRule{
		{Field: "variables.score", Operator: OpLessThan, Value: 10},
		{Field: "variables.score", Operator: OpGreaterThan, Value: 50},
		{Field: "variables.tags", Operator: OpContains, Value: "vip"},
	}

	matched, idx := e.EvaluateConditions(rules, ctx, automation.MatchAny)
	assert.True(t, matched)
	assert.Equal(t, 1, idx)

	matched, idx = e.EvaluateConditions(rules, ctx, automation.MatchAll)
	assert.False(t, matched)
	assert.Equal(t, -1, idx)

	matched, idx = e.EvaluateConditions(rules[1:], ctx, automation.MatchAll)
	assert.True(t, matched)
	assert.Equal(t, 0, idx)

	matched, _ = e.EvaluateConditions(nil, ctx, automation.MatchAll)
	assert.True(t, matched)

	matched, idx = e.EvaluateConditions(nil, ctx, automation.MatchAny)
	assert.False(t, matched)
	assert.Equal(t, -1, idx)
}

func TestToString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "", ToString(nil))
	assert.Equal(t, "1.5", ToString(1.5))
	assert.Equal(t, "80", ToString(float64(80)))
	assert.Equal(t, "true", ToString(true))
	assert.Equal(t, "2024-03-01T10:00:00Z", ToString(ts))
	assert.Equal(t, `["a","b"]`, ToString([]interface{}{"a", "b"}))
	assert.Equal(t, `{"k":1}`, ToString(map[string]interface{}{"k": 1}))
}

func TestResolve(t *testing.T) {
	ctx := testContext()

	v, ok := Resolve(ctx, "variables.score")
	assert.True(t, ok)
	assert.Equal(t, float64(80), v)

	_, ok = Resolve(ctx, "variables.score.deeper")
	assert.False(t, ok)

	_, ok = Resolve(ctx, "items.5.sku")
	assert.False(t, ok)

	_, ok = Resolve(ctx, "")
	assert.False(t, ok)
}
