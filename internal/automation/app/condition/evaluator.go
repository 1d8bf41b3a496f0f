// Package condition evaluates field/operator/value predicates against a run
// or event context. Evaluation never fails: unresolvable paths read as nil
// and unknown operators simply do not match.
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/reachflow-go/internal/domain/automation"
	"github.com/reachflow-go/pkg/logger"
)

const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
)

var operators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpGreaterThan: true, OpLessThan: true, OpIsEmpty: true, OpIsNotEmpty: true,
	OpStartsWith: true, OpEndsWith: true,
}

// KnownOperator reports whether op is supported by the evaluator.
func KnownOperator(op string) bool {
	return operators[op]
}

type Result struct {
	Matched        bool        `json:"matched"`
	EvaluatedValue interface{} `json:"evaluatedValue"`
	Reason         string      `json:"reason,omitempty"`
}

type Evaluator struct {
	logger logger.Logger

	// collate.Collator keeps iteration buffers and is not safe for concurrent use
	mu       sync.Mutex
	collator *collate.Collator
}

func NewEvaluator(log logger.Logger) *Evaluator {
	return &Evaluator{
		logger:   log.With("component", "condition_evaluator"),
		collator: collate.New(language.Und),
	}
}

// Evaluate resolves field against ctx and applies operator with compare.
func (e *Evaluator) Evaluate(field, operator string, compare interface{}, ctx map[string]interface{}) Result {
	value, _ := Resolve(ctx, field)
	result := Result{EvaluatedValue: value}

	switch operator {
	case OpEquals:
		result.Matched = normalize(value) == normalize(compare)
	case OpNotEquals:
		result.Matched = normalize(value) != normalize(compare)
	case OpContains:
		result.Matched = contains(value, compare)
	case OpNotContains:
		result.Matched = !contains(value, compare)
	case OpGreaterThan:
		result.Matched = e.compare(value, compare) > 0
	case OpLessThan:
		result.Matched = e.compare(value, compare) < 0
	case OpIsEmpty:
		result.Matched = isEmpty(value)
	case OpIsNotEmpty:
		result.Matched = !isEmpty(value)
	case OpStartsWith:
		result.Matched = strings.HasPrefix(lower(value), lower(compare))
	case OpEndsWith:
		result.Matched = strings.HasSuffix(lower(value), lower(compare))
	default:
		e.logger.Warn("Unknown condition operator", "operator", operator, "field", field)
		result.Reason = fmt.Sprintf("unknown operator %q", operator)
		return result
	}

	if !result.Matched {
		result.Reason = fmt.Sprintf("%s %s %v not satisfied", field, operator, compare)
	}
	return result
}

// EvaluateConditions applies rules with "any" or "all" semantics and returns
// the index of the first matching rule, or -1. An empty rule list matches
// under "all" and does not match under "any".
func (e *Evaluator) EvaluateConditions(rules []automation.ConditionRule, ctx map[string]interface{}, matchType string) (bool, int) {
	if matchType == automation.MatchAll {
		first := -1
		for i, rule := range rules {
			if !e.Evaluate(rule.Field, rule.Operator, rule.Value, ctx).Matched {
				return false, -1
			}
			if first < 0 {
				first = i
			}
		}
		return true, first
	}

	for i, rule := range rules {
		if e.Evaluate(rule.Field, rule.Operator, rule.Value, ctx).Matched {
			return true, i
		}
	}
	return false, -1
}

// compare orders a against b numerically when both parse as numbers, and
// with locale collation otherwise.
func (e *Evaluator) compare(a, b interface{}) int {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch {
			case x > y:
				return 1
			case x < y:
				return -1
			default:
				return 0
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collator.CompareString(ToString(a), ToString(b))
}

// Resolve walks a dot path through nested maps and slices. Numeric segments
// index into slices.
func Resolve(ctx map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// ToString coerces a context value to the string form used by comparisons.
func ToString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func lower(v interface{}) string {
	return strings.ToLower(ToString(v))
}

func normalize(v interface{}) string {
	return strings.ToLower(strings.TrimSpace(ToString(v)))
}

func contains(value, compare interface{}) bool {
	if items, ok := asSlice(value); ok {
		want := normalize(compare)
		for _, item := range items {
			if normalize(item) == want {
				return true
			}
		}
		return false
	}
	return strings.Contains(lower(value), lower(compare))
}

func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func asSlice(v interface{}) ([]interface{}, bool) {
	switch val := v.(type) {
	case []interface{}:
		return val, true
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
