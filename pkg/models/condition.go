package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Operator is a comparison applied by a trigger condition.
type Operator string

const (
	OperatorEquals     Operator = "equals"
	OperatorNotEquals  Operator = "not_equals"
	OperatorContains   Operator = "contains"
	OperatorGreater    Operator = "greater_than"
	OperatorLess       Operator = "less_than"
	OperatorIsEmpty    Operator = "is_empty"
	OperatorIsNotEmpty Operator = "is_not_empty"
)

// ErrUnknownOperator is returned by Evaluate for operators outside the supported set.
var ErrUnknownOperator = errors.New("unknown operator")

// Condition is a single predicate on a record field.
type Condition struct {
	Field    string   `json:"field"    validate:"required"`
	Operator Operator `json:"operator" validate:"required"`
	Value    any      `json:"value,omitempty"`
}

// Evaluate applies the condition to a record snapshot. A false result with a
// nil error means the predicate did not hold; an error means the condition
// itself is malformed and must be treated as not satisfied.
func (c Condition) Evaluate(record map[string]any) (bool, error) {
	actual, found := LookupField(record, c.Field)

	switch c.Operator {
	case OperatorEquals:
		return found && valuesEqual(actual, c.Value), nil
	case OperatorNotEquals:
		return !found || !valuesEqual(actual, c.Value), nil
	case OperatorContains:
		return found && containsValue(actual, c.Value), nil
	case OperatorGreater:
		a, b, ok := bothNumeric(actual, c.Value)
		return found && ok && a > b, nil
	case OperatorLess:
		a, b, ok := bothNumeric(actual, c.Value)
		return found && ok && a < b, nil
	case OperatorIsEmpty:
		return isEmpty(actual), nil
	case OperatorIsNotEmpty:
		return !isEmpty(actual), nil
	default:
		return false, fmt.Errorf("%w %q on field %q", ErrUnknownOperator, c.Operator, c.Field)
	}
}

// LookupField resolves a field in a record. A key containing dots is first
// looked up verbatim, then walked as a path through nested maps.
func LookupField(record map[string]any, field string) (any, bool) {
	if record == nil {
		return nil, false
	}

	if v, ok := record[field]; ok {
		return v, true
	}

	if !strings.Contains(field, ".") {
		return nil, false
	}

	var current any = record
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Stringify renders a field value for comparisons. nil renders as the empty string.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}

		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// ToFloat converts numeric values, and strings holding a number, to float64.
func ToFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

func bothNumeric(a, b any) (float64, float64, bool) {
	x, ok := ToFloat(a)
	if !ok {
		return 0, 0, false
	}

	y, ok := ToFloat(b)
	if !ok {
		return 0, 0, false
	}

	return x, y, true
}

// valuesEqual compares numerically only when one side is an actual number,
// so identifiers such as "01234" and "1e3" keep their string identity.
func valuesEqual(a, b any) bool {
	if isNumber(a) || isNumber(b) {
		if x, y, ok := bothNumeric(a, b); ok {
			return x == y
		}
	}

	return Stringify(a) == Stringify(b)
}

func isNumber(v any) bool {
	if _, ok := v.(string); ok {
		return false
	}

	_, ok := ToFloat(v)

	return ok
}

func containsValue(haystack, needle any) bool {
	n := strings.ToLower(Stringify(needle))

	if items, ok := haystack.([]any); ok {
		for _, item := range items {
			if strings.Contains(strings.ToLower(Stringify(item)), n) {
				return true
			}
		}

		return false
	}

	return strings.Contains(strings.ToLower(Stringify(haystack)), n)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}

	if s, ok := v.(string); ok {
		return s == ""
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
