package core

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// MatchProperty evaluates a single property predicate against an in-memory
// value. ok reports whether the subject has the property at all; only the
// is_set/is_not_set operators are meaningful without a value.
//
// Invalid regex patterns and unknown operators evaluate to false rather than
// erroring: a misauthored predicate should fail closed, not break the flag.
func MatchProperty(p Property, value any, ok bool) bool {
	switch p.Operator {
	case OperatorIsSet:
		return ok
	case OperatorIsNotSet:
		return !ok
	}

	if !ok {
		return false
	}

	switch p.Operator {
	case OperatorExact, "":
		return valueEquals(value, p.Value)
	case OperatorIsNot:
		return !valueEquals(value, p.Value)
	case OperatorIn:
		return valueIn(value, p.Value)
	case OperatorNotIn:
		return !valueIn(value, p.Value)
	case OperatorIContains:
		return strings.Contains(strings.ToLower(stringify(value)), strings.ToLower(stringify(p.Value)))
	case OperatorNotIContains:
		return !strings.Contains(strings.ToLower(stringify(value)), strings.ToLower(stringify(p.Value)))
	case OperatorRegex:
		re, err := regexp.Compile(stringify(p.Value))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(value))
	case OperatorNotRegex:
		re, err := regexp.Compile(stringify(p.Value))
		if err != nil {
			return false
		}
		return !re.MatchString(stringify(value))
	case OperatorGT:
		cmp, comparable := compareValues(value, p.Value)
		return comparable && cmp > 0
	case OperatorGTE:
		cmp, comparable := compareValues(value, p.Value)
		return comparable && cmp >= 0
	case OperatorLT:
		cmp, comparable := compareValues(value, p.Value)
		return comparable && cmp < 0
	case OperatorLTE:
		cmp, comparable := compareValues(value, p.Value)
		return comparable && cmp <= 0
	default:
		return false
	}
}

// valueEquals compares a subject value with a predicate value. Predicate
// lists mean set membership. Strings compare case-insensitively; numbers
// compare by value regardless of Go type.
func valueEquals(value, target any) bool {
	if isList(target) {
		return valueIn(value, target)
	}

	if left, okL := asFloat64(value); okL {
		if right, okR := asFloat64(target); okR {
			return left == right
		}
	}

	ls, lok := value.(string)
	rs, rok := target.(string)
	if lok && rok {
		return strings.EqualFold(ls, rs)
	}

	return reflect.DeepEqual(value, target)
}

func valueIn(value, list any) bool {
	values := reflect.ValueOf(list)
	if !values.IsValid() || (values.Kind() != reflect.Slice && values.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < values.Len(); i++ {
		if valueEquals(value, values.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// compareValues orders two values. Both numeric (or numeric-looking strings)
// compare numerically; otherwise both compare as strings. Mixed unparseable
// cases are not comparable.
func compareValues(value, target any) (int, bool) {
	if left, okL := numericValue(value); okL {
		if right, okR := numericValue(target); okR {
			switch {
			case left < right:
				return -1, true
			case left > right:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(stringify(value), stringify(target)), true
}

// numericValue coerces JSON-decoded and native Go numbers, plus numeric
// strings, to float64.
func numericValue(value any) (float64, bool) {
	if f, ok := asFloat64(value); ok {
		return f, true
	}
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

func asFloat64(value any) (float64, bool) {
	switch n := value.(type) {
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
	default:
		return 0, false
	}
}

func toInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if math.Trunc(n) != n {
			return 0, false
		}
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func isList(value any) bool {
	v := reflect.ValueOf(value)
	return v.IsValid() && (v.Kind() == reflect.Slice || v.Kind() == reflect.Array)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
