package routing

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// Engine evaluates routing rules against recording metadata.
// Condition semantics follow Mongo query operators so the same rule can
// drive both live matching and backfill queries.
type Engine struct {
	logger logging.Logger
}

// NewEngine creates a rule engine
func NewEngine(logger logging.Logger) *Engine {
	return &Engine{logger: logger}
}

// Match returns the enabled rules whose conditions match the metadata,
// ordered by priority descending. Ties keep their input order. A rule
// with a malformed condition never matches.
func (e *Engine) Match(rules []models.RoutingRule, metadata map[string]interface{}) []models.RoutingRule {
	matched := make([]models.RoutingRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if e.Matches(rule, metadata) {
			matched = append(matched, rule)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	return matched
}

// Matches reports whether a single rule matches the metadata
func (e *Engine) Matches(rule models.RoutingRule, metadata map[string]interface{}) bool {
	ok, err := evalConditions(rule.Conditions, metadata)
	if err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"rule_id": rule.RuleID,
		}).Warn("Malformed rule condition, treating as non-match")
		return false
	}
	return ok
}

// evalConditions evaluates a condition document. All entries must hold.
func evalConditions(conditions map[string]interface{}, metadata map[string]interface{}) (bool, error) {
	for key, expr := range conditions {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and":
			ok, err = evalLogical(expr, metadata, func(results []bool) bool {
				for _, r := range results {
					if !r {
						return false
					}
				}
				return true
			})
		case "$or":
			ok, err = evalLogical(expr, metadata, func(results []bool) bool {
				for _, r := range results {
					if r {
						return true
					}
				}
				return false
			})
		case "$nor":
			ok, err = evalLogical(expr, metadata, func(results []bool) bool {
				for _, r := range results {
					if r {
						return false
					}
				}
				return true
			})
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("unknown logical operator %s", key)
			}
			value, exists := ResolvePath(metadata, key)
			ok, err = evalField(value, exists, expr)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalLogical(expr interface{}, metadata map[string]interface{}, combine func([]bool) bool) (bool, error) {
	clauses, ok := expr.([]interface{})
	if !ok {
		return false, fmt.Errorf("logical operator requires a list, got %T", expr)
	}
	results := make([]bool, 0, len(clauses))
	for _, clause := range clauses {
		doc, ok := toConditionDoc(clause)
		if !ok {
			return false, fmt.Errorf("logical clause must be a condition document, got %T", clause)
		}
		r, err := evalConditions(doc, metadata)
		if err != nil {
			return false, err
		}
		results = append(results, r)
	}
	return combine(results), nil
}

// evalField evaluates one field condition:
// operator document, bare list (containment) or bare value (equality).
func evalField(value interface{}, exists bool, expr interface{}) (bool, error) {
	if doc, ok := toConditionDoc(expr); ok {
		isOperatorDoc := false
		for op := range doc {
			if strings.HasPrefix(op, "$") {
				isOperatorDoc = true
			}
		}
		if isOperatorDoc {
			for op, operand := range doc {
				ok, err := evalOperator(op, value, exists, operand)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			return true, nil
		}
		return valuesEqual(value, expr), nil
	}

	if list, ok := toList(expr); ok {
		return listContains(list, value), nil
	}

	if fieldList, ok := toList(value); ok {
		return listContains(fieldList, expr), nil
	}
	return valuesEqual(value, expr), nil
}

func evalOperator(op string, value interface{}, exists bool, operand interface{}) (bool, error) {
	switch op {
	case "$eq":
		return valuesEqual(value, operand), nil
	case "$ne":
		return !valuesEqual(value, operand), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !exists {
			return false, nil
		}
		cmp, err := compareValues(value, operand)
		if err != nil {
			return false, err
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "$in":
		list, ok := toList(operand)
		if !ok {
			return false, fmt.Errorf("$in requires a list, got %T", operand)
		}
		return anyInList(list, value), nil
	case "$nin":
		list, ok := toList(operand)
		if !ok {
			return false, fmt.Errorf("$nin requires a list, got %T", operand)
		}
		return !anyInList(list, value), nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false, fmt.Errorf("$exists requires a bool, got %T", operand)
		}
		return exists == want, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return false, fmt.Errorf("$regex requires a string pattern, got %T", operand)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid $regex pattern: %w", err)
		}
		if !exists {
			return false, nil
		}
		return re.MatchString(fmt.Sprint(value)), nil
	default:
		return false, fmt.Errorf("unknown operator %s", op)
	}
}

// ResolvePath looks up a dotted path inside a metadata document
func ResolvePath(metadata map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = metadata
	for _, part := range parts {
		doc, ok := toConditionDoc(current)
		if !ok {
			return nil, false
		}
		current, ok = doc[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toConditionDoc(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	default:
		return nil, false
	}
}

func toList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// anyInList follows Mongo $in semantics: an array-valued field matches
// when any of its elements appears in the operand list, keeping live
// matching consistent with the backfill query the same rule compiles to.
func anyInList(list []interface{}, value interface{}) bool {
	if fieldList, ok := toList(value); ok {
		for _, item := range fieldList {
			if listContains(list, item) {
				return true
			}
		}
		return false
	}
	return listContains(list, value)
}

func listContains(list []interface{}, value interface{}) bool {
	for _, item := range list {
		if valuesEqual(item, value) {
			return true
		}
	}
	return false
}

// valuesEqual compares two values, treating all numeric types alike
func valuesEqual(a, b interface{}) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two numbers or two strings
func compareValues(a, b interface{}) (int, error) {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}

	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
