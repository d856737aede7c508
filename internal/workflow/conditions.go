package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Matches reports whether data satisfies c. A missing field never matches.
func (c *Condition) Matches(data map[string]any) (bool, error) {
	value, exists := lookup(data, c.Field)
	if !exists {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", c.Value), nil

	case OpContains:
		return containsValue(value, c.Value), nil

	case OpGreater, OpLess:
		a, err := toFloat64(value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		b, err := toFloat64(c.Value)
		if err != nil {
			return false, fmt.Errorf("condition value: %w", err)
		}
		if c.Operator == OpGreater {
			return a > b, nil
		}
		return a < b, nil

	case OpRegex:
		re := c.compiled
		if re == nil {
			var err error
			if re, err = compileRegex(c.Value); err != nil {
				return false, err
			}
		}
		return re.MatchString(fmt.Sprintf("%v", value)), nil

	default:
		return false, fmt.Errorf("unknown operator: %s", c.Operator)
	}
}

func compileRegex(v any) (*regexp.Regexp, error) {
	pattern, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("regex pattern must be string")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return re, nil
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", needle) {
				return true
			}
		}
		return false
	case []string:
		n := fmt.Sprintf("%v", needle)
		for _, item := range h {
			if item == n {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", haystack), fmt.Sprintf("%v", needle))
}

// lookup resolves a dotted path through nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
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

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("cannot convert %v (%T) to number", v, v)
	}
}
