package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeyDependencyPrefix marks a matcher entry whose expected value is compared
// against the computed value of another configuration path, for the same
// identity set. This is the only source of cross-path dependency.
const KeyDependencyPrefix = "@@key:"

// Resolver computes the value of a configuration path for the identity set
// of the current calculation. The calculation engine supplies a memoizing,
// cycle-detecting implementation; the matcher itself does no bookkeeping.
type Resolver func(path string) (any, bool, error)

type compareOp int

const (
	opEqual compareOp = iota
	opNotEqual
	opGreaterThan
	opGreaterOrEqual
	opLessThan
	opLessOrEqual
	opIn
)

type condKind int

const (
	condCompare condKind = iota
	condWithinTime
	condDependency
)

type condition struct {
	key     string // context key, or configuration path for dependencies
	kind    condKind
	op      compareOp
	operand any
	window  time.Duration
}

// Matcher is a predicate over context attributes. An object with several
// entries is the conjunction of its entries; the empty matcher {} always
// matches. The supported leaf forms are direct equality, the comparison
// operators $eq/$ne/$gt/$ge/$lt/$le/$in, the time-relative $withinTime, and
// @@key: back-references to other configuration paths.
type Matcher struct {
	conds []condition
}

// ParseMatcher parses a JSON predicate object. Unknown operators and
// malformed operands are reported here, at load time; evaluation itself
// never fails for well-formed matchers.
func ParseMatcher(payload []byte) (*Matcher, error) {
	var entries map[string]any
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("matcher is not a JSON object: %w", err)
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	matcher := &Matcher{}
	for _, key := range keys {
		conds, err := parseEntry(key, entries[key])
		if err != nil {
			return nil, err
		}
		matcher.conds = append(matcher.conds, conds...)
	}

	return matcher, nil
}

func parseEntry(key string, value any) ([]condition, error) {
	if path, ok := strings.CutPrefix(key, KeyDependencyPrefix); ok {
		if _, isObject := value.(map[string]any); isObject {
			return nil, fmt.Errorf("dependency %q: expected value must be a literal", key)
		}
		// Definitions are keyed by lowercased path; fold the reference so
		// resolution is case-insensitive like every other path lookup.
		path = strings.ToLower(strings.Trim(path, "/"))
		return []condition{{key: path, kind: condDependency, op: opEqual, operand: value}}, nil
	}

	ops, isObject := value.(map[string]any)
	if !isObject {
		return []condition{{key: key, kind: condCompare, op: opEqual, operand: value}}, nil
	}

	opNames := make([]string, 0, len(ops))
	for name := range ops {
		opNames = append(opNames, name)
	}
	sort.Strings(opNames)

	conds := make([]condition, 0, len(ops))
	for _, name := range opNames {
		cond, err := parseOperator(key, name, ops[name])
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}

	return conds, nil
}

func parseOperator(key, name string, operand any) (condition, error) {
	switch name {
	case "$eq":
		return condition{key: key, kind: condCompare, op: opEqual, operand: operand}, nil
	case "$ne":
		return condition{key: key, kind: condCompare, op: opNotEqual, operand: operand}, nil
	case "$gt":
		return condition{key: key, kind: condCompare, op: opGreaterThan, operand: operand}, nil
	case "$ge":
		return condition{key: key, kind: condCompare, op: opGreaterOrEqual, operand: operand}, nil
	case "$lt":
		return condition{key: key, kind: condCompare, op: opLessThan, operand: operand}, nil
	case "$le":
		return condition{key: key, kind: condCompare, op: opLessOrEqual, operand: operand}, nil
	case "$in":
		values, ok := operand.([]any)
		if !ok {
			return condition{}, fmt.Errorf("operator $in on %q: operand must be an array", key)
		}
		return condition{key: key, kind: condCompare, op: opIn, operand: values}, nil
	case "$withinTime":
		spec, ok := operand.(string)
		if !ok {
			return condition{}, fmt.Errorf("operator $withinTime on %q: operand must be a duration string", key)
		}
		window, err := parseTimeWindow(spec)
		if err != nil {
			return condition{}, fmt.Errorf("operator $withinTime on %q: %w", key, err)
		}
		return condition{key: key, kind: condWithinTime, window: window}, nil
	default:
		return condition{}, fmt.Errorf("unknown operator %q on %q", name, key)
	}
}

// Evaluate reports whether the matcher is satisfied by the context. Missing
// context attributes never satisfy a condition (closed world); the only
// error source is the resolver, which may detect a dependency cycle.
func (m *Matcher) Evaluate(ctx Context, now time.Time, resolve Resolver) (bool, error) {
	for _, cond := range m.conds {
		ok, err := cond.evaluate(ctx, now, resolve)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

func (c condition) evaluate(ctx Context, now time.Time, resolve Resolver) (bool, error) {
	switch c.kind {
	case condDependency:
		value, found, err := resolve(c.key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		return valuesEqual(value, c.operand), nil

	case condWithinTime:
		value, found := ctx.Lookup(c.key)
		if !found {
			return false, nil
		}
		instant, ok := parseInstant(value)
		if !ok {
			return false, nil
		}
		return now.Sub(instant) <= c.window, nil

	default:
		value, found := ctx.Lookup(c.key)
		if !found {
			return false, nil
		}
		return c.compare(value), nil
	}
}

func (c condition) compare(value any) bool {
	switch c.op {
	case opEqual:
		return valuesEqual(value, c.operand)
	case opNotEqual:
		return !valuesEqual(value, c.operand)
	case opIn:
		candidates, _ := c.operand.([]any)
		for _, candidate := range candidates {
			if valuesEqual(value, candidate) {
				return true
			}
		}
		return false
	default:
		order, comparable := compareValues(value, c.operand)
		if !comparable {
			return false
		}
		switch c.op {
		case opGreaterThan:
			return order > 0
		case opGreaterOrEqual:
			return order >= 0
		case opLessThan:
			return order < 0
		default:
			return order <= 0
		}
	}
}

var timeWindowPattern = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

// parseTimeWindow parses the $withinTime duration syntax: a whole number
// followed by one of s, m, h, or d.
func parseTimeWindow(spec string) (time.Duration, error) {
	groups := timeWindowPattern.FindStringSubmatch(strings.TrimSpace(spec))
	if groups == nil {
		return 0, fmt.Errorf("invalid duration %q", spec)
	}

	amount, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", spec, err)
	}

	switch groups[2] {
	case "s":
		return time.Duration(amount) * time.Second, nil
	case "m":
		return time.Duration(amount) * time.Minute, nil
	case "h":
		return time.Duration(amount) * time.Hour, nil
	default:
		return time.Duration(amount) * 24 * time.Hour, nil
	}
}

// instantFormats lists the accepted timestamp layouts, RFC 3339 first and
// the "yyyy-MM-dd HH:mm:ssZ" form emitted by some context writers second.
var instantFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z",
	"2006-01-02T15:04:05",
}

func parseInstant(value any) (time.Time, bool) {
	text, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}

	for _, layout := range instantFormats {
		if instant, err := time.Parse(layout, text); err == nil {
			return instant, true
		}
	}

	return time.Time{}, false
}
