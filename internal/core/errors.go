package core

import (
	"fmt"
	"strings"
)

// MalformedRuleError reports a rule definition that failed to parse: bad
// predicate syntax, an unknown operator, or a missing distribution field.
// It is surfaced when the definition is loaded, never during evaluation.
type MalformedRuleError struct {
	Path   string
	RuleID string
	Err    error
}

func (e *MalformedRuleError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("malformed rule definition for %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("malformed rule %q for %q: %v", e.RuleID, e.Path, e.Err)
}

func (e *MalformedRuleError) Unwrap() error {
	return e.Err
}

// CycleError reports a configuration path whose dependency chain, followed
// through @@key: references, arrives back at itself. It aborts the whole
// calculation.
type CycleError struct {
	Path  string
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle at %q: %s", e.Path, strings.Join(e.Chain, " -> "))
}
