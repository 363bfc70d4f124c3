package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RuleType discriminates the two rule kinds.
type RuleType string

const (
	RuleTypeSingleVariant RuleType = "SingleVariant"
	RuleTypeMultiVariant  RuleType = "MultiVariant"
)

// ruleRecord is the persisted JSON shape of one rule, as produced by rule
// authoring. Absent optional fields are omitted rather than emitted as null.
type ruleRecord struct {
	ID                string          `json:"Id"`
	Matcher           json.RawMessage `json:"Matcher,omitempty"`
	Type              RuleType        `json:"Type"`
	Value             *any            `json:"Value,omitempty"`
	OwnerType         string          `json:"OwnerType,omitempty"`
	ValueDistribution json.RawMessage `json:"ValueDistribution,omitempty"`
}

// Rule is one parsed entry of a rule definition. SingleVariant rules carry a
// literal Value; MultiVariant rules carry an OwnerType and a Distribution.
// The ID seeds multi-variant assignment and identifies the rule in errors;
// it plays no part in ordering.
type Rule struct {
	ID           string
	Type         RuleType
	Matcher      *Matcher
	Value        any
	OwnerType    string
	Distribution *Distribution

	rawMatcher      json.RawMessage
	rawDistribution json.RawMessage
}

// RuleDefinition is the ordered rule list bound to exactly one configuration
// path. Rules are evaluated in declaration order and the first satisfied
// matcher wins; later rules are fallbacks, never merged.
type RuleDefinition struct {
	Path  string
	Rules []Rule
}

// ParseRuleDefinition parses the serialized rule list for a path. Any
// structural problem is reported as a [MalformedRuleError] carrying the path
// and, where known, the offending rule ID.
func ParseRuleDefinition(path string, payload []byte) (*RuleDefinition, error) {
	var records []ruleRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, &MalformedRuleError{Path: path, Err: err}
	}

	def := &RuleDefinition{
		Path:  path,
		Rules: make([]Rule, 0, len(records)),
	}
	for _, record := range records {
		rule, err := parseRule(path, record)
		if err != nil {
			return nil, err
		}
		def.Rules = append(def.Rules, rule)
	}

	return def, nil
}

func parseRule(path string, record ruleRecord) (Rule, error) {
	fail := func(err error) (Rule, error) {
		return Rule{}, &MalformedRuleError{Path: path, RuleID: record.ID, Err: err}
	}

	matcherPayload := record.Matcher
	if len(matcherPayload) == 0 {
		matcherPayload = json.RawMessage("{}")
	}
	matcher, err := ParseMatcher(matcherPayload)
	if err != nil {
		return fail(err)
	}

	rule := Rule{
		ID:         record.ID,
		Type:       record.Type,
		Matcher:    matcher,
		rawMatcher: matcherPayload,
	}

	switch record.Type {
	case RuleTypeSingleVariant:
		if record.Value == nil {
			return fail(errors.New("SingleVariant rule requires a Value"))
		}
		rule.Value = *record.Value

	case RuleTypeMultiVariant:
		if record.OwnerType == "" {
			return fail(errors.New("MultiVariant rule requires an OwnerType"))
		}
		if len(record.ValueDistribution) == 0 {
			return fail(errors.New("MultiVariant rule requires a ValueDistribution"))
		}
		distribution, err := ParseDistribution(record.ValueDistribution)
		if err != nil {
			return fail(err)
		}
		rule.OwnerType = record.OwnerType
		rule.Distribution = distribution
		rule.rawDistribution = record.ValueDistribution

	default:
		return fail(fmt.Errorf("unknown rule type %q", record.Type))
	}

	return rule, nil
}

// MarshalJSON serializes the definition back to the wire format. Parsing the
// output yields an equivalent rule list, order preserved, with absent
// distribution and value fields omitted.
func (d *RuleDefinition) MarshalJSON() ([]byte, error) {
	records := make([]ruleRecord, 0, len(d.Rules))
	for i := range d.Rules {
		rule := &d.Rules[i]
		record := ruleRecord{
			ID:      rule.ID,
			Type:    rule.Type,
			Matcher: rule.rawMatcher,
		}
		switch rule.Type {
		case RuleTypeMultiVariant:
			record.OwnerType = rule.OwnerType
			record.ValueDistribution = rule.rawDistribution
		default:
			value := rule.Value
			record.Value = &value
		}
		records = append(records, record)
	}

	return json.Marshal(records)
}
