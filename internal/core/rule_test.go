package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseRuleDefinition(t *testing.T) {
	payload := `[
		{"Id":"r1","Matcher":{"device.os":"android"},"Type":"SingleVariant","Value":"compact"},
		{"Id":"r2","Matcher":{},"Type":"MultiVariant","OwnerType":"user","ValueDistribution":{"type":"bernoulliTrial","args":0.25}}
	]`

	def, err := ParseRuleDefinition("abc/layout", []byte(payload))
	if err != nil {
		t.Fatalf("ParseRuleDefinition() error = %v", err)
	}

	if len(def.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(def.Rules))
	}
	if def.Rules[0].Type != RuleTypeSingleVariant || def.Rules[0].Value != "compact" {
		t.Fatalf("rule[0] = %+v, want SingleVariant %q", def.Rules[0], "compact")
	}
	if def.Rules[1].Type != RuleTypeMultiVariant || def.Rules[1].OwnerType != "user" {
		t.Fatalf("rule[1] = %+v, want MultiVariant owned by user", def.Rules[1])
	}
	if def.Rules[1].Distribution == nil {
		t.Fatal("rule[1].Distribution = nil")
	}
}

func TestParseRuleDefinitionDefaultsEmptyMatcher(t *testing.T) {
	def, err := ParseRuleDefinition("abc/x", []byte(`[{"Id":"r1","Type":"SingleVariant","Value":true}]`))
	if err != nil {
		t.Fatalf("ParseRuleDefinition() error = %v", err)
	}

	matched, err := def.Rules[0].Matcher.Evaluate(Context{}, testNow, noResolve)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !matched {
		t.Fatal("omitted matcher should always match")
	}
}

func TestParseRuleDefinitionErrors(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantRuleID string
		wantMsg    string
	}{
		{name: "not a list", payload: `{"Id":"r1"}`, wantMsg: "malformed rule definition"},
		{
			name:       "single variant without value",
			payload:    `[{"Id":"r1","Matcher":{},"Type":"SingleVariant"}]`,
			wantRuleID: "r1",
			wantMsg:    "requires a Value",
		},
		{
			name:       "multi variant without owner",
			payload:    `[{"Id":"r2","Matcher":{},"Type":"MultiVariant","ValueDistribution":{"type":"bernoulliTrial","args":0.5}}]`,
			wantRuleID: "r2",
			wantMsg:    "requires an OwnerType",
		},
		{
			name:       "multi variant without distribution",
			payload:    `[{"Id":"r3","Matcher":{},"Type":"MultiVariant","OwnerType":"user"}]`,
			wantRuleID: "r3",
			wantMsg:    "requires a ValueDistribution",
		},
		{
			name:       "unknown rule type",
			payload:    `[{"Id":"r4","Matcher":{},"Type":"TriVariant","Value":1}]`,
			wantRuleID: "r4",
			wantMsg:    "unknown rule type",
		},
		{
			name:       "bad matcher operator",
			payload:    `[{"Id":"r5","Matcher":{"device.x":{"$near":1}},"Type":"SingleVariant","Value":1}]`,
			wantRuleID: "r5",
			wantMsg:    "unknown operator",
		},
		{
			name:       "bad distribution",
			payload:    `[{"Id":"r6","Matcher":{},"Type":"MultiVariant","OwnerType":"user","ValueDistribution":{"type":"gaussian"}}]`,
			wantRuleID: "r6",
			wantMsg:    "unknown distribution type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuleDefinition("abc/somepath", []byte(tt.payload))

			var malformed *MalformedRuleError
			if !errors.As(err, &malformed) {
				t.Fatalf("ParseRuleDefinition() error = %v, want MalformedRuleError", err)
			}
			if malformed.Path != "abc/somepath" {
				t.Fatalf("error path = %q, want %q", malformed.Path, "abc/somepath")
			}
			if malformed.RuleID != tt.wantRuleID {
				t.Fatalf("error rule ID = %q, want %q", malformed.RuleID, tt.wantRuleID)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRuleDefinitionRoundTrip(t *testing.T) {
	payload := `[
		{"Id":"r1","Matcher":{"device.os":"android","device.version":{"$ge":9}},"Type":"SingleVariant","Value":false},
		{"Id":"r2","Matcher":{},"Type":"MultiVariant","OwnerType":"user","ValueDistribution":{"type":"weighted","args":{"a":1,"b":3}}},
		{"Id":"r3","Matcher":{},"Type":"SingleVariant","Value":"fallback"}
	]`

	def, err := ParseRuleDefinition("abc/x", []byte(payload))
	if err != nil {
		t.Fatalf("ParseRuleDefinition() error = %v", err)
	}

	serialized, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	// Absent optional fields must be omitted, not emitted as null.
	if strings.Contains(string(serialized), "null") {
		t.Fatalf("serialized definition contains null: %s", serialized)
	}

	reparsed, err := ParseRuleDefinition("abc/x", serialized)
	if err != nil {
		t.Fatalf("ParseRuleDefinition(serialized) error = %v", err)
	}

	if len(reparsed.Rules) != len(def.Rules) {
		t.Fatalf("reparsed %d rules, want %d", len(reparsed.Rules), len(def.Rules))
	}
	for i := range def.Rules {
		if reparsed.Rules[i].ID != def.Rules[i].ID {
			t.Fatalf("rule %d ID = %q, want %q (order must be preserved)", i, reparsed.Rules[i].ID, def.Rules[i].ID)
		}
		if reparsed.Rules[i].Type != def.Rules[i].Type {
			t.Fatalf("rule %d type = %q, want %q", i, reparsed.Rules[i].Type, def.Rules[i].Type)
		}
	}

	// A false Value must survive the round trip; omitempty-style dropping
	// would turn it into a malformed rule.
	if reparsed.Rules[0].Value != false {
		t.Fatalf("rule 0 value = %v, want false", reparsed.Rules[0].Value)
	}
}

func FuzzParseRuleDefinition(f *testing.F) {
	f.Add(`[{"Id":"r1","Matcher":{},"Type":"SingleVariant","Value":"v"}]`)
	f.Add(`[{"Id":"r2","Matcher":{},"Type":"MultiVariant","OwnerType":"user","ValueDistribution":{"type":"uniform","args":[1,2]}}]`)
	f.Add(`[]`)

	f.Fuzz(func(t *testing.T, payload string) {
		def, err := ParseRuleDefinition("fuzz/path", []byte(payload))
		if err != nil {
			var malformed *MalformedRuleError
			if !errors.As(err, &malformed) {
				t.Fatalf("error = %v, want MalformedRuleError", err)
			}
			return
		}

		// Whatever parses must serialize and reparse cleanly.
		serialized, err := json.Marshal(def)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if _, err := ParseRuleDefinition("fuzz/path", serialized); err != nil {
			t.Fatalf("reparse error = %v", err)
		}
	})
}
