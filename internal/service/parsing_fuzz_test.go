package service

import (
	"encoding/json"
	"testing"
)

func FuzzAssignRuleIDs(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`[]`))
	f.Add([]byte(singleValueRules))
	f.Add([]byte(`[{"Matcher":{},"Type":"SingleVariant","Value":1}]`))
	f.Add([]byte(`{"invalid":true}`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		normalized, err := assignRuleIDs(json.RawMessage(payload))
		if err != nil {
			return
		}

		var records []map[string]any
		if err := json.Unmarshal(normalized, &records); err != nil {
			t.Fatalf("assignRuleIDs output is not a rule array: %v", err)
		}
		for i, record := range records {
			id, ok := record["Id"].(string)
			if !ok || id == "" {
				t.Fatalf("rule %d has no Id after assignRuleIDs: %v", i, record)
			}
		}
	})
}

func FuzzNormalizePath(f *testing.F) {
	f.Add("abc/site_title")
	f.Add("/ABC/Site_Title/")
	f.Add("   ")
	f.Add("a//b")

	f.Fuzz(func(t *testing.T, path string) {
		once := normalizePath(path)
		twice := normalizePath(once)
		if once != twice {
			t.Fatalf("normalizePath not idempotent: %q -> %q -> %q", path, once, twice)
		}
	})
}
