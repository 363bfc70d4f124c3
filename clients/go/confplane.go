// Package confplane provides client interfaces and domain types for the
// confplane configuration service.
//
// Use the http sub-package to create a transport client:
//
//	import cphttp "github.com/confplane/confplane/clients/go/http"
package confplane

import (
	"context"
	"encoding/json"
	"time"
)

// Identity names one participant in a calculation, optionally carrying
// request-scoped attributes that override any stored context.
type Identity struct {
	Type       string
	ID         string
	Attributes map[string]any // may be nil
}

// RuleDefinition is the stored rule set for one configuration path.
type RuleDefinition struct {
	Path      string
	Rules     json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Calculator resolves configuration values for paths and identities.
// Wildcard paths ("_", "abc/_") expand to every matching configured path.
type Calculator interface {
	Calculate(ctx context.Context, paths []string, identities []Identity) (map[string]any, error)
	GetValue(ctx context.Context, path string, identities ...Identity) (any, error)
}

// RuleManager covers CRUD operations on rule definitions.
type RuleManager interface {
	UpsertRuleDefinition(ctx context.Context, path string, rules json.RawMessage) (RuleDefinition, error)
	GetRuleDefinition(ctx context.Context, path string) (json.RawMessage, error)
	ListRuleDefinitions(ctx context.Context) (map[string]json.RawMessage, error)
	DeleteRuleDefinition(ctx context.Context, path string) error
}

// ContextManager covers stored identity context operations. Upserted
// properties merge into the existing context rather than replacing it.
type ContextManager interface {
	UpsertContext(ctx context.Context, identityType, identityID string, properties map[string]any) error
	GetContext(ctx context.Context, identityType, identityID string) (map[string]any, error)
	DeleteContext(ctx context.Context, identityType, identityID string) error
}
