package server

import (
	"context"
	"encoding/json"

	"github.com/confplane/confplane/internal/core"
	"github.com/confplane/confplane/internal/repository"
	"github.com/confplane/confplane/internal/service"
)

type Service interface {
	Calculate(ctx context.Context, paths []string, identities []core.Identity, attributes map[core.Identity]map[string]any) (core.Result, error)
	UpsertRuleDefinition(ctx context.Context, path string, rules json.RawMessage) (repository.RuleDefinition, error)
	GetRuleDefinition(ctx context.Context, path string) (json.RawMessage, error)
	ListRuleDefinitions(ctx context.Context) map[string]json.RawMessage
	DeleteRuleDefinition(ctx context.Context, path string) error
	UpsertContext(ctx context.Context, identityType, identityID string, properties json.RawMessage) error
	GetContext(ctx context.Context, identityType, identityID string) (json.RawMessage, error)
	DeleteContext(ctx context.Context, identityType, identityID string) error
}

var _ Service = (*service.Service)(nil)
