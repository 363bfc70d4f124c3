package core

import (
	"strings"
	"time"
)

// resolveRules walks the definition's rules in declaration order and yields
// the value of the first rule whose matcher is satisfied. No satisfied rule
// means absent, not an error.
func resolveRules(def *RuleDefinition, ctx Context, identities []Identity, now time.Time, resolve Resolver) (any, bool, error) {
	for i := range def.Rules {
		rule := &def.Rules[i]

		matched, err := rule.Matcher.Evaluate(ctx, now, resolve)
		if err != nil {
			return nil, false, err
		}
		if !matched {
			continue
		}

		if rule.Type == RuleTypeMultiVariant {
			owner, ok := ownerIdentity(identities, rule.OwnerType)
			if !ok {
				// No identity of the owner type: the rule contributes
				// nothing and later rules stay eligible.
				continue
			}
			return rule.Distribution.Select(rule.ID, owner), true, nil
		}

		return rule.Value, true, nil
	}

	return nil, false, nil
}

// ownerIdentity picks the identity that seeds a multi-variant assignment.
// When the identity set carries several identities of the owner type, the
// lexicographically smallest ID is used so assignment stays deterministic.
func ownerIdentity(identities []Identity, ownerType string) (Identity, bool) {
	var owner Identity
	found := false

	for _, identity := range identities {
		if !strings.EqualFold(identity.Type, ownerType) {
			continue
		}
		if !found || identity.ID < owner.ID {
			owner = identity
			found = true
		}
	}

	return owner, found
}
