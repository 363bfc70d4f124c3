package core

import (
	"slices"
	"sort"
	"time"
)

// Result maps fully resolved configuration paths to their computed values.
// Paths that resolve to nothing are absent, never present as null.
type Result map[string]any

// Calculator evaluates configuration paths against an immutable snapshot of
// rule definitions. A Calculator holds no mutable state: independent
// Calculate calls may run fully in parallel.
type Calculator struct {
	definitions map[string]*RuleDefinition
	known       []string
}

// NewCalculator builds a calculator over the given definitions and the set
// of known rule-bearing paths used for wildcard expansion. When knownPaths
// is nil, the definition keys serve as the known set. The definitions are
// treated as read-only for the calculator's lifetime.
func NewCalculator(definitions map[string]*RuleDefinition, knownPaths []string) *Calculator {
	defs := make(map[string]*RuleDefinition, len(definitions))
	for path, def := range definitions {
		defs[path] = def
	}

	var known []string
	if knownPaths != nil {
		known = slices.Clone(knownPaths)
	} else {
		known = make([]string, 0, len(defs))
		for path := range defs {
			known = append(known, path)
		}
	}
	sort.Strings(known)

	return &Calculator{definitions: defs, known: known}
}

// KnownPaths returns the sorted path namespace wildcard queries expand
// against.
func (c *Calculator) KnownPaths() []string {
	return slices.Clone(c.known)
}

// Calculate resolves the query paths (exact or wildcard, deduplicated across
// overlapping expansions) for the given identity set. attributes supplies
// each identity's raw attribute map, including any @fixed: entries; now is
// the reference instant for time-relative operators. The result is
// deterministic for identical inputs, multi-variant assignments included.
func (c *Calculator) Calculate(queries []string, identities []Identity, attributes map[Identity]map[string]any, now time.Time) (Result, error) {
	sorted := slices.Clone(identities)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].ID < sorted[j].ID
	})

	contexts := make([]Context, 0, len(sorted))
	for _, identity := range sorted {
		contexts = append(contexts, NewContext(identity, attributes[identity]))
	}

	run := &calculation{
		calc:       c,
		ctx:        Merge(contexts...),
		identities: sorted,
		now:        now,
		states:     make(map[string]*pathState),
	}

	result := make(Result)
	for _, path := range ExpandQueries(queries, c.known) {
		value, found, err := run.resolve(path)
		if err != nil {
			return nil, err
		}
		if found {
			result[path] = value
		}
	}

	return result, nil
}

// CalculateOne is the single-query form of [Calculator.Calculate].
func (c *Calculator) CalculateOne(query string, identities []Identity, attributes map[Identity]map[string]any, now time.Time) (Result, error) {
	return c.Calculate([]string{query}, identities, attributes, now)
}

type pathPhase int

const (
	phaseInProgress pathPhase = iota
	phaseDone
)

type pathState struct {
	phase pathPhase
	value any
	found bool
}

// calculation is the per-invocation arena: memoized path results, the
// in-progress marker set for cycle detection, and the merged context. It is
// never shared between Calculate calls.
type calculation struct {
	calc       *Calculator
	ctx        Context
	identities []Identity
	now        time.Time
	states     map[string]*pathState
	stack      []string
}

func (r *calculation) resolve(path string) (any, bool, error) {
	if state, ok := r.states[path]; ok {
		if state.phase == phaseInProgress {
			return nil, false, &CycleError{
				Path:  path,
				Chain: append(slices.Clone(r.stack), path),
			}
		}
		return state.value, state.found, nil
	}

	state := &pathState{phase: phaseInProgress}
	r.states[path] = state
	r.stack = append(r.stack, path)

	value, found, err := r.resolvePath(path)

	r.stack = r.stack[:len(r.stack)-1]
	if err != nil {
		return nil, false, err
	}

	state.phase = phaseDone
	state.value = value
	state.found = found

	return value, found, nil
}

func (r *calculation) resolvePath(path string) (any, bool, error) {
	// Fixed overrides win before any rule is consulted, and apply even to
	// paths with no rule definition.
	if value, ok := r.ctx.Fixed(path); ok {
		return value, true, nil
	}

	def, ok := r.calc.definitions[path]
	if !ok {
		return nil, false, nil
	}

	return resolveRules(def, r.ctx, r.identities, r.now, r.resolve)
}
