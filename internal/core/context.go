package core

import "strings"

// FixedPrefix marks a context attribute that overrides rule evaluation for
// one configuration path: an attribute named "@fixed:<path>" short-circuits
// resolution of that exact path.
const FixedPrefix = "@fixed:"

// Context is the merged, case-insensitively keyed attribute view for the
// identity set of one calculation. Regular attributes are namespaced as
// "<type>.<property>"; fixed overrides are kept per configuration path.
type Context struct {
	props map[string]any
	fixed map[string]any
}

// NewContext builds a context scoped to a single identity. Attribute names
// beginning with [FixedPrefix] become fixed overrides; everything else is
// namespaced under the identity type.
func NewContext(identity Identity, attributes map[string]any) Context {
	ctx := Context{
		props: make(map[string]any, len(attributes)),
		fixed: make(map[string]any),
	}

	for name, value := range attributes {
		if path, ok := strings.CutPrefix(name, FixedPrefix); ok {
			ctx.fixed[strings.ToLower(path)] = value
			continue
		}
		ctx.props[strings.ToLower(identity.Type+"."+name)] = value
	}

	return ctx
}

// Merge combines contexts from multiple identities into one queryable
// context. Keys are namespaced by identity type, so attributes of distinct
// identity types never collide; the same identity is not expected twice
// within one calculation.
func Merge(contexts ...Context) Context {
	merged := Context{
		props: make(map[string]any),
		fixed: make(map[string]any),
	}

	for _, ctx := range contexts {
		for key, value := range ctx.props {
			merged.props[key] = value
		}
		for path, value := range ctx.fixed {
			merged.fixed[path] = value
		}
	}

	return merged
}

// Lookup returns the attribute stored under key ("<type>.<property>",
// case-insensitive). Unknown keys report false, never an error.
func (c Context) Lookup(key string) (any, bool) {
	value, ok := c.props[strings.ToLower(key)]
	return value, ok
}

// Fixed returns the fixed override recorded for the given configuration
// path, if any identity in the calculation supplied one.
func (c Context) Fixed(path string) (any, bool) {
	value, ok := c.fixed[strings.ToLower(path)]
	return value, ok
}
