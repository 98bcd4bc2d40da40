// Package secrets resolves credential references used in configuration and
// keeps secret values out of logs and diff output.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference and returns its value.
	// The ref format depends on the implementation (e.g., "env(VAR_NAME)").
	Resolve(ctx context.Context, ref string) (string, error)
}

// Chain dispatches a reference to the resolver registered for its scheme,
// the text before the opening parenthesis.
type Chain struct {
	resolvers map[string]Resolver
}

// NewChain creates a chain with the env resolver registered.
func NewChain() *Chain {
	return &Chain{resolvers: map[string]Resolver{"env": NewEnvResolver()}}
}

// Register adds or replaces the resolver for scheme.
func (c *Chain) Register(scheme string, r Resolver) {
	c.resolvers[scheme] = r
}

// IsReference reports whether s looks like scheme(arg).
func IsReference(s string) bool {
	open := strings.Index(s, "(")
	return open > 0 && strings.HasSuffix(s, ")") && !strings.ContainsAny(s[:open], " /:")
}

// Resolve returns value unchanged when it is not a reference.
func (c *Chain) Resolve(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme := value[:strings.Index(value, "(")]
	r, ok := c.resolvers[scheme]
	if !ok {
		return "", fmt.Errorf("no secret resolver for %q", scheme)
	}
	return r.Resolve(ctx, value)
}
