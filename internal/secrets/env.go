package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvResolver resolves references of the form env(VAR_NAME).
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env(")
	if !ok || !strings.HasSuffix(name, ")") {
		return "", fmt.Errorf("unsupported secret reference %q (expected env(VAR_NAME))", ref)
	}
	name = strings.TrimSuffix(name, ")")
	value, ok := r.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}
