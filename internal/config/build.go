package config

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/controller"
	"github.com/szaher/gitsync/internal/engine"
	"github.com/szaher/gitsync/internal/notify"
	"github.com/szaher/gitsync/internal/policy"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/secrets"
	"github.com/szaher/gitsync/internal/source"
	"github.com/szaher/gitsync/internal/state"
)

// Resolver returns the resolver chain for secret references in the
// configuration: env(NAME) always, vault(path#key) when Vault is configured.
func (c *Config) Resolver(ctx context.Context) (*secrets.Chain, error) {
	chain := secrets.NewChain()
	if v := c.Secrets.Vault; v != nil {
		token, err := chain.Resolve(ctx, v.Token)
		if err != nil {
			return nil, fmt.Errorf("secrets.vault.token: %w", err)
		}
		vault := secrets.NewVaultResolver(v.Address, token)
		if v.Mount != "" {
			vault.MountPath = v.Mount
		}
		chain.Register("vault", vault)
	}
	return chain, nil
}

// EvaluatorConfig converts the policy section. Configured environments are
// layered over policy.DefaultEnvironments.
func (c *Config) EvaluatorConfig() (policy.Config, error) {
	cfg := policy.Config{Environments: policy.DefaultEnvironments()}
	if c.Policy.Default != "" {
		d, err := policy.ParseDecision(c.Policy.Default)
		if err != nil {
			return cfg, err
		}
		cfg.Default = d
	}
	for env, s := range c.Policy.Environments {
		d, err := policy.ParseDecision(s)
		if err != nil {
			return cfg, fmt.Errorf("environment %s: %w", env, err)
		}
		cfg.Environments[env] = d
	}
	for _, r := range c.Policy.Rules {
		d, err := policy.ParseDecision(r.Decision)
		if err != nil {
			return cfg, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		cfg.Rules = append(cfg.Rules, policy.Rule{Name: r.Name, When: r.When, Decision: d})
	}
	return cfg, nil
}

// Evaluator compiles the policy section.
func (c *Config) Evaluator() (*policy.DefaultEvaluator, error) {
	cfg, err := c.EvaluatorConfig()
	if err != nil {
		return nil, err
	}
	return policy.NewEvaluator(cfg)
}

// OpenStore opens the configured state store.
func (c *Config) OpenStore(ctx context.Context, resolver *secrets.Chain) (state.Store, error) {
	switch c.Store.Type {
	case "memory":
		return state.NewMemoryStore(), nil
	case "file":
		return state.NewFileStore(c.Store.Path), nil
	case "postgres":
		dsn, err := resolver.Resolve(ctx, c.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("store.dsn: %w", err)
		}
		return state.NewPostgresStore(ctx, dsn)
	case "etcd":
		return state.NewEtcdStore(ctx, c.Store.Endpoints, c.Store.Prefix)
	}
	return nil, fmt.Errorf("unknown store type %q", c.Store.Type)
}

// Notifier builds the configured notifiers. It returns nil when none are
// configured.
func (c *Config) Notifier(ctx context.Context, resolver *secrets.Chain, logger *slog.Logger) (notify.Notifier, error) {
	var out notify.Multi
	if c.Notify.Log {
		out = append(out, notify.Log{Logger: logger})
	}
	for i, w := range c.Notify.Webhooks {
		secret, err := resolver.Resolve(ctx, w.Secret)
		if err != nil {
			return nil, fmt.Errorf("notify.webhooks[%d].secret: %w", i, err)
		}
		hook := notify.NewWebhook(w.URL, secret, w.RetryMax, time.Duration(w.Timeout))
		for k, v := range w.Headers {
			if hook.Headers == nil {
				hook.Headers = make(map[string]string)
			}
			if hook.Headers[k], err = resolver.Resolve(ctx, v); err != nil {
				return nil, fmt.Errorf("notify.webhooks[%d].headers.%s: %w", i, k, err)
			}
		}
		var n notify.Notifier = hook
		if len(w.Outcomes) > 0 {
			outcomes := make([]state.Outcome, len(w.Outcomes))
			for j, o := range w.Outcomes {
				outcomes[j] = state.Outcome(o)
			}
			n = notify.Filter(n, outcomes...)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// APIKey resolves the server API key.
func (c *Config) APIKey(ctx context.Context, resolver *secrets.Chain) (string, error) {
	key, err := resolver.Resolve(ctx, c.Server.APIKey)
	if err != nil {
		return "", fmt.Errorf("server.apiKey: %w", err)
	}
	return key, nil
}

// Drivers creates one driver per cluster that a target references.
func (c *Config) Drivers() (map[string]cluster.Driver, error) {
	used := make(map[string]bool)
	for _, t := range c.Targets {
		used[t.Destination.Cluster] = true
	}
	names := make([]string, 0, len(used))
	for name := range used {
		names = append(names, name)
	}
	sort.Strings(names)

	drivers := make(map[string]cluster.Driver, len(names))
	for _, name := range names {
		cc, ok := c.Clusters[name]
		if !ok {
			return nil, fmt.Errorf("unknown cluster %q", name)
		}
		d, err := cluster.New(cc.Driver, cluster.Options{
			Kubeconfig:   cc.Kubeconfig,
			Context:      cc.Context,
			Kinds:        cc.Kinds,
			FieldManager: "gitsync",
		})
		if err != nil {
			return nil, fmt.Errorf("cluster %q: %w", name, err)
		}
		drivers[name] = d
	}
	return drivers, nil
}

// BuildTargets builds every configured target against drivers.
func (c *Config) BuildTargets(ctx context.Context, resolver *secrets.Chain, drivers map[string]cluster.Driver) ([]controller.Target, error) {
	out := make([]controller.Target, 0, len(c.Targets))
	for _, tc := range c.Targets {
		t, err := tc.build(ctx, resolver, drivers)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", tc.Name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (tc TargetConfig) build(ctx context.Context, resolver *secrets.Chain, drivers map[string]cluster.Driver) (controller.Target, error) {
	driver, ok := drivers[tc.Destination.Cluster]
	if !ok {
		return controller.Target{}, fmt.Errorf("no driver for cluster %q", tc.Destination.Cluster)
	}
	src, err := tc.Source.build(ctx, resolver)
	if err != nil {
		return controller.Target{}, err
	}
	t := controller.Target{
		Target: engine.Target{
			Name:        tc.Name,
			Environment: tc.Environment,
			Scope: resource.Scope{
				Target:    tc.Name,
				Cluster:   tc.Destination.Cluster,
				Namespace: tc.Destination.Namespace,
			},
			Labels: tc.Labels,
			SyncPolicy: engine.SyncPolicy{
				Automated: tc.SyncPolicy.Automated,
				Prune:     tc.SyncPolicy.Prune == nil || *tc.SyncPolicy.Prune,
				SelfHeal:  tc.SyncPolicy.SelfHeal,
			},
			Source:  src,
			Cluster: driver,
			Applier: driver,
		},
		Schedule: tc.Schedule,
	}
	if tc.Source.Watch {
		t.WatchPath = tc.Source.Path
	}
	return t, nil
}

func (sc SourceConfig) build(ctx context.Context, resolver *secrets.Chain) (engine.Source, error) {
	switch sc.Type {
	case "directory":
		return source.NewDirectory(sc.Path), nil
	case "git":
		username, err := resolver.Resolve(ctx, sc.Username)
		if err != nil {
			return nil, fmt.Errorf("source.username: %w", err)
		}
		password, err := resolver.Resolve(ctx, sc.Password)
		if err != nil {
			return nil, fmt.Errorf("source.password: %w", err)
		}
		return &source.Git{
			URL:      sc.URL,
			Revision: sc.Revision,
			Path:     sc.Path,
			Username: username,
			Password: password,
		}, nil
	case "s3":
		return source.NewS3(ctx, sc.Bucket, sc.Prefix, sc.Region)
	}
	return nil, fmt.Errorf("unknown source type %q", sc.Type)
}
