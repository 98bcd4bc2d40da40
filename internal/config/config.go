// Package config loads the gitsync configuration file: targets, policy,
// state store, clusters, notifications and the API server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/expr"
	"github.com/szaher/gitsync/internal/policy"
	"github.com/szaher/gitsync/internal/state"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "gitsync.yaml"

// Defaults.
const (
	DefaultConcurrency  = 4
	DefaultFetchTimeout = 30 * time.Second
	DefaultApplyTimeout = 60 * time.Second
	DefaultSchedule     = "@every 3m"
	DefaultServerAddr   = ":8080"
	DefaultCluster      = "in-cluster"
)

// Config is the root of gitsync.yaml.
type Config struct {
	Log      LogConfig                `yaml:"log"`
	Engine   EngineConfig             `yaml:"engine"`
	Store    StoreConfig              `yaml:"store"`
	Clusters map[string]ClusterConfig `yaml:"clusters"`
	Policy   PolicyConfig             `yaml:"policy"`
	Notify   NotifyConfig             `yaml:"notify"`
	Server   ServerConfig             `yaml:"server"`
	Secrets  SecretsConfig            `yaml:"secrets"`
	Targets  []TargetConfig           `yaml:"targets"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type EngineConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	FetchTimeout Duration `yaml:"fetchTimeout"`
	ApplyTimeout Duration `yaml:"applyTimeout"`
	// Schedule is the default schedule of targets that set none.
	Schedule string `yaml:"schedule"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Type      string   `yaml:"type"` // memory, file, postgres or etcd
	Path      string   `yaml:"path"`
	DSN       string   `yaml:"dsn"`
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// ClusterConfig configures one named destination cluster.
type ClusterConfig struct {
	Driver     string   `yaml:"driver"`
	Kubeconfig string   `yaml:"kubeconfig"`
	Context    string   `yaml:"context"`
	Kinds      []string `yaml:"kinds"`
}

type PolicyConfig struct {
	// Default applies to environments without an entry. Defaults to manual.
	Default      string            `yaml:"default"`
	Environments map[string]string `yaml:"environments"`
	Rules        []RuleConfig      `yaml:"rules"`
}

type RuleConfig struct {
	Name     string `yaml:"name"`
	When     string `yaml:"when"`
	Decision string `yaml:"decision"`
}

type NotifyConfig struct {
	Log      bool            `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL      string            `yaml:"url"`
	Secret   string            `yaml:"secret"`
	Headers  map[string]string `yaml:"headers"`
	Outcomes []string          `yaml:"outcomes"`
	RetryMax int               `yaml:"retryMax"`
	Timeout  Duration          `yaml:"timeout"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"apiKey"`
	// AuthFailuresPerMinute limits failed authentications per client.
	AuthFailuresPerMinute int `yaml:"authFailuresPerMinute"`
}

type SecretsConfig struct {
	Vault *VaultConfig `yaml:"vault"`
}

type VaultConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
}

// TargetConfig is one reconciliation target.
type TargetConfig struct {
	Name        string            `yaml:"name"`
	Environment string            `yaml:"environment"`
	Schedule    string            `yaml:"schedule"`
	Labels      map[string]string `yaml:"labels"`
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	SyncPolicy  SyncPolicyConfig  `yaml:"syncPolicy"`
}

// SourceConfig locates a target's desired state.
type SourceConfig struct {
	Type     string `yaml:"type"` // directory, git or s3
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	Revision string `yaml:"revision"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	// Watch triggers a pass when a directory source changes.
	Watch bool `yaml:"watch"`
}

type DestinationConfig struct {
	Cluster   string `yaml:"cluster"`
	Namespace string `yaml:"namespace"`
}

type SyncPolicyConfig struct {
	Automated *bool `yaml:"automated"`
	Prune     *bool `yaml:"prune"`
	SelfHeal  bool  `yaml:"selfHeal"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration bytes. ${VAR} and ${VAR:-default} are
// expanded from the environment first. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data, os.LookupEnv)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default}. As in the shell, the
// default is used when VAR is unset or empty.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := lookup(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = DefaultConcurrency
	}
	if c.Engine.FetchTimeout == 0 {
		c.Engine.FetchTimeout = Duration(DefaultFetchTimeout)
	}
	if c.Engine.ApplyTimeout == 0 {
		c.Engine.ApplyTimeout = Duration(DefaultApplyTimeout)
	}
	if c.Engine.Schedule == "" {
		c.Engine.Schedule = DefaultSchedule
	}
	if c.Store.Type == "" {
		c.Store.Type = "file"
		if c.Store.Path == "" {
			c.Store.Path = ".gitsync/state.json"
		}
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = "/gitsync"
	}
	if c.Clusters == nil {
		c.Clusters = make(map[string]ClusterConfig)
	}
	if _, ok := c.Clusters[DefaultCluster]; !ok {
		c.Clusters[DefaultCluster] = ClusterConfig{Driver: "kubernetes"}
	}
	for name, cl := range c.Clusters {
		if cl.Driver == "" {
			cl.Driver = "kubernetes"
			c.Clusters[name] = cl
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.AuthFailuresPerMinute == 0 {
		c.Server.AuthFailuresPerMinute = 10
	}
	for i := range c.Targets {
		t := &c.Targets[i]
		if t.Schedule == "" {
			t.Schedule = c.Engine.Schedule
		}
		if t.Destination.Cluster == "" {
			t.Destination.Cluster = DefaultCluster
		}
		if t.SyncPolicy.Prune == nil {
			prune := true
			t.SyncPolicy.Prune = &prune
		}
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Engine.Concurrency < 1 {
		add("engine.concurrency must be at least 1")
	}
	switch c.Store.Type {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			add("store.path is required for the file store")
		}
	case "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres store")
		}
	case "etcd":
		if len(c.Store.Endpoints) == 0 {
			add("store.endpoints is required for the etcd store")
		}
	default:
		add("store.type %q is not one of memory, file, postgres, etcd", c.Store.Type)
	}

	if c.Policy.Default != "" {
		if _, err := policy.ParseDecision(c.Policy.Default); err != nil {
			add("policy.default: %v", err)
		}
	}
	for env, d := range c.Policy.Environments {
		if _, err := policy.ParseDecision(d); err != nil {
			add("policy.environments.%s: %v", env, err)
		}
	}
	for i, r := range c.Policy.Rules {
		if _, err := policy.ParseDecision(r.Decision); err != nil {
			add("policy.rules[%d] %q: %v", i, r.Name, err)
		}
		if err := expr.ValidateSyntax(r.When); err != nil {
			add("policy.rules[%d] %q: %v", i, r.Name, err)
		}
	}

	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			add("notify.webhooks[%d].url is required", i)
		}
		for _, o := range w.Outcomes {
			switch state.Outcome(o) {
			case state.OutcomeSucceeded, state.OutcomeFailed, state.OutcomeSkipped:
			default:
				add("notify.webhooks[%d]: unknown outcome %q", i, o)
			}
		}
	}

	drivers := cluster.Drivers()
	for name, cl := range c.Clusters {
		if !slices.Contains(drivers, cl.Driver) {
			add("clusters.%s: unknown driver %q (available: %v)", name, cl.Driver, drivers)
		}
	}

	if c.Secrets.Vault != nil && c.Secrets.Vault.Address == "" {
		add("secrets.vault.address is required")
	}

	seen := make(map[string]bool)
	for i, t := range c.Targets {
		where := fmt.Sprintf("targets[%d]", i)
		if t.Name == "" {
			add("%s.name is required", where)
		} else {
			where = fmt.Sprintf("target %q", t.Name)
			if seen[t.Name] {
				add("%s is declared more than once", where)
			}
			seen[t.Name] = true
		}
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			add("%s: invalid schedule %q: %v", where, t.Schedule, err)
		}
		if _, ok := c.Clusters[t.Destination.Cluster]; !ok {
			add("%s: unknown cluster %q", where, t.Destination.Cluster)
		}
		switch t.Source.Type {
		case "directory":
			if t.Source.Path == "" {
				add("%s: source.path is required for a directory source", where)
			}
		case "git":
			if t.Source.URL == "" {
				add("%s: source.url is required for a git source", where)
			}
		case "s3":
			if t.Source.Bucket == "" {
				add("%s: source.bucket is required for an s3 source", where)
			}
		default:
			add("%s: source.type %q is not one of directory, git, s3", where, t.Source.Type)
		}
		if t.Source.Watch && t.Source.Type != "directory" {
			add("%s: source.watch is only supported for directory sources", where)
		}
	}
	return errors.Join(errs...)
}

// Target returns the named target.
func (c *Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}
