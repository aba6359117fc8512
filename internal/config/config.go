package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"claimline/internal/domain"
)

// Config models claimline.yml.
type Config struct {
	Lineages  map[string]Lineage                `yaml:"lineages"`
	Policies  map[domain.Variant]PolicyOverride `yaml:"policies"`
	Scheduler struct {
		BindRoundOffset    *int64   `yaml:"bind_round_offset"`
		ReservationTimeout Duration `yaml:"reservation_timeout"`
		LedgerTimeout      Duration `yaml:"ledger_timeout"`
		ClaimRetries       int      `yaml:"claim_retries"`
	} `yaml:"scheduler"`
	SourceControl struct {
		Provider          string  `yaml:"provider"`
		BaseURL           string  `yaml:"base_url"`
		BaseBranch        string  `yaml:"base_branch"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"source_control"`
	Notify struct {
		NATSURL       string   `yaml:"nats_url"`
		SubjectPrefix string   `yaml:"subject_prefix"`
		RelayInterval Duration `yaml:"relay_interval"`
	} `yaml:"notify"`
	Background struct {
		SweepEvery     Duration `yaml:"sweep_every"`
		ReconcileEvery Duration `yaml:"reconcile_every"`
	} `yaml:"background"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Lineage scopes claims to a task family and the variants it serves.
type Lineage struct {
	Variants []domain.Variant `yaml:"variants"`
	// OpenEnrollment admits every verified claimant without a registry entry.
	OpenEnrollment bool      `yaml:"open_enrollment"`
	RoundTime      Duration  `yaml:"round_time"`
	Genesis        time.Time `yaml:"genesis"`
}

type PolicyOverride struct {
	TimeoutRounds       int `yaml:"timeout_rounds"`
	ReviewAbandonRounds int `yaml:"review_abandon_rounds"`
	MaxAttempts         int `yaml:"max_attempts"`
}

// Duration decodes "90s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Lineages) == 0 {
		return fmt.Errorf("config.lineages is required")
	}
	for id, l := range c.Lineages {
		if id == "" {
			return fmt.Errorf("config.lineages contains empty lineage id")
		}
		if len(l.Variants) == 0 {
			return fmt.Errorf("lineage %s has no variants", id)
		}
		for _, v := range l.Variants {
			if _, err := domain.PolicyFor(v); err != nil {
				return fmt.Errorf("lineage %s: %w", id, err)
			}
		}
		if l.RoundTime < 0 {
			return fmt.Errorf("lineage %s has negative round_time", id)
		}
	}
	for v, o := range c.Policies {
		if _, err := domain.PolicyFor(v); err != nil {
			return fmt.Errorf("config.policies: %w", err)
		}
		if o.TimeoutRounds < 0 || o.ReviewAbandonRounds < 0 || o.MaxAttempts < 0 {
			return fmt.Errorf("config.policies.%s values must not be negative", v)
		}
	}
	if c.Scheduler.BindRoundOffset != nil && *c.Scheduler.BindRoundOffset < 0 {
		return fmt.Errorf("config.scheduler.bind_round_offset must not be negative")
	}
	switch c.SourceControl.Provider {
	case "", "none", "github":
	default:
		return fmt.Errorf("config.source_control.provider must be github or none")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Policy returns the variant policy with configured overrides applied.
func (c *Config) Policy(v domain.Variant) (domain.Policy, error) {
	p, err := domain.PolicyFor(v)
	if err != nil {
		return p, err
	}
	if c == nil {
		return p, nil
	}
	if o, ok := c.Policies[v]; ok {
		if o.TimeoutRounds > 0 {
			p.TimeoutRounds = o.TimeoutRounds
		}
		if o.ReviewAbandonRounds > 0 {
			p.ReviewAbandonRounds = o.ReviewAbandonRounds
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
	}
	return p, nil
}

// Lineage looks up a configured lineage.
func (c *Config) Lineage(id string) (Lineage, bool) {
	if c == nil {
		return Lineage{}, false
	}
	l, ok := c.Lineages[id]
	return l, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "claimline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BindOffset is how many rounds before the current one a proof is bound to.
// Zero binds to the current round.
func (c *Config) BindOffset() int64 {
	if c.Scheduler.BindRoundOffset == nil {
		return 1
	}
	return *c.Scheduler.BindRoundOffset
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func (c *Config) applyDefaults() {
	if c.Scheduler.ReservationTimeout == 0 {
		c.Scheduler.ReservationTimeout = Duration(60 * time.Second)
	}
	if c.Scheduler.LedgerTimeout == 0 {
		c.Scheduler.LedgerTimeout = Duration(10 * time.Minute)
	}
	if c.Scheduler.BindRoundOffset == nil {
		offset := int64(1)
		c.Scheduler.BindRoundOffset = &offset
	}
	if c.Scheduler.ClaimRetries == 0 {
		c.Scheduler.ClaimRetries = 3
	}
	if c.SourceControl.BaseBranch == "" {
		c.SourceControl.BaseBranch = "main"
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = "claimline"
	}
	if c.Notify.RelayInterval == 0 {
		c.Notify.RelayInterval = Duration(2 * time.Second)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

const defaultTemplate = `lineages:
  docs:
    variants: [documentation]
    open_enrollment: true
    round_time: 5m
    genesis: 2024-01-01T00:00:00Z
  bugs:
    variants: [bug_finder]
    open_enrollment: true
    round_time: 5m
    genesis: 2024-01-01T00:00:00Z
  builder:
    variants: [feature_todo, feature_issue]
    open_enrollment: true
    round_time: 5m
    genesis: 2024-01-01T00:00:00Z

policies:
  documentation:
    timeout_rounds: 1
  bug_finder:
    timeout_rounds: 2

scheduler:
  bind_round_offset: 1
  reservation_timeout: 60s
  ledger_timeout: 10m
  claim_retries: 3

source_control:
  provider: none
  base_branch: main
  requests_per_second: 1

notify:
  subject_prefix: claimline
  relay_interval: 2s

background:
  sweep_every: 1m
  reconcile_every: 1m

log:
  level: info
  format: json
`
