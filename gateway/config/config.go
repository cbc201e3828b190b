// Package config loads the Gateway's ambient service configuration:
// listen address, request deadlines, and observability toggles. Secret
// material (DATABASE_URL, HUMAN_API_KEY, ...) never lives in the YAML
// file; it is layered on top via environment variables in
// ApplyEnvOverrides, mirroring the teacher's config-then-env-secrets
// split.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ObservabilityConfig toggles the Prometheus/OTel surfaces.
type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
	LogRequests bool   `yaml:"logRequests"`
}

// RateLimitConfig is the per-actor token bucket ahead of Policy
// evaluation (SPEC_FULL.md FULL-3).
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// BlastBoxConfig mirrors the BLAST_BOX_* resource knobs (spec §6).
type BlastBoxConfig struct {
	Image          string `yaml:"image"`
	Memory         string `yaml:"memory"`
	CPUs           string `yaml:"cpus"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	Workspace      string `yaml:"workspace"`
}

// SecurityConfig tracks whether the operator has explicitly
// acknowledged the human-approval bearer secret requirement, the same
// explicit-set pattern the teacher uses for auth.enabled: a sensitive
// capability must be a deliberate choice, never a silent default.
type SecurityConfig struct {
	RequireHumanAuth bool `yaml:"requireHumanAuth"`
	requireSet       bool `yaml:"-"`
}

func (s *SecurityConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		RequireHumanAuth *bool `yaml:"requireHumanAuth"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.RequireHumanAuth != nil {
		s.RequireHumanAuth = *raw.RequireHumanAuth
		s.requireSet = true
	} else {
		s.RequireHumanAuth = true
		s.requireSet = false
	}
	return nil
}

// Config is Gavel's ambient service config (deadlines in §5, resource
// knobs in §6).
type Config struct {
	ListenAddress string `yaml:"listen"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`

	ProposeDeadline time.Duration `yaml:"proposeDeadline"`
	ExecuteDeadline time.Duration `yaml:"executeDeadline"`
	HealthDeadline  time.Duration `yaml:"healthDeadline"`

	Observability ObservabilityConfig `yaml:"observability"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	BlastBox      BlastBoxConfig      `yaml:"blastBox"`
	Security      SecurityConfig      `yaml:"security"`

	IdentitiesPath string `yaml:"identitiesPath"`
	RuleTablePath  string `yaml:"ruleTablePath"` // empty selects policy.DefaultRuleTable()

	// Secrets, set only via ApplyEnvOverrides, never via YAML.
	DatabaseURL string        `yaml:"-"`
	HumanAPIKey string        `yaml:"-"`
	ApprovalTTL time.Duration `yaml:"-"`
	GatewayURL  string        `yaml:"-"`
	LogFilePath string        `yaml:"-"`
	NonceDBPath string        `yaml:"-"`
}

// Load reads path (if non-empty) over top of the defaults below and
// validates the result. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,

		ProposeDeadline: 5 * time.Second,
		ExecuteDeadline: 60 * time.Second,
		HealthDeadline:  3 * time.Second,

		Observability: ObservabilityConfig{
			ServiceName: "gavel",
			Metrics:     true,
			Tracing:     true,
			LogRequests: true,
		},
		RateLimit: RateLimitConfig{RatePerSecond: 5, Burst: 10},
		BlastBox: BlastBoxConfig{
			Image:          "gavel-sandbox:latest",
			Memory:         "512m",
			CPUs:           "1.0",
			TimeoutSeconds: 60,
			Workspace:      "/var/lib/gavel/workspace",
		},
		Security:       SecurityConfig{RequireHumanAuth: true, requireSet: true},
		IdentitiesPath: "identities.json",
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks structural invariants of the YAML-sourced fields.
// Secret presence is not checked here: an empty DATABASE_URL is rejected
// later by ledger.Open, and nothing checks HUMAN_API_KEY for presence.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.RateLimit.RatePerSecond < 0 {
		return fmt.Errorf("rateLimit.ratePerSecond must be >= 0")
	}
	if cfg.BlastBox.TimeoutSeconds <= 0 {
		return fmt.Errorf("blastBox.timeoutSeconds must be > 0")
	}
	return nil
}

// ApplyEnvOverrides layers secret and per-deployment values from the
// environment on top of cfg, per spec §6's environment variable list.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("HUMAN_API_KEY"); v != "" {
		cfg.HumanAPIKey = v
	}
	if v := os.Getenv("APPROVAL_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ApprovalTTL = time.Duration(secs) * time.Second
		}
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 3600 * time.Second
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("BLAST_BOX_IMAGE"); v != "" {
		cfg.BlastBox.Image = v
	}
	if v := os.Getenv("BLAST_BOX_MEMORY"); v != "" {
		cfg.BlastBox.Memory = v
	}
	if v := os.Getenv("BLAST_BOX_CPUS"); v != "" {
		cfg.BlastBox.CPUs = v
	}
	if v := os.Getenv("BLAST_BOX_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.BlastBox.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv("BLAST_BOX_WORKSPACE"); v != "" {
		cfg.BlastBox.Workspace = v
	}
	if v := os.Getenv("GAVEL_LOG_FILE"); v != "" {
		cfg.LogFilePath = v
	}
	if v := os.Getenv("GAVEL_NONCE_DB"); v != "" {
		cfg.NonceDBPath = v
	}
}

// RequireHumanAPIKey reports whether HUMAN_API_KEY must be non-empty
// for this deployment. An empty key with RequireHumanAuth true means
// the approval endpoints always return 401, per spec §6.
func (cfg Config) RequireHumanAPIKey() bool {
	return cfg.Security.RequireHumanAuth
}
