// Package config handles the gateway's config.yaml parsing, defaults, and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/relay/internal/usage"
)

// Config is the root of config.yaml.
type Config struct {
	Listen      string `yaml:"listen,omitempty"`
	ProxyAPIKey string `yaml:"proxy_api_key,omitempty"`
	DataDir     string `yaml:"data_dir,omitempty"`

	Log      LogConfig                 `yaml:"log,omitempty"`
	Timeouts TimeoutConfig             `yaml:"timeouts,omitempty"`
	Batch    BatchConfig               `yaml:"batch,omitempty"`
	Models   ModelCatalogConfig        `yaml:"models,omitempty"`
	Provider map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// LogConfig configures the slog fan-out.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
	Dir    string `yaml:"dir,omitempty"`    // debug log directory; empty disables
}

// TimeoutConfig bounds request handling.
type TimeoutConfig struct {
	// Global is the end-to-end deadline for one client request, covering
	// every rotation attempt.
	Global Duration `yaml:"global,omitempty"`
	// StreamChunk is the inter-chunk watchdog for streaming responses.
	StreamChunk Duration `yaml:"stream_chunk,omitempty"`
	// MaxRetries bounds same-credential retries for transient failures.
	MaxRetries *int `yaml:"max_retries,omitempty"`
}

// BatchConfig tunes the embedding coalescer.
type BatchConfig struct {
	Size int      `yaml:"size,omitempty"`
	Wait Duration `yaml:"wait,omitempty"`
}

// ModelCatalogConfig tunes the /v1/models cache.
type ModelCatalogConfig struct {
	CacheTTL Duration `yaml:"cache_ttl,omitempty"`
}

// ProviderConfig holds per-provider overrides layered over the adapter's
// static defaults.
type ProviderConfig struct {
	Enabled           *bool             `yaml:"enabled,omitempty"`
	BaseURL           string            `yaml:"base_url,omitempty"`
	Models            []string          `yaml:"models,omitempty"`
	MaxConcurrent     int               `yaml:"max_concurrent,omitempty"`
	RotationMode      string            `yaml:"rotation_mode,omitempty"` // balanced or sequential
	RotationTolerance float64           `yaml:"rotation_tolerance,omitempty"`
	FairCycle         *bool             `yaml:"fair_cycle,omitempty"`
	QuotaGroups       map[string]string `yaml:"quota_groups,omitempty"` // model -> group
	CustomCaps        []CustomCapConfig `yaml:"custom_caps,omitempty"`
}

// On reports whether the provider is enabled. Absent means enabled.
func (p ProviderConfig) On() bool {
	return p.Enabled == nil || *p.Enabled
}

// CustomCapConfig is one request cap rule. Tier -1 applies to all tiers;
// Target is a model name or quota group; Policy is "quota_reset",
// "offset:<dur>", or "fixed:<dur>".
type CustomCapConfig struct {
	Tier   *int   `yaml:"tier,omitempty"`
	Target string `yaml:"target"`
	Cap    int    `yaml:"cap"`
	Policy string `yaml:"policy,omitempty"`
}

// ToCap converts the YAML rule to the usage manager's form.
func (c CustomCapConfig) ToCap() (usage.CustomCap, error) {
	tier := -1
	if c.Tier != nil {
		tier = *c.Tier
	}
	policy, err := usage.ParseCooldownPolicy(c.Policy)
	if err != nil {
		return usage.CustomCap{}, fmt.Errorf("cap for %q: %w", c.Target, err)
	}
	return usage.CustomCap{Tier: tier, Target: c.Target, Cap: c.Cap, Policy: policy}, nil
}

// Duration wraps time.Duration for yaml decoding of "30s"-style values.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and bare second counts.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML renders the canonical string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:  "127.0.0.1:8787",
		DataDir: defaultDataDir(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Timeouts: TimeoutConfig{
			Global:      Duration(300 * time.Second),
			StreamChunk: Duration(180 * time.Second),
		},
		Batch: BatchConfig{
			Size: 64,
			Wait: Duration(100 * time.Millisecond),
		},
		Models: ModelCatalogConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("PROXY_API_KEY"); ok {
		c.ProxyAPIKey = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RELAY_GLOBAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Timeouts.Global = Duration(d)
		} else if secs, err := strconv.Atoi(v); err == nil {
			c.Timeouts.Global = Duration(time.Duration(secs) * time.Second)
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must not be empty")
	}
	if c.Timeouts.Global.Std() <= 0 {
		return fmt.Errorf("timeouts.global must be positive")
	}
	if c.Timeouts.StreamChunk.Std() <= 0 {
		return fmt.Errorf("timeouts.stream_chunk must be positive")
	}
	if c.Timeouts.MaxRetries != nil && *c.Timeouts.MaxRetries < 0 {
		return fmt.Errorf("timeouts.max_retries must not be negative")
	}
	if c.Batch.Size < 0 {
		return fmt.Errorf("batch.size must not be negative")
	}
	for name, p := range c.Provider {
		switch p.RotationMode {
		case "", "balanced", "sequential":
		default:
			return fmt.Errorf("providers.%s.rotation_mode: unknown mode %q", name, p.RotationMode)
		}
		for _, rule := range p.CustomCaps {
			if rule.Target == "" {
				return fmt.Errorf("providers.%s.custom_caps: target required", name)
			}
			if rule.Cap <= 0 {
				return fmt.Errorf("providers.%s.custom_caps.%s: cap must be positive", name, rule.Target)
			}
			if _, err := rule.ToCap(); err != nil {
				return fmt.Errorf("providers.%s.custom_caps: %w", name, err)
			}
		}
	}
	return nil
}

// CredentialDir is where managed credential files live.
func (c *Config) CredentialDir() string {
	return filepath.Join(c.DataDir, "credentials")
}

// UsageStatePath is the persisted usage file for one provider.
func (c *Config) UsageStatePath(provider string) string {
	return filepath.Join(c.DataDir, "usage", provider+".json")
}

// ApplyQuota layers the provider overrides over an adapter's static quota
// configuration.
func (p ProviderConfig) ApplyQuota(base usage.Config) (usage.Config, error) {
	if p.MaxConcurrent > 0 {
		base.MaxConcurrent = p.MaxConcurrent
	}
	switch p.RotationMode {
	case "balanced":
		base.RotationMode = usage.RotateBalanced
	case "sequential":
		base.RotationMode = usage.RotateSequential
	}
	if p.RotationTolerance > 0 {
		base.RotationTolerance = p.RotationTolerance
	}
	if p.FairCycle != nil {
		base.FairCycle = *p.FairCycle
	}
	if len(p.QuotaGroups) > 0 {
		merged := make(map[string]string, len(base.QuotaGroups)+len(p.QuotaGroups))
		for m, g := range base.QuotaGroups {
			merged[m] = g
		}
		for m, g := range p.QuotaGroups {
			merged[m] = g
		}
		base.QuotaGroups = merged
	}
	for _, cc := range p.CustomCaps {
		rule, err := cc.ToCap()
		if err != nil {
			return base, err
		}
		base.CustomCaps = append(base.CustomCaps, rule)
	}
	return base, nil
}
