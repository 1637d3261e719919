package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/relay/internal/usage"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Listen)
	assert.Equal(t, "", cfg.ProxyAPIKey)
	assert.Equal(t, 300*time.Second, cfg.Timeouts.Global.Std())
	assert.Equal(t, 180*time.Second, cfg.Timeouts.StreamChunk.Std())
	assert.Equal(t, 64, cfg.Batch.Size)
	assert.Equal(t, 100*time.Millisecond, cfg.Batch.Wait.Std())
	assert.Equal(t, 5*time.Minute, cfg.Models.CacheTTL.Std())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:9090"
proxy_api_key: "pk-secret"
timeouts:
  global: 30s
  stream_chunk: 2m
  max_retries: 1
batch:
  size: 16
  wait: 50ms
providers:
  openai:
    max_concurrent: 8
    rotation_mode: sequential
    quota_groups:
      gpt-4o: premium
      gpt-4o-mini: premium
    custom_caps:
      - target: premium
        cap: 100
        policy: "offset:2h"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "pk-secret", cfg.ProxyAPIKey)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Global.Std())
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.StreamChunk.Std())
	require.NotNil(t, cfg.Timeouts.MaxRetries)
	assert.Equal(t, 1, *cfg.Timeouts.MaxRetries)
	assert.Equal(t, 16, cfg.Batch.Size)

	p := cfg.Provider["openai"]
	assert.True(t, p.On())
	assert.Equal(t, 8, p.MaxConcurrent)
	assert.Equal(t, "sequential", p.RotationMode)
	assert.Equal(t, "premium", p.QuotaGroups["gpt-4o"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_LISTEN", "127.0.0.1:7000")
	t.Setenv("PROXY_API_KEY", "pk-env")
	t.Setenv("RELAY_GLOBAL_TIMEOUT", "45s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "pk-env", cfg.ProxyAPIKey)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Global.Std())
}

func TestLoad_EmptyProxyKeyEnvDisablesAuth(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "", cfg.ProxyAPIKey)
}

func TestLoad_InvalidRotationMode(t *testing.T) {
	path := writeConfig(t, `
providers:
  openai:
    rotation_mode: roundrobin
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "rotation_mode")
}

func TestLoad_InvalidCap(t *testing.T) {
	path := writeConfig(t, `
providers:
  openai:
    custom_caps:
      - target: gpt-4o
        cap: 0
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "cap must be positive")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDuration_BareSeconds(t *testing.T) {
	path := writeConfig(t, `
timeouts:
  global: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Global.Std())
}

func TestApplyQuota(t *testing.T) {
	base := usage.Config{
		Provider:      "openai",
		MaxConcurrent: 4,
		QuotaGroups:   map[string]string{"a": "g1"},
	}
	enabled := true
	p := ProviderConfig{
		MaxConcurrent: 8,
		RotationMode:  "sequential",
		FairCycle:     &enabled,
		QuotaGroups:   map[string]string{"b": "g1"},
		CustomCaps: []CustomCapConfig{
			{Target: "g1", Cap: 50, Policy: "quota_reset"},
		},
	}
	got, err := p.ApplyQuota(base)
	require.NoError(t, err)

	assert.Equal(t, 8, got.MaxConcurrent)
	assert.Equal(t, usage.RotateSequential, got.RotationMode)
	assert.True(t, got.FairCycle)
	assert.Equal(t, "g1", got.QuotaGroups["a"])
	assert.Equal(t, "g1", got.QuotaGroups["b"])
	require.Len(t, got.CustomCaps, 1)
	assert.Equal(t, -1, got.CustomCaps[0].Tier)
	assert.Equal(t, 50, got.CustomCaps[0].Cap)
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/data/relay"}
	assert.Equal(t, filepath.Join("/data/relay", "credentials"), cfg.CredentialDir())
	assert.Equal(t, filepath.Join("/data/relay", "usage", "openai.json"), cfg.UsageStatePath("openai"))
}
