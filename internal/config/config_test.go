package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)

	opts := cfg.Policy.Options()
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, 50, opts.MaxActiveConversations)
	assert.Equal(t, 10, opts.MaxMembers)
	assert.Equal(t, 30, cfg.Policy.ConversationLimits().MaxMessages)
	assert.Equal(t, 14*24*time.Hour, cfg.Policy.GroupLimits().MaxAge)
	assert.Len(t, cfg.Policy.DelayConfig().Escalations, 2)
}

func TestLoadPolicyFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers = 8
compose_backoff = "2m"

[conversations]
max_messages = 40
hazard_probability = 0.2

[delay]
max = "15m"

[[delay.escalations]]
after_messages = 5
factor = 2.0
`), 0o600))

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("POLICY_FILE", path)
	t.Setenv("MAX_ACTIVE_GROUPS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	p := cfg.Policy
	assert.Equal(t, 8, p.Workers)
	assert.Equal(t, 2*time.Minute, p.ComposeBackoff)
	assert.Equal(t, 10*time.Minute, p.TransportBackoff, "keys absent from the file keep defaults")
	assert.Equal(t, 40, p.Conversations.MaxMessages)
	assert.Equal(t, 48*time.Hour, p.Conversations.MaxAge)
	assert.InDelta(t, 0.2, p.Conversations.HazardProbability, 1e-9)
	assert.Equal(t, 15*time.Minute, p.Delay.Max)
	require.Len(t, p.Delay.Escalations, 1)
	assert.Equal(t, 5, p.Delay.Escalations[0].AfterMessages)
	assert.Equal(t, 7, p.Groups.MaxActive)
}

func TestLoadPolicyFileMissing(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("POLICY_FILE", filepath.Join(t.TempDir(), "absent.toml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TickInterval: time.Second,
			InitiateCron: "*/10 * * * *",
			StoreDriver:  "memory",
			AuthorityURL: "http://authority",
			Policy:       DefaultPolicy(),
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"bad cron", func(c *Config) { c.InitiateCron = "sometimes" }},
		{"unknown store", func(c *Config) { c.StoreDriver = "postgres" }},
		{"pebble without path", func(c *Config) { c.StoreDriver = "pebble"; c.StorePath = "" }},
		{"no authority", func(c *Config) { c.AuthorityURL = "" }},
		{"no workers", func(c *Config) { c.Policy.Workers = 0 }},
		{"members inverted", func(c *Config) { c.Policy.Groups.MaxMembers = 2 }},
		{"delay inverted", func(c *Config) { c.Policy.Delay.Max = time.Second }},
		{"hazard out of range", func(c *Config) { c.Policy.Conversations.HazardProbability = 1.5 }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
