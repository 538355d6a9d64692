package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  node_id: 7
auth:
  secret: file-secret
typing:
  ttl: 2s
seed:
  identities:
    - id: alice
      name: Alice
      language: en
    - id: bob
      name: Bob
      language: hi
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.App.NodeID)
	assert.Equal(t, "file-secret", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Second, cfg.Typing.TTL)
	assert.Equal(t, 5*time.Second, cfg.Typing.SweepInterval)
	assert.Equal(t, 12, cfg.Translate.RateLimit)
	assert.Equal(t, time.Minute, cfg.Translate.RateWindow)
	assert.Equal(t, "memory", cfg.Store.Driver)
	require.Len(t, cfg.Seed.Identities, 2)
	assert.Equal(t, "hi", cfg.Seed.Identities[1].Language)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: file-secret\n")
	t.Setenv("CHATSYNC_AUTH_SECRET", "env-secret")
	t.Setenv("CHATSYNC_SERVER_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Auth.Secret)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing secret", "app:\n  name: x\n"},
		{"unknown driver", "auth:\n  secret: s\nstore:\n  driver: mongo\n"},
		{"unknown provider", "auth:\n  secret: s\ntranslate:\n  provider: babelfish\n"},
		{"redis limiter without redis", "auth:\n  secret: s\ntranslate:\n  limiter: redis\n"},
		{"zero rate limit", "auth:\n  secret: s\ntranslate:\n  rate_limit: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDump_RedactsSecrets(t *testing.T) {
	cfg, err := Load(writeConfig(t, "auth:\n  secret: top-secret\ntranslate:\n  openai_api_key: sk-123\n"))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "top-secret")
	assert.NotContains(t, string(out), "sk-123")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "typing")

	assert.Equal(t, "top-secret", cfg.Auth.Secret, "Dump must not mutate the config")
}
