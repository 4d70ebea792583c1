package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/syncbroker/internal/storage"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.True(t, cfg.Database.Migrate)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "store", cfg.Auth.Provider)
	assert.Equal(t, "dependency", cfg.Sync.Policy)
	assert.Empty(t, cfg.Channels)

	assert.Error(t, cfg.Validate(), "secret is required")
}

const sample = `
http:
  addr: ":9000"
auth:
  secret: xyz123
  token_ttl: 1h
  exempt: [ping]
sync:
  policy: affects
channels:
  - table: todos
    select: [id, title, done]
    insert: [title]
    update: [done]
    delete: true
  - name: credits
    query: SELECT f.title FROM films f
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "syncbroker.yaml"), []byte(sample), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, []string{"ping"}, cfg.Auth.Exempt)
	assert.Equal(t, "affects", cfg.Sync.Policy)
	assert.Equal(t, []storage.ChannelSpec{
		{Table: "todos", Select: []string{"id", "title", "done"}, Insert: []string{"title"}, Update: []string{"done"}, Delete: true},
		{Name: "credits", Query: "SELECT f.title FROM films f"},
	}, cfg.Channels)

	same, err := Load(filepath.Join(dir, "syncbroker.yaml"))
	require.NoError(t, err)
	assert.Equal(t, cfg, same)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNCBROKER_HTTP_ADDR", ":7000")
	t.Setenv("SYNCBROKER_AUTH_SECRET", "from-env")
	t.Setenv("SYNCBROKER_DATABASE_DRIVER", "pgx")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	cfg.Auth.Disabled = true
	require.NoError(t, cfg.Validate())

	cfg.Sync.Policy = "eventual"
	cfg.Database.Driver = "oracle"
	cfg.Auth.Provider = "ldap"
	cfg.Channels = []storage.ChannelSpec{{Table: "a"}, {Name: "a"}, {}}
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"eventual", "oracle", "ldap", "duplicate", "channels[2]"} {
		assert.Contains(t, err.Error(), want)
	}
}
