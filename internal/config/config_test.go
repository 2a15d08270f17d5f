package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "8088", cfg.Server.Port)
	assert.Equal(t, "dev", cfg.Server.Env)
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgo)
	assert.Equal(t, 300, cfg.Auth.JWTTTLSeconds)
	assert.Equal(t, 30, cfg.Sweeper.StaleAfterSec)
	assert.Equal(t, 120, cfg.Sweeper.DeadAfterSec)
	assert.Equal(t, "sqlite", cfg.Storage.Provider)
	assert.Equal(t, "loopback", cfg.Mesh.Transport)
	assert.Equal(t, 5*time.Minute, cfg.JWTTTL())
}

func TestLoadConfigMissingPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "8088", cfg.Server.Port)
}

func TestLoadConfigNonexistentFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9099"
  env: staging
auth:
  jwt_secret: yaml-secret
sweeper:
  stale_after_sec: 10
  dead_after_sec: 40
mesh:
  transport: redis
  redis_addr: localhost:6379
sessions:
  profiles:
    tactical_ae:
      access_ttl_sec: 120
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9099", cfg.Server.Port)
	assert.Equal(t, "yaml-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 10, cfg.Sweeper.StaleAfterSec)
	assert.Equal(t, 40, cfg.Sweeper.DeadAfterSec)
	assert.Equal(t, "redis", cfg.Mesh.Transport)
	assert.Equal(t, int64(120), cfg.Sessions.Profiles["tactical_ae"].AccessTTLSec)

	// Knobs the file omits keep their defaults.
	assert.Equal(t, "HS256", cfg.Auth.JWTAlgo)
	assert.Equal(t, 5, cfg.Sweeper.IntervalSec)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9099"
auth:
  jwt_secret: from-file
`), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("ABI_JWT_SECRET", "from-env")
	t.Setenv("ABI_STALE_AFTER_SECONDS", "15")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 15, cfg.Sweeper.StaleAfterSec)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	// The placeholder secret is fine in dev but fatal in production.
	cfg.Server.Env = "production"
	require.Error(t, cfg.Validate())
	cfg.Auth.JWTSecret = "real-secret"
	require.NoError(t, cfg.Validate())

	cfg.Auth.JWTSecret = ""
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Sweeper.StaleAfterSec = 120
	cfg.Sweeper.DeadAfterSec = 120
	require.Error(t, cfg.Validate())
}
