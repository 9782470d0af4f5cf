package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PlatesRelay/tools/errs"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestLoadDefaultsRequireSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("RELAY_AUTH_SECRET", "")

	_, err := Load(newViper())
	require.Error(t, err)
	assert.True(t, errs.ErrSecretMissing.Is(err))
}

func TestLoadFromLegacyEnv(t *testing.T) {
	t.Setenv("AUTH_SECRET", "shh")
	t.Setenv("KV_URL", "redis://kv:6380/2")
	t.Setenv("PORT", "9090")
	t.Setenv("RELAY_PRESENCE_TTL", "20s")

	c, err := Load(newViper())
	require.NoError(t, err)
	assert.Equal(t, "shh", c.Auth.Secret)
	assert.Equal(t, "redis://kv:6380/2", c.Redis.URL)
	assert.Equal(t, 9090, c.Server.Port)
	assert.Equal(t, 20*time.Second, c.Presence.TTL)
	assert.Equal(t, 10*time.Second, c.HeartbeatInterval())
	assert.Equal(t, "familyPlatesAuthToken", c.Auth.Cookie)
	assert.Equal(t, DriverRedis, c.Backplane.Driver)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  secret: from-file
backplane:
  driver: nats
  op_timeout: 750ms
nats:
  url: nats://nats:4222
`), 0o600))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "from-file", c.Auth.Secret)
	assert.Equal(t, DriverNats, c.Backplane.Driver)
	assert.Equal(t, 750*time.Millisecond, c.Backplane.OpTimeout)
	assert.Equal(t, "presence", c.Nats.Bucket)
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("AUTH_SECRET", "x")
	base := func() *AppConfig {
		c, err := Load(newViper())
		require.NoError(t, err)
		return c
	}

	cases := map[string]func(c *AppConfig){
		"driver":     func(c *AppConfig) { c.Backplane.Driver = "kafka" },
		"port":       func(c *AppConfig) { c.Server.Port = 70000 },
		"path":       func(c *AppConfig) { c.Server.Path = "ws" },
		"queue":      func(c *AppConfig) { c.Server.SendQueue = 0 },
		"ttl":        func(c *AppConfig) { c.Presence.TTL = 0 },
		"op timeout": func(c *AppConfig) { c.Backplane.OpTimeout = 0 },
		"backoff":    func(c *AppConfig) { c.Backplane.BackoffMax = time.Millisecond },
		"redis url":  func(c *AppConfig) { c.Redis.URL = "" },
		"secret":     func(c *AppConfig) { c.Auth.Secret = "  " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
