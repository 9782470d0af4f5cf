package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"PlatesRelay/tools/errs"
)

const (
	DriverRedis = "redis"
	DriverNats  = "nats"
)

// AppConfig contains all process settings. It is loaded once at start.
type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Backplane BackplaneConfig `mapstructure:"backplane"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Nats      NatsConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Path         string        `mapstructure:"path"`
	NodeID       int64         `mapstructure:"node_id"`
	SendQueue    int           `mapstructure:"send_queue"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Cookie string `mapstructure:"cookie"`
}

type PresenceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type BackplaneConfig struct {
	Driver         string        `mapstructure:"driver"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	HealthEvery    time.Duration `mapstructure:"health_every"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type NatsConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults registers every key so AutomaticEnv can see it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.node_id", 1)
	v.SetDefault("server.send_queue", 64)
	v.SetDefault("server.write_wait", 10*time.Second)
	v.SetDefault("server.ping_interval", 25*time.Second)
	v.SetDefault("server.shutdown_wait", 5*time.Second)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.cookie", "familyPlatesAuthToken")

	v.SetDefault("presence.ttl", 60*time.Second)

	v.SetDefault("backplane.driver", DriverRedis)
	v.SetDefault("backplane.op_timeout", 3*time.Second)
	v.SetDefault("backplane.backoff_initial", 200*time.Millisecond)
	v.SetDefault("backplane.backoff_max", 5*time.Second)
	v.SetDefault("backplane.health_every", 10*time.Second)

	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.bucket", "presence")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// BindEnv maps RELAY_SERVER_PORT style variables plus the legacy names
// PORT, KV_URL and AUTH_SECRET.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "RELAY_SERVER_PORT", "PORT")
	_ = v.BindEnv("redis.url", "RELAY_REDIS_URL", "KV_URL")
	_ = v.BindEnv("auth.secret", "RELAY_AUTH_SECRET", "AUTH_SECRET")
}

// Load decodes v into an AppConfig and validates it.
func Load(v *viper.Viper) (*AppConfig, error) {
	c := new(AppConfig)
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(c, hook); err != nil {
		return nil, errs.ErrConfigInvalid.WrapMsg(err.Error())
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the relay cannot run with. An empty
// secret is fatal: there is no fallback secret.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errs.ErrSecretMissing.WrapMsg("set auth.secret or AUTH_SECRET")
	}
	if c.Auth.Cookie == "" {
		return errs.ErrConfigInvalid.WrapMsg("auth.cookie empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errs.ErrConfigInvalid.WrapMsg("server.port out of range", "port", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errs.ErrConfigInvalid.WrapMsg("server.path must start with /", "path", c.Server.Path)
	}
	if c.Server.SendQueue <= 0 {
		return errs.ErrConfigInvalid.WrapMsg("server.send_queue must be positive")
	}
	if c.Presence.TTL < 2*time.Millisecond {
		return errs.ErrConfigInvalid.WrapMsg("presence.ttl too small", "ttl", c.Presence.TTL)
	}
	for name, d := range map[string]time.Duration{
		"server.write_wait":         c.Server.WriteWait,
		"server.ping_interval":      c.Server.PingInterval,
		"server.shutdown_wait":      c.Server.ShutdownWait,
		"backplane.op_timeout":      c.Backplane.OpTimeout,
		"backplane.backoff_initial": c.Backplane.BackoffInitial,
		"backplane.backoff_max":     c.Backplane.BackoffMax,
		"backplane.health_every":    c.Backplane.HealthEvery,
	} {
		if d <= 0 {
			e := errs.ErrConfigInvalid.WithDetail(name + " must be positive")
			return e.Wrap()
		}
	}
	if c.Backplane.BackoffMax < c.Backplane.BackoffInitial {
		return errs.ErrConfigInvalid.WrapMsg("backplane.backoff_max below backoff_initial")
	}
	switch c.Backplane.Driver {
	case DriverRedis:
		if c.Redis.URL == "" {
			return errs.ErrConfigInvalid.WrapMsg("redis.url empty")
		}
	case DriverNats:
		if c.Nats.URL == "" || c.Nats.Bucket == "" {
			return errs.ErrConfigInvalid.WrapMsg("nats.url and nats.bucket required")
		}
	default:
		return errors.Wrapf(errs.ErrConfigInvalid.Wrap(), "unknown backplane.driver %q", c.Backplane.Driver)
	}
	return nil
}

// HeartbeatInterval is half the presence TTL so a marker survives one
// missed refresh.
func (c *AppConfig) HeartbeatInterval() time.Duration {
	return c.Presence.TTL / 2
}
