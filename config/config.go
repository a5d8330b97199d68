// Package config loads mrpc settings from a YAML file and MRPC_* environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mrpc/client"
	"mrpc/codec"
	"mrpc/invoker"
	"mrpc/loadbalance"
	"mrpc/metrics"
	"mrpc/protocol"
	"mrpc/server"
	"mrpc/transport"
)

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Registry struct {
		// Kind is "memory" or "etcd".
		Kind      string   `mapstructure:"kind"`
		Endpoints []string `mapstructure:"endpoints"`
	} `mapstructure:"registry"`

	Client struct {
		Codec          string        `mapstructure:"codec"`
		Policy         string        `mapstructure:"policy"`
		Timeout        time.Duration `mapstructure:"timeout"`
		Retries        int           `mapstructure:"retries"`
		RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		Transport      Transport     `mapstructure:"transport"`
	} `mapstructure:"client"`

	Server struct {
		Listen      string        `mapstructure:"listen"`
		Advertise   string        `mapstructure:"advertise"`
		Weight      int           `mapstructure:"weight"`
		RegistryTTL int64         `mapstructure:"registry_ttl"`
		RateLimit   float64       `mapstructure:"rate_limit"` // requests per second; 0 disables
		RateBurst   int           `mapstructure:"rate_burst"`
		Timeout     time.Duration `mapstructure:"timeout"`    // per request; 0 disables
		Transport   Transport     `mapstructure:"transport"`
	} `mapstructure:"server"`
}

// Transport holds the per-connection settings shared by both sides.
type Transport struct {
	MaxPayload    uint32        `mapstructure:"max_payload"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	MaxIdleProbes int           `mapstructure:"max_idle_probes"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("registry.kind", "memory")
	v.SetDefault("registry.endpoints", []string{"127.0.0.1:2379"})

	v.SetDefault("client.codec", "polyglot")
	v.SetDefault("client.policy", "round_robin")
	v.SetDefault("client.timeout", client.DefaultTimeout)
	v.SetDefault("client.retries", 1)
	v.SetDefault("client.retry_base_delay", client.DefaultRetryBaseDelay)
	v.SetDefault("client.dial_timeout", invoker.DefaultDialTimeout)
	setTransportDefaults(v, "client.transport")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.advertise", "")
	v.SetDefault("server.weight", 1)
	v.SetDefault("server.registry_ttl", server.DefaultRegistryTTL)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 1)
	v.SetDefault("server.timeout", time.Duration(0))
	setTransportDefaults(v, "server.transport")
}

// setTransportDefaults registers every transport key so each one can also be
// set from the environment.
func setTransportDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".max_payload", protocol.DefaultMaxPayload)
	v.SetDefault(prefix+".idle_timeout", transport.DefaultIdleTimeout)
	v.SetDefault(prefix+".max_idle_probes", transport.DefaultMaxIdleProbes)
	v.SetDefault(prefix+".write_timeout", transport.DefaultWriteTimeout)
}

// Load reads path (skipped when empty) on top of the defaults. Every key can
// be overridden from the environment, e.g. MRPC_CLIENT_TIMEOUT=2s.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.Registry.Kind {
	case "memory", "etcd":
	default:
		return fmt.Errorf("unknown registry kind %q", c.Registry.Kind)
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		return err
	}
	if _, err := loadbalance.New(c.Client.Policy); err != nil {
		return err
	}
	if c.Client.Retries < 0 {
		return fmt.Errorf("client.retries must not be negative, got %d", c.Client.Retries)
	}
	return nil
}

func (t Transport) options(logger *zap.Logger, m *metrics.Metrics) transport.Options {
	return transport.Options{
		MaxPayload:    t.MaxPayload,
		IdleTimeout:   t.IdleTimeout,
		MaxIdleProbes: t.MaxIdleProbes,
		WriteTimeout:  t.WriteTimeout,
		Logger:        logger,
		Metrics:       m,
	}
}

// ClientOptions returns the client settings and its router.
func (c *Config) ClientOptions(logger *zap.Logger, m *metrics.Metrics) (client.Options, loadbalance.Router, error) {
	cdc, err := codec.ParseCodecType(c.Client.Codec)
	if err != nil {
		return client.Options{}, nil, err
	}
	router, err := loadbalance.New(c.Client.Policy)
	if err != nil {
		return client.Options{}, nil, err
	}
	return client.Options{
		Codec:          cdc,
		Timeout:        c.Client.Timeout,
		Retries:        c.Client.Retries,
		RetryBaseDelay: c.Client.RetryBaseDelay,
		Invoker: invoker.Options{
			DialTimeout: c.Client.DialTimeout,
			Transport:   c.Client.Transport.options(logger, m),
		},
		Logger:  logger,
		Metrics: m,
	}, router, nil
}

func (c *Config) ServerOptions(logger *zap.Logger, m *metrics.Metrics) server.Options {
	t := c.Server.Transport
	return server.Options{
		MaxPayload:    t.MaxPayload,
		IdleTimeout:   t.IdleTimeout,
		MaxIdleProbes: t.MaxIdleProbes,
		WriteTimeout:  t.WriteTimeout,
		Weight:        c.Server.Weight,
		RegistryTTL:   c.Server.RegistryTTL,
		Logger:        logger,
		Metrics:       m,
	}
}
