package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override,
// e.g. MICROSSERVICO02_SERVER_PORT.
const EnvPrefix = "MICROSSERVICO02"

// Registry backend names accepted in discovery.registries.
const (
	RegistryEureka   = "eureka"
	RegistryRedis    = "redis"
	RegistryNATS     = "nats"
	RegistryPostgres = "postgres"
	RegistryStatic   = "static"
)

var knownRegistries = map[string]bool{
	RegistryEureka:   true,
	RegistryRedis:    true,
	RegistryNATS:     true,
	RegistryPostgres: true,
	RegistryStatic:   true,
}

// Config is the root configuration for microsservico02.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
}

// DiscoveryConfig controls how this process announces itself to the
// service registries listed in Registries.
type DiscoveryConfig struct {
	Enabled           bool              `mapstructure:"enabled"`
	ServiceName       string            `mapstructure:"service_name"`
	InstanceID        string            `mapstructure:"instance_id"`
	Host              string            `mapstructure:"host"`
	PreferIPAddress   bool              `mapstructure:"prefer_ip_address"`
	Port              int               `mapstructure:"port"`
	Secure            bool              `mapstructure:"secure"`
	Metadata          map[string]string `mapstructure:"metadata"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
	LeaseDuration     time.Duration     `mapstructure:"lease_duration"`
	DeregisterTimeout time.Duration     `mapstructure:"deregister_timeout"`
	Registries        []string          `mapstructure:"registries"`

	Eureka   EurekaConfig   `mapstructure:"eureka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Static   StaticConfig   `mapstructure:"static"`
}

type EurekaConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// StaticConfig lists fixed instance URLs per service name.
type StaticConfig struct {
	Services map[string][]string `mapstructure:"services"`
}

// HasRegistry reports whether name is one of the configured registries.
func (d DiscoveryConfig) HasRegistry(name string) bool {
	for _, r := range d.Registries {
		if r == name {
			return true
		}
	}
	return false
}

// Load reads config from the optional YAML file at path, overlays environment
// variables with the MICROSSERVICO02_ prefix, then applies overrides in
// key=value form (e.g. "server.port=9090"), which win over everything else.
// A .env file in the working directory is loaded into the environment first.
func Load(path string, overrides []string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	for _, o := range overrides {
		key, val, ok := strings.Cut(o, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: want key=value", o)
		}
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are left untouched.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	d := c.Discovery
	if !d.Enabled {
		return nil
	}
	if strings.TrimSpace(d.ServiceName) == "" {
		return errors.New("discovery.service_name is required")
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("discovery.port %d out of range", d.Port)
	}
	if len(d.Registries) == 0 {
		return errors.New("discovery.registries must name at least one registry")
	}
	for _, r := range d.Registries {
		if !knownRegistries[r] {
			return fmt.Errorf("unknown registry %q", r)
		}
	}
	if d.HeartbeatInterval <= 0 {
		return errors.New("discovery.heartbeat_interval must be positive")
	}
	if d.HeartbeatInterval >= d.LeaseDuration {
		return fmt.Errorf("discovery.heartbeat_interval (%s) must be shorter than discovery.lease_duration (%s)",
			d.HeartbeatInterval, d.LeaseDuration)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "microsservico02")
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.service_name", "microsservico02")
	v.SetDefault("discovery.instance_id", "")
	v.SetDefault("discovery.host", "")
	v.SetDefault("discovery.prefer_ip_address", false)
	v.SetDefault("discovery.port", 0)
	v.SetDefault("discovery.secure", false)
	v.SetDefault("discovery.heartbeat_interval", 30*time.Second)
	v.SetDefault("discovery.lease_duration", 90*time.Second)
	v.SetDefault("discovery.deregister_timeout", 10*time.Second)
	v.SetDefault("discovery.registries", []string{RegistryEureka})

	v.SetDefault("discovery.eureka.url", "http://localhost:8761/eureka")
	v.SetDefault("discovery.eureka.timeout", 5*time.Second)

	v.SetDefault("discovery.redis.host", "localhost")
	v.SetDefault("discovery.redis.port", 6379)
	v.SetDefault("discovery.redis.db", 0)
	v.SetDefault("discovery.redis.key_prefix", "discovery")

	v.SetDefault("discovery.nats.url", "nats://localhost:4222")
	v.SetDefault("discovery.nats.bucket", "service-registry")

	v.SetDefault("discovery.postgres.host", "localhost")
	v.SetDefault("discovery.postgres.port", 5432)
	v.SetDefault("discovery.postgres.user", "discovery")
	v.SetDefault("discovery.postgres.db", "discovery")
	v.SetDefault("discovery.postgres.ssl_mode", "disable")
	v.SetDefault("discovery.postgres.max_conns", 4)
}
