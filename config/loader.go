// Package config loads the gateway's configuration from defaults, then an
// optional YAML file, then environment variables, in that priority order —
// the same Builder-style loader shape the teacher repo uses for its own
// configuration.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("gateway.yaml").
//	    WithEnvPrefix("SESSIONGATE").
//	    Load()
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oxbow-labs/sessiongate/pool"
	"github.com/oxbow-labs/sessiongate/session"
)

// Config is the gateway's complete configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Session   SessionConfig   `yaml:"session" env:"SESSION"`
	Pool      PoolConfig      `yaml:"pool" env:"POOL"`
	Acquirer  AcquirerConfig  `yaml:"acquirer" env:"ACQUIRER"`
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the gateway's HTTP surface.
type ServerConfig struct {
	ListenPort      int           `yaml:"listen_port" env:"LISTEN_PORT"`
	AuthToken       string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	SkipAuth        bool          `yaml:"skip_auth" env:"SKIP_AUTH"`
	AnonymousMode   bool          `yaml:"anonymous_mode" env:"ANONYMOUS_MODE"`
	RequestDeadline time.Duration `yaml:"request_deadline" env:"REQUEST_DEADLINE"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// SessionConfig configures the Session Store.
type SessionConfig struct {
	Dir    string        `yaml:"dir" env:"DIR"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
	KeyHex string        `yaml:"key_hex" env:"KEY_HEX"`
}

// PoolConfig configures the Token Pool shared across providers.
type PoolConfig struct {
	Strategy         string        `yaml:"strategy" env:"STRATEGY"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	PostgresDSN      string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	RedisAddr        string        `yaml:"redis_addr" env:"REDIS_ADDR"`
}

// AcquirerConfig configures browser-driven session acquisition.
type AcquirerConfig struct {
	CaptchaService string        `yaml:"captcha_service" env:"CAPTCHA_SERVICE"`
	CaptchaAPIKey  string        `yaml:"captcha_api_key" env:"CAPTCHA_API_KEY"`
	Headless       bool          `yaml:"headless" env:"HEADLESS"`
	PoolSize       int           `yaml:"pool_size" env:"POOL_SIZE"`
	NavTimeout     time.Duration `yaml:"nav_timeout" env:"NAV_TIMEOUT"`
}

// ProvidersConfig holds per-provider credential/endpoint configuration.
type ProvidersConfig struct {
	GLM  ProviderEntry `yaml:"glm" env:"GLM"`
	Qwen ProviderEntry `yaml:"qwen" env:"QWEN"`
	K2   ProviderEntry `yaml:"k2" env:"K2"`
}

// ProviderEntry is the shared per-provider config shape: base URL, default
// model, a fallback API key for deployments that skip browser auth, and the
// login account the Session Acquirer drives the provider's web chat with.
type ProviderEntry struct {
	BaseURL    string `yaml:"base_url" env:"BASE_URL"`
	Model      string `yaml:"model" env:"MODEL"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	AllowGuest bool   `yaml:"allow_guest" env:"ALLOW_GUEST"`
	Email      string `yaml:"email" env:"EMAIL"`
	Password   string `yaml:"password" env:"PASSWORD"`
}

// LogConfig configures zap logging.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Debug      bool   `yaml:"debug" env:"DEBUG"`
	JSONFormat bool   `yaml:"json_format" env:"JSON_FORMAT"`
}

// TelemetryConfig configures otel tracing and Prometheus metrics.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	MetricsPort  int     `yaml:"metrics_port" env:"METRICS_PORT"`
}

// DefaultConfig returns the gateway's zero-config defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenPort:      8080,
			RequestDeadline: 120 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Session: SessionConfig{
			Dir: "./data/sessions",
			TTL: 12 * time.Hour,
		},
		Pool: PoolConfig{
			Strategy:         "priority",
			FailureThreshold: 3,
			RecoveryTimeout:  5 * time.Minute,
		},
		Acquirer: AcquirerConfig{
			Headless:   true,
			PoolSize:   2,
			NavTimeout: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			MetricsPort: 9090,
		},
	}
}

// Loader loads a Config from layered sources (Builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader constructs a Loader with the gateway's default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "SESSIONGATE", validators: make([]func(*Config) error, 0)}
}

// WithConfigPath sets the YAML file to layer over the defaults.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator registers a post-load validation hook.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves defaults, then the YAML file (if any), then environment
// variables, then runs any registered validators.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads a Config from path, panicking on failure — for startup
// paths where a bad config should fail fast.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads a Config from environment variables only, with no
// backing YAML file.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the subset of fields that would otherwise fail in
// confusing ways deep inside the Session Store, Token Pool, or HTTP server.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		errs = append(errs, "invalid listen_port")
	}
	if !c.Server.SkipAuth && c.Server.AuthToken == "" && !c.Server.AnonymousMode {
		errs = append(errs, "auth_token is required unless skip_auth or anonymous_mode is set")
	}
	if c.Session.Dir == "" {
		errs = append(errs, "session.dir must not be empty")
	}
	if c.Session.KeyHex != "" {
		if _, err := hex.DecodeString(c.Session.KeyHex); err != nil {
			errs = append(errs, "session.key_hex is not valid hex")
		}
	}
	if c.Pool.FailureThreshold <= 0 {
		errs = append(errs, "pool.failure_threshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SessionStoreConfig derives the session.Store configuration, decoding
// KeyHex into the raw secretbox key session.Config expects.
func (c *SessionConfig) SessionStoreConfig() (session.Config, error) {
	cfg := session.Config{Dir: c.Dir}
	if c.KeyHex == "" {
		return cfg, nil
	}
	key, err := hex.DecodeString(c.KeyHex)
	if err != nil {
		return session.Config{}, fmt.Errorf("decoding session.key_hex: %w", err)
	}
	cfg.Key = key
	return cfg, nil
}

// PoolConfig converts to the pool package's Config, falling back to its
// documented defaults for an unset strategy.
func (c *PoolConfig) ToPoolConfig() pool.Config {
	strategy := pool.Strategy(c.Strategy)
	if strategy == "" {
		strategy = pool.StrategyPriority
	}
	return pool.Config{
		Strategy:         strategy,
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
	}
}
