package config

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

// UpstreamConfig describes the market-data REST API. Token, when set,
// takes precedence over TokenFile.
type UpstreamConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	TokenFile string        `mapstructure:"token_file"`
	Token     string        `mapstructure:"token"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type CacheConfig struct {
	CandleTTL time.Duration `mapstructure:"candle_ttl"`
	QuoteTTL  time.Duration `mapstructure:"quote_ttl"`
}

type ExecutorConfig struct {
	Workers           int           `mapstructure:"workers"`
	AdmissionCapacity int           `mapstructure:"admission_capacity"`
	AdmissionTimeout  time.Duration `mapstructure:"admission_timeout"`
	CallDeadline      time.Duration `mapstructure:"call_deadline"`
	Completion        string        `mapstructure:"completion"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type RelayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PeerURL        string        `mapstructure:"peer_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	SpikeExpiry    time.Duration `mapstructure:"spike_expiry"`
	ConsumerBuffer int           `mapstructure:"consumer_buffer"`
	Overflow       string        `mapstructure:"overflow"`
}

type HealthCheckConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Relay       RelayConfig       `mapstructure:"relay"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8081")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "20s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", false)

	v.SetDefault("upstream.base_url", "https://api.schwabapi.com/marketdata/v1")
	v.SetDefault("upstream.token_file", "tokens.json")
	v.SetDefault("upstream.token", "")
	v.SetDefault("upstream.token_ttl", "60s")
	v.SetDefault("upstream.timeout", "10s")

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "60s")

	v.SetDefault("cache.candle_ttl", "60s")
	v.SetDefault("cache.quote_ttl", "5s")

	v.SetDefault("executor.workers", 10)
	v.SetDefault("executor.admission_capacity", 5)
	v.SetDefault("executor.admission_timeout", "10s")
	v.SetDefault("executor.call_deadline", "15s")
	v.SetDefault("executor.completion", "poll")
	v.SetDefault("executor.poll_interval", "50ms")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_backoff", "30s")

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.peer_url", "ws://localhost:8080/ws/quotes")
	v.SetDefault("relay.reconnect_delay", "5s")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.pong_timeout", "60s")
	v.SetDefault("relay.spike_expiry", "30s")
	v.SetDefault("relay.consumer_buffer", 256)
	v.SetDefault("relay.overflow", "drop_oldest")

	v.SetDefault("health_check.url", "http://localhost:8080/api/streaming/quotes/status")
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.timeout", "5s")

	v.SetDefault("metrics.buffer_size", 1000)
}

// Load reads config.yaml from ./config or the working directory, then
// applies environment overrides (UPSTREAM_TOKEN_FILE, RELAY_PEER_URL, ...).
// A .env file in the working directory is loaded into the environment
// first; variables already set win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to read .env file", slog.String("error", err.Error()))
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(value interface{}) error {
			sc := value.(ServerConfig)
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Environment,
					validation.Required,
					validation.In(EnvDev, EnvStaging, EnvProd),
				),
				validation.Field(&sc.Address,
					validation.Required,
					validation.By(validateHostPort),
				),
				validation.Field(&sc.ReadTimeout, validation.By(positiveDuration)),
				validation.Field(&sc.WriteTimeout, validation.By(positiveDuration)),
				validation.Field(&sc.ShutdownTimeout, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc := value.(LoggingConfig)
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level,
					validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
				),
			)
		})),
		validation.Field(&c.Upstream, validation.By(func(value interface{}) error {
			uc := value.(UpstreamConfig)
			return validation.ValidateStruct(&uc,
				validation.Field(&uc.BaseURL,
					validation.Required,
					validation.By(validateURL("http", "https")),
				),
				validation.Field(&uc.TokenFile,
					validation.When(uc.Token == "", validation.Required.Error("is required unless upstream.token is set")),
				),
				validation.Field(&uc.TokenTTL, validation.By(positiveDuration)),
				validation.Field(&uc.Timeout, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Breaker, validation.By(func(value interface{}) error {
			bc := value.(BreakerConfig)
			return validation.ValidateStruct(&bc,
				validation.Field(&bc.FailureThreshold, validation.Required, validation.Min(1)),
				validation.Field(&bc.Cooldown, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Cache, validation.By(func(value interface{}) error {
			cc := value.(CacheConfig)
			return validation.ValidateStruct(&cc,
				validation.Field(&cc.CandleTTL, validation.By(positiveDuration)),
				validation.Field(&cc.QuoteTTL, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Executor, validation.By(func(value interface{}) error {
			ec := value.(ExecutorConfig)
			return validation.ValidateStruct(&ec,
				validation.Field(&ec.Workers, validation.Required, validation.Min(1)),
				validation.Field(&ec.AdmissionCapacity,
					validation.Required,
					validation.Min(1),
					validation.Max(ec.Workers).Error("must not exceed executor.workers"),
				),
				validation.Field(&ec.AdmissionTimeout, validation.By(positiveDuration)),
				validation.Field(&ec.CallDeadline, validation.By(positiveDuration)),
				validation.Field(&ec.Completion, validation.Required, validation.In("poll", "notify")),
				validation.Field(&ec.PollInterval, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Retry, validation.By(func(value interface{}) error {
			rc := value.(RetryConfig)
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.MaxAttempts, validation.Required, validation.Min(1)),
				validation.Field(&rc.BaseDelay, validation.By(positiveDuration)),
				validation.Field(&rc.MaxBackoff,
					validation.By(positiveDuration),
					validation.Min(rc.BaseDelay).Error("must not be shorter than retry.base_delay"),
				),
			)
		})),
		validation.Field(&c.Relay, validation.By(func(value interface{}) error {
			rc := value.(RelayConfig)
			if !rc.Enabled {
				return nil
			}
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.PeerURL,
					validation.Required,
					validation.By(validateURL("ws", "wss")),
				),
				validation.Field(&rc.ReconnectDelay, validation.By(positiveDuration)),
				validation.Field(&rc.PingInterval, validation.By(positiveDuration)),
				validation.Field(&rc.PongTimeout,
					validation.By(positiveDuration),
					validation.Min(rc.PingInterval).Exclusive().Error("must be longer than relay.ping_interval"),
				),
				validation.Field(&rc.SpikeExpiry, validation.By(positiveDuration)),
				validation.Field(&rc.ConsumerBuffer, validation.Required, validation.Min(1)),
				validation.Field(&rc.Overflow, validation.Required, validation.In("drop_oldest", "drop_newest")),
			)
		})),
		validation.Field(&c.HealthCheck, validation.By(func(value interface{}) error {
			hc := value.(HealthCheckConfig)
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.URL, validation.By(validateURL("http", "https"))),
				validation.Field(&hc.Interval, validation.By(positiveDuration)),
				validation.Field(&hc.Timeout, validation.By(positiveDuration)),
			)
		})),
		validation.Field(&c.Metrics, validation.By(func(value interface{}) error {
			mc := value.(MetricsConfig)
			return validation.ValidateStruct(&mc,
				validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
			)
		})),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if err := is.Port.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "invalid port")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func positiveDuration(value interface{}) error {
	d, ok := value.(time.Duration)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a duration")
	}

	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be a positive duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

// validateURL accepts an empty string; pair it with Required where needed.
func validateURL(schemes ...string) validation.RuleFunc {
	return func(value interface{}) error {
		raw, ok := value.(string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a string")
		}
		if raw == "" {
			return nil
		}

		parsedURL, err := url.Parse(raw)
		if err != nil {
			return validation.NewError("validation_invalid_url", "must be a valid URL")
		}

		allowed := false
		for _, scheme := range schemes {
			if parsedURL.Scheme == scheme {
				allowed = true
				break
			}
		}
		if !allowed {
			return validation.NewError("validation_invalid_scheme", "URL must use "+strings.Join(schemes, " or ")+" scheme")
		}

		if parsedURL.Host == "" {
			return validation.NewError("validation_missing_host", "URL must have a host")
		}

		return nil
	}
}
