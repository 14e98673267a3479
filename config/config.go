package config

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/tile-proxy/internal/network"
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

const (
	CacheModeNone   = "none"
	CacheModeMemory = "memory"
	CacheModeRedis  = "redis"
)

var (
	mccPattern    = regexp.MustCompile(`^\d{3}$`)
	regionPattern = regexp.MustCompile(`^[a-z]{2}$`)
	statusPattern = regexp.MustCompile(`^\d{3}(-\d{3})?$`)
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TTLRule keeps responses whose status is in Statuses ("200-299" or "404") for TTL.
type TTLRule struct {
	Statuses string `mapstructure:"statuses"`
	TTL      string `mapstructure:"ttl"`
}

type CacheConfig struct {
	Mode            string    `mapstructure:"mode"`
	MaxEntries      int       `mapstructure:"max_entries"`
	MaxBodySize     int64     `mapstructure:"max_body_size"`
	RedisAddr       string    `mapstructure:"redis_addr"`
	RedisPrefix     string    `mapstructure:"redis_prefix"`
	CacheEverything bool      `mapstructure:"cache_everything"`
	TTLByStatus     []TTLRule `mapstructure:"ttl_by_status"`
}

type StorageConfig struct {
	Scheme          string      `mapstructure:"scheme"`
	Host            string      `mapstructure:"host"`
	Bucket          string      `mapstructure:"bucket"`
	ValidatorHeader string      `mapstructure:"validator_header"`
	Timeout         string      `mapstructure:"timeout"`
	HealthObject    string      `mapstructure:"health_object"`
	HealthInterval  string      `mapstructure:"health_interval"`
	Cache           CacheConfig `mapstructure:"cache"`
}

type ResponseConfig struct {
	CacheMaxAge       int    `mapstructure:"cache_max_age"`
	CORSMaxAge        int    `mapstructure:"cors_max_age"`
	AllowOrigin       string `mapstructure:"allow_origin"`
	AllowMethods      string `mapstructure:"allow_methods"`
	AllowHeaders      string `mapstructure:"allow_headers"`
	PlaceholderETag   string `mapstructure:"placeholder_etag"`
	UpstreamErrorETag string `mapstructure:"upstream_error_etag"`
}

type CircuitBreakerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
	Timeout          string `mapstructure:"timeout"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

type MetricsConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	PublicDomain   string               `mapstructure:"public_domain"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Response       ResponseConfig       `mapstructure:"response"`
	Networks       map[string]string    `mapstructure:"networks"`
	Regions        map[string]string    `mapstructure:"regions"`
	Versions       map[string]string    `mapstructure:"versions"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("public_domain", "coveragetiles.com")

	v.SetDefault("storage.scheme", "https")
	v.SetDefault("storage.host", "f003.backblazeb2.com")
	v.SetDefault("storage.bucket", "coverage-map-archive-eu")
	v.SetDefault("storage.validator_header", "X-Bz-Content-Sha1")
	v.SetDefault("storage.timeout", "10s")
	v.SetDefault("storage.health_object", "256_blank_tile.png")
	v.SetDefault("storage.health_interval", "30s")
	v.SetDefault("storage.cache.mode", CacheModeMemory)
	v.SetDefault("storage.cache.max_entries", 10000)
	v.SetDefault("storage.cache.max_body_size", 1<<20)
	v.SetDefault("storage.cache.redis_addr", "localhost:6379")
	v.SetDefault("storage.cache.redis_prefix", "tiles:")
	v.SetDefault("storage.cache.cache_everything", true)
	v.SetDefault("storage.cache.ttl_by_status", []map[string]string{
		{"statuses": "200-299", "ttl": "86400s"},
		{"statuses": "404", "ttl": "120s"},
		{"statuses": "500-599", "ttl": "0s"},
	})

	v.SetDefault("response.cache_max_age", 86400)
	v.SetDefault("response.cors_max_age", 86400)
	v.SetDefault("response.allow_origin", "*")
	v.SetDefault("response.allow_methods", "GET")
	v.SetDefault("response.allow_headers", "Content-Type")
	v.SetDefault("response.placeholder_etag", "blank-tile-v1")
	v.SetDefault("response.upstream_error_etag", "502-v1")

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.timeout", "30s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "tile-proxy")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.buffer_size", 1000)
}

// Load reads file, or config.yaml from ./config or the working directory when
// file is empty. Environment variables override file values, e.g.
// SERVER_ADDRESS or STORAGE_CACHE_MODE.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
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

	if len(cfg.Networks) == 0 {
		cfg.Networks = network.DefaultNetworks()
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = network.DefaultRegions()
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
					validation.Field(&lc.MaxSizeMB, validation.Min(0)),
					validation.Field(&lc.MaxBackups, validation.Min(0)),
					validation.Field(&lc.MaxAgeDays, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.PublicDomain,
			validation.Required,
			is.Domain,
		),
		validation.Field(&c.Storage,
			validation.Required,
			validation.By(validateStorageConfig),
		),
		validation.Field(&c.Response,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(ResponseConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ResponseConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.CacheMaxAge, validation.Min(0)),
					validation.Field(&rc.CORSMaxAge, validation.Min(0)),
					validation.Field(&rc.PlaceholderETag, validation.Required),
					validation.Field(&rc.UpstreamErrorETag,
						validation.Required,
						validation.NotIn(rc.PlaceholderETag).Error("must differ from the placeholder ETag"),
					),
				)
			}),
		),
		validation.Field(&c.Networks,
			validation.Required,
			validation.By(validateTable(network.IdentifierPattern, nil)),
		),
		validation.Field(&c.Regions,
			validation.Required,
			validation.By(validateTable(mccPattern, regionPattern)),
		),
		validation.Field(&c.Versions,
			validation.Required,
			validation.By(validateTable(network.IdentifierPattern, nil)),
		),
		validation.Field(&c.CircuitBreaker,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				if !cb.Enabled {
					return nil
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&cb.Timeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Tracing,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TracingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TracingConfig")
				}
				if !tc.Enabled {
					return nil
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.Endpoint, validation.Required, validation.By(validateHostPort)),
					validation.Field(&tc.SampleRate, validation.Min(0.0), validation.Max(1.0)),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				if !mc.Enabled {
					return nil
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.BufferSize, validation.Required, validation.Min(1)),
				)
			}),
		),
	)
}

func validateStorageConfig(value interface{}) error {
	sc, ok := value.(StorageConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a StorageConfig")
	}

	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Scheme,
			validation.Required,
			validation.In("http", "https"),
		),
		validation.Field(&sc.Host,
			validation.Required,
			validation.By(validateStorageHost),
		),
		validation.Field(&sc.Bucket, validation.Required),
		validation.Field(&sc.ValidatorHeader, validation.Required),
		validation.Field(&sc.Timeout,
			validation.Required,
			validation.By(validateDuration),
		),
		validation.Field(&sc.HealthInterval,
			validation.By(validateDuration),
		),
		validation.Field(&sc.Cache,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CacheConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CacheConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.Mode,
						validation.Required,
						validation.In(CacheModeNone, CacheModeMemory, CacheModeRedis),
					),
					validation.Field(&cc.MaxEntries,
						validation.When(cc.Mode == CacheModeMemory, validation.Required, validation.Min(1)),
					),
					validation.Field(&cc.MaxBodySize, validation.Min(int64(0))),
					validation.Field(&cc.RedisAddr,
						validation.When(cc.Mode == CacheModeRedis, validation.Required, validation.By(validateHostPort)),
					),
					validation.Field(&cc.TTLByStatus,
						validation.Each(validation.By(validateTTLRule)),
					),
				)
			}),
		),
	)
}

// validateStorageHost accepts a host with an optional port.
func validateStorageHost(value interface{}) error {
	host, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if err := is.Host.Validate(host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid host")
	}

	return nil
}

// validateTable checks every key against keys and, when given, every value
// against values. Values must never be empty.
func validateTable(keys, values *regexp.Regexp) validation.RuleFunc {
	return func(value interface{}) error {
		table, ok := value.(map[string]string)
		if !ok {
			return validation.NewError("validation_invalid_type", "must be a map of strings")
		}

		for k, v := range table {
			if !keys.MatchString(k) {
				return validation.NewError("validation_invalid_key", fmt.Sprintf("invalid key %q", k))
			}
			if v == "" {
				return validation.NewError("validation_empty_value", fmt.Sprintf("empty value for %q", k))
			}
			if values != nil && !values.MatchString(v) {
				return validation.NewError("validation_invalid_value", fmt.Sprintf("invalid value %q for %q", v, k))
			}
		}

		return nil
	}
}

func validateTTLRule(value interface{}) error {
	rule, ok := value.(TTLRule)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a TTLRule")
	}

	return validation.ValidateStruct(&rule,
		validation.Field(&rule.Statuses,
			validation.Required,
			validation.By(func(value interface{}) error {
				if _, _, err := ParseStatusRange(value.(string)); err != nil {
					return validation.NewError("validation_invalid_status_range", err.Error())
				}
				return nil
			}),
		),
		validation.Field(&rule.TTL,
			validation.Required,
			validation.By(validateDuration),
		),
	)
}

// ParseStatusRange parses "404" or "200-299".
func ParseStatusRange(s string) (from, to int, err error) {
	if !statusPattern.MatchString(s) {
		return 0, 0, fmt.Errorf("status range %q must look like 404 or 200-299", s)
	}

	lo, hi, found := strings.Cut(s, "-")
	from, _ = strconv.Atoi(lo)
	to = from
	if found {
		to, _ = strconv.Atoi(hi)
	}

	if from < 100 || to > 599 || from > to {
		return 0, 0, fmt.Errorf("status range %q out of order or outside 100-599", s)
	}

	return from, to, nil
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

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if durationStr == "" {
		return nil
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

// Duration parses a validated duration field, returning fallback when empty.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
