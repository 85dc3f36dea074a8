package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	AdminToken        string        `yaml:"adminToken"`
	BaseURL           string        `yaml:"baseURL"` // used for chart links in HTML badges
	Version           string        `yaml:"version"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites them.
	TrustProxy bool `yaml:"trustProxy"`

	DB        DBConfig        `yaml:"db"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Geo       GeoConfig       `yaml:"geo"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`

	ExcludedKeys []string `yaml:"excludedKeys"`
}

type DBConfig struct {
	Driver       string `yaml:"driver"` // sqlite3 or postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// RetentionConfig bounds how long access events are kept. Totals are never pruned.
type RetentionConfig struct {
	Window        time.Duration `yaml:"window"`
	PruneInterval time.Duration `yaml:"pruneInterval"`
	PruneOnWrite  bool          `yaml:"pruneOnWrite"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"` // 0 disables
	Burst int     `yaml:"burst"`
}

type GeoConfig struct {
	Provider string        `yaml:"provider"` // none, countryis, maxmind
	Endpoint string        `yaml:"endpoint"`
	DBPath   string        `yaml:"dbPath"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
	Buckets  []string      `yaml:"buckets"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty keeps the geo cache in memory
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // empty disables hit events
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultBuckets is the country allow-list used when none is configured.
var DefaultBuckets = []string{
	"US", "CN", "IN", "DE", "GB", "FR", "JP", "BR", "RU", "CA",
	"KR", "AU", "NL", "ES", "IT", "ID", "MX", "TR", "PL", "SE",
}

func Default() Config {
	return Config{
		Port:              8080,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Version:           "dev",
		DB: DBConfig{
			Driver:       "sqlite3",
			DSN:          "file:hitcounter.db?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
			MaxOpenConns: 25,
		},
		Retention: RetentionConfig{
			Window:        180 * 24 * time.Hour,
			PruneInterval: time.Hour,
			PruneOnWrite:  true,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		Geo: GeoConfig{
			Provider: "none",
			Endpoint: "https://api.country.is",
			Timeout:  500 * time.Millisecond,
			CacheTTL: 24 * time.Hour,
			Buckets:  append([]string(nil), DefaultBuckets...),
		},
		Kafka: KafkaConfig{
			Topic: "hits",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		ExcludedKeys: []string{"favicon.ico"},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getlist(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load builds the configuration from defaults, an optional YAML file at path,
// and environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getint("PORT", cfg.Port)
	cfg.AdminToken = getenv("ADMIN_TOKEN", cfg.AdminToken)
	cfg.BaseURL = getenv("BASE_URL", cfg.BaseURL)
	cfg.Version = getenv("VERSION", cfg.Version)
	cfg.TrustProxy = getbool("TRUST_PROXY", cfg.TrustProxy)

	cfg.DB.Driver = getenv("DB_DRIVER", cfg.DB.Driver)
	cfg.DB.DSN = getenv("DB_DSN", cfg.DB.DSN)
	cfg.DB.MaxOpenConns = getint("DB_MAX_OPEN_CONNS", cfg.DB.MaxOpenConns)

	cfg.Retention.Window = getduration("RETENTION", cfg.Retention.Window)
	cfg.Retention.PruneInterval = getduration("PRUNE_INTERVAL", cfg.Retention.PruneInterval)
	cfg.Retention.PruneOnWrite = getbool("PRUNE_ON_WRITE", cfg.Retention.PruneOnWrite)

	cfg.RateLimit.RPS = getfloat("RATE_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = getint("RATE_BURST", cfg.RateLimit.Burst)

	cfg.Geo.Provider = getenv("GEO_PROVIDER", cfg.Geo.Provider)
	cfg.Geo.Endpoint = getenv("GEO_ENDPOINT", cfg.Geo.Endpoint)
	cfg.Geo.DBPath = getenv("GEO_DB_PATH", cfg.Geo.DBPath)
	cfg.Geo.Timeout = getduration("GEO_TIMEOUT", cfg.Geo.Timeout)
	cfg.Geo.CacheTTL = getduration("GEO_CACHE_TTL", cfg.Geo.CacheTTL)
	cfg.Geo.Buckets = getlist("GEO_BUCKETS", cfg.Geo.Buckets)

	cfg.Redis.Addr = getenv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getint("REDIS_DB", cfg.Redis.DB)

	cfg.Kafka.Brokers = getlist("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getenv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Logging.Level = getenv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getbool("LOG_PRETTY", cfg.Logging.Pretty)

	cfg.ExcludedKeys = getlist("EXCLUDED_KEYS", cfg.ExcludedKeys)
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported db driver %q", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db dsn is empty"))
	}
	if c.Retention.Window <= 0 {
		errs = append(errs, errors.New("retention window must be positive"))
	}
	switch c.Geo.Provider {
	case "none", "countryis":
	case "maxmind":
		if c.Geo.DBPath == "" {
			errs = append(errs, errors.New("geo provider maxmind requires a db path"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported geo provider %q", c.Geo.Provider))
	}
	if c.Geo.Timeout <= 0 {
		errs = append(errs, errors.New("geo timeout must be positive"))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate limit rps must not be negative"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is empty"))
	}
	return errors.Join(errs...)
}
