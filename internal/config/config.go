package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the API process.
type Config struct {
	Env      string `yaml:"env" env:"NBIHAK_ENV" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"NBIHAK_LOG_LEVEL" env-default:"info"`

	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	DB        DB        `yaml:"db"`
	Auth      Auth      `yaml:"auth"`
	Password  Password  `yaml:"password"`
	Redis     Redis     `yaml:"redis"`
	AMQP      AMQP      `yaml:"amqp"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type HTTP struct {
	Address         string        `yaml:"address" env:"NBIHAK_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"NBIHAK_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"NBIHAK_HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"NBIHAK_HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"NBIHAK_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"NBIHAK_HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	// Cookies are always Secure outside of local development.
	CookieSecure   bool     `yaml:"cookie_secure" env:"NBIHAK_COOKIE_SECURE" env-default:"true"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"NBIHAK_ALLOWED_ORIGINS" env-separator:","`
}

type GRPC struct {
	Address string `yaml:"address" env:"NBIHAK_GRPC_ADDR" env-default:":9090"`
}

type DB struct {
	DSN             string        `yaml:"dsn" env:"NBIHAK_PG_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"NBIHAK_PG_MAX_OPEN_CONNS" env-default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"NBIHAK_PG_MAX_IDLE_CONNS" env-default:"25"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"NBIHAK_PG_CONN_MAX_LIFETIME" env-default:"15m"`
	// StorageTimeout bounds every storage call made by the session service.
	StorageTimeout time.Duration `yaml:"storage_timeout" env:"NBIHAK_STORAGE_TIMEOUT" env-default:"3s"`
	AuditTimeout   time.Duration `yaml:"audit_timeout" env:"NBIHAK_AUDIT_TIMEOUT" env-default:"5s"`
}

type Auth struct {
	Issuer     string        `yaml:"issuer" env:"NBIHAK_JWT_ISSUER" env-default:"nbihak"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"NBIHAK_ACCESS_TTL" env-default:"15m"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"NBIHAK_REFRESH_TTL" env-default:"168h"`
	KeyID      string        `yaml:"key_id" env:"NBIHAK_JWT_KID" env-default:"primary"`
	// Either the RS256 pair or the HS256 secret must be set.
	PrivateKeyPEM string `yaml:"private_key_pem" env:"NBIHAK_JWT_PRIVATE_KEY"`
	PublicKeyPEM  string `yaml:"public_key_pem" env:"NBIHAK_JWT_PUBLIC_KEY"`
	Secret        string `yaml:"secret" env:"NBIHAK_JWT_SECRET"`
	// Retired verification keys, formatted kid=secret and comma separated.
	PreviousSecrets []string `yaml:"previous_secrets" env:"NBIHAK_JWT_PREVIOUS_SECRETS" env-separator:","`
	DefaultRole     string   `yaml:"default_role" env:"NBIHAK_DEFAULT_ROLE" env-default:"user"`
}

type Password struct {
	Time      uint32 `yaml:"time" env:"NBIHAK_PASSWORD_TIME" env-default:"3"`
	MemoryKiB uint32 `yaml:"memory_kib" env:"NBIHAK_PASSWORD_MEMORY_KIB" env-default:"65536"`
	Threads   uint8  `yaml:"threads" env:"NBIHAK_PASSWORD_THREADS" env-default:"2"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"NBIHAK_REDIS_ADDR"`
	Password string `yaml:"password" env:"NBIHAK_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"NBIHAK_REDIS_DB" env-default:"0"`
}

type AMQP struct {
	URL      string `yaml:"url" env:"NBIHAK_AMQP_URL"`
	Exchange string `yaml:"exchange" env:"NBIHAK_AMQP_EXCHANGE" env-default:"nbihak.security"`
}

type RateLimit struct {
	Burst          int           `yaml:"burst" env:"NBIHAK_RATE_BURST" env-default:"50"`
	PerSecond      int           `yaml:"per_second" env:"NBIHAK_RATE_PER_SECOND" env-default:"20"`
	LoginCapacity  int           `yaml:"login_capacity" env:"NBIHAK_LOGIN_CAPACITY" env-default:"5"`
	LoginInterval  time.Duration `yaml:"login_interval" env:"NBIHAK_LOGIN_INTERVAL" env-default:"1m"`
	LoginKeyPrefix string        `yaml:"login_key_prefix" env:"NBIHAK_LOGIN_KEY_PREFIX" env-default:"nbihak:login"`
}

// Load reads an optional .env file, then path (YAML) when given, then the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	var err error
	if strings.TrimSpace(path) != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for process start-up.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

// Validate rejects configurations the session core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Auth.AccessTTL <= 0:
		return errors.New("config: access ttl must be positive")
	case c.Auth.RefreshTTL <= c.Auth.AccessTTL:
		return errors.New("config: refresh ttl must exceed access ttl")
	case !c.HasRS256() && strings.TrimSpace(c.Auth.Secret) == "":
		return errors.New("config: signing key required (NBIHAK_JWT_PRIVATE_KEY/NBIHAK_JWT_PUBLIC_KEY or NBIHAK_JWT_SECRET)")
	case c.Password.Time == 0 || c.Password.MemoryKiB == 0 || c.Password.Threads == 0:
		return errors.New("config: password work factor must be positive")
	}
	return nil
}

// HasRS256 reports whether an asymmetric signing pair was supplied.
func (c *Config) HasRS256() bool {
	return strings.TrimSpace(c.Auth.PrivateKeyPEM) != "" && strings.TrimSpace(c.Auth.PublicKeyPEM) != ""
}

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}
