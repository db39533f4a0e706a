package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Realtime drivers
const (
	RealtimeNATS     = "nats"
	RealtimePostgres = "postgres"
	RealtimeMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
	Database  Database  `yaml:"database"`
	Gateway   Gateway   `yaml:"gateway"`
	Realtime  Realtime  `yaml:"realtime"`
	S3        S3        `yaml:"s3"`
	Sync      Sync      `yaml:"sync"`
	Scheduler Scheduler `yaml:"scheduler"`
}

// Server holds HTTP server configuration
type Server struct {
	Host           string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port           string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"SERVER_ALLOWED_ORIGINS" env-default:"*" env-separator:","`
	RateLimit      int           `yaml:"rate_limit" env:"SERVER_RATE_LIMIT" env-default:"300"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Log holds logger configuration
type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Database holds database configuration
type Database struct {
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	// Connection pool settings
	MaxOpenConns int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DB_CONN_LIFETIME" env-default:"5m"`
}

// Gateway holds messaging gateway configuration
type Gateway struct {
	BaseURL string        `yaml:"base_url" env:"GATEWAY_BASE_URL" env-default:"http://localhost:3001/api"`
	Token   string        `yaml:"token" env:"GATEWAY_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"GATEWAY_TIMEOUT" env-default:"30s"`
}

// Realtime holds change feed configuration
type Realtime struct {
	Driver          string `yaml:"driver" env:"REALTIME_DRIVER" env-default:"postgres"`
	NATSURL         string `yaml:"nats_url" env:"NATS_URL" env-default:"nats://localhost:4222"`
	NATSToken       string `yaml:"nats_token" env:"NATS_TOKEN"`
	SubjectPrefix   string `yaml:"subject_prefix" env:"NATS_SUBJECT_PREFIX" env-default:"inbox"`
	PostgresChannel string `yaml:"postgres_channel" env:"REALTIME_PG_CHANNEL" env-default:"inbox_changes"`
}

// S3 holds S3/MinIO storage configuration
type S3 struct {
	Endpoint        string `yaml:"endpoint" env:"S3_ENDPOINT" env-default:"http://localhost:9000"`
	AccessKeyID     string `yaml:"access_key_id" env:"S3_ACCESS_KEY_ID" env-default:"minioadmin"`
	SecretAccessKey string `yaml:"secret_access_key" env:"S3_SECRET_ACCESS_KEY" env-default:"minioadmin"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET" env-default:"media"`
	Region          string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	PublicURL       string `yaml:"public_url" env:"S3_PUBLIC_URL" env-default:"http://localhost:9000/media"`
	Prefix          string `yaml:"prefix" env:"S3_PREFIX" env-default:"chat"`
}

// Sync holds conversation sync settings
type Sync struct {
	PageSize        int           `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"10"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"SYNC_REFRESH_INTERVAL" env-default:"1s"`
	Timezone        string        `yaml:"timezone" env:"SYNC_TIMEZONE" env-default:"America/Sao_Paulo"`
}

// Location resolves the display timezone, falling back to UTC
func (s Sync) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Scheduler holds scheduler configuration
type Scheduler struct {
	Enabled        bool          `yaml:"enabled" env:"SCHEDULER_ENABLED" env-default:"true"`
	AvatarInterval time.Duration `yaml:"avatar_interval" env:"SCHEDULER_AVATAR_INTERVAL" env-default:"30s"`
	AvatarBatch    int           `yaml:"avatar_batch" env:"SCHEDULER_AVATAR_BATCH" env-default:"20"`
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
