// Package config loads service configuration from the environment with an
// optional YAML overlay, keeping every tunable in one place.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Postgres holds database connection settings.
type Postgres struct {
	// DSN takes precedence when set; otherwise a DSN is assembled from the
	// individual fields.
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	MinConns int32  `mapstructure:"min_conns"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConnString returns the pgx connection string for these settings.
func (p Postgres) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// Kafka holds broker connection and topic routing settings.
type Kafka struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// Outbox holds drain loop tunables.
type Outbox struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PublishRate  float64       `mapstructure:"publish_rate"`
}

// Telemetry holds tracing and metrics exporter settings.
type Telemetry struct {
	ServiceName      string  `mapstructure:"service_name"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio"`
	Enabled          bool    `mapstructure:"enabled"`
}

// Config is the root configuration for the outbox and replay services.
type Config struct {
	Postgres  Postgres  `mapstructure:"postgres"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Outbox    Outbox    `mapstructure:"outbox"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Load reads configuration from environment variables (prefixed OUTBOX_, with
// dots mapped to underscores, e.g. OUTBOX_POSTGRES_HOST) layered over an
// optional YAML file. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.database", "eventlog")
	v.SetDefault("postgres.min_conns", 5)
	v.SetDefault("postgres.max_conns", 20)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "domain-events")
	v.SetDefault("kafka.client_id", "outbox-dispatcher")

	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.publish_rate", 0.0)

	v.SetDefault("telemetry.service_name", "outbox-dispatcher")
	v.SetDefault("telemetry.exporter_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
	v.SetDefault("telemetry.enabled", false)

	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
