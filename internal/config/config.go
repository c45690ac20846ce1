// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
)

// Replication policies.
const (
	ReplicationThreshold = "threshold"
	ReplicationDynamic   = "dynamic"
)

// Config holds peer-broker configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL. Empty runs without the API and
	// without delivery events, which only works with the memory broker.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"peer-broker"`

	// Broker transport (memory|nats) and the subject prefix of NATS channels.
	BrokerKind          string `envconfig:"BROKER_KIND" default:"memory"`
	BrokerSubjectPrefix string `envconfig:"BROKER_SUBJECT_PREFIX" default:"peerbroker"`

	// Subjects
	APISubject           string `envconfig:"API_SUBJECT" default:"peerbroker.api.v1"`
	DeliveryEventSubject string `envconfig:"DELIVERY_EVENT_SUBJECT" default:"peerbroker.delivery"`

	// Timeouts
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	DeliveryTimeout time.Duration `envconfig:"DELIVERY_TIMEOUT" default:"30s"`
	PullInterval    time.Duration `envconfig:"PULL_INTERVAL" default:"1s"`
	ShutdownGrace   time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`

	// Peer directory file (empty = default search locations)
	DirectoryFile string `envconfig:"PEERBROKER_DIRECTORY_FILE"`

	// Database (empty = in-memory stores and the directory file)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`
	SeedFile      string `envconfig:"SEED_FILE"`

	// HTTP health and metrics endpoints (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Input channel replication
	ReplicationPolicy   string        `envconfig:"REPLICATION_POLICY" default:"threshold"`
	ReplicationInterval time.Duration `envconfig:"REPLICATION_INTERVAL" default:"5s"`
	ReplicasMin         int           `envconfig:"REPLICAS_MIN" default:"1"`
	ReplicasMax         int           `envconfig:"REPLICAS_MAX" default:"16"`
	ReplicasMaxUpscale  int           `envconfig:"REPLICAS_MAX_UPSCALE" default:"5"`
	UpscaleThreshold    float64       `envconfig:"UPSCALE_THRESHOLD" default:"100"`
	DownscaleThreshold  float64       `envconfig:"DOWNSCALE_THRESHOLD" default:"10"`
	ReplicationMargin   float64       `envconfig:"REPLICATION_MARGIN" default:"0.01"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the server.
func (c *Config) ValidateForServe() error {
	switch c.BrokerKind {
	case BrokerMemory:
	case BrokerNATS:
		if c.COMMSURL == "" {
			return fmt.Errorf("%s - COMMS_URL is required for BROKER_KIND=nats", logPrefix)
		}
	default:
		return fmt.Errorf("%s - BROKER_KIND must be %q or %q, got %q", logPrefix, BrokerMemory, BrokerNATS, c.BrokerKind)
	}
	switch c.ReplicationPolicy {
	case ReplicationThreshold, ReplicationDynamic:
	default:
		return fmt.Errorf("%s - REPLICATION_POLICY must be %q or %q, got %q", logPrefix, ReplicationThreshold, ReplicationDynamic, c.ReplicationPolicy)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.ReplicationInterval <= 0 {
		return fmt.Errorf("%s - REPLICATION_INTERVAL must be positive", logPrefix)
	}
	if c.ReplicasMin < 1 {
		return fmt.Errorf("%s - REPLICAS_MIN must be at least 1", logPrefix)
	}
	if c.ReplicasMax != 0 && c.ReplicasMax < c.ReplicasMin {
		return fmt.Errorf("%s - REPLICAS_MAX (%d) is below REPLICAS_MIN (%d)", logPrefix, c.ReplicasMax, c.ReplicasMin)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS needs DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, seed).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// ListenAddr returns HTTPAddr, or ":<HTTPPort>" when it is unset.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}
