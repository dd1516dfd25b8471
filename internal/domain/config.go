package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Sentinel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `json:"tier"`

	// Component configurations
	Graph      GraphConfig      `json:"graph"`
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring pipeline
	Model     ModelConfig     `json:"model"`
	Explain   ExplainConfig   `json:"explain"`
	Reporting ReportingConfig `json:"reporting"`
	Batch     BatchConfig     `json:"batch"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ModelConfig holds feature extraction and training hyperparameters.
type ModelConfig struct {
	Seed             int64   `json:"seed"`
	ExtractBatchSize int     `json:"extractBatchSize"`
	AEHidden         int     `json:"aeHidden"`
	AEBottleneck     int     `json:"aeBottleneck"`
	AEEpochs         int     `json:"aeEpochs"`
	AELearningRate   float64 `json:"aeLearningRate"`
	AnomalyThreshold float64 `json:"anomalyThreshold"`
	GCNHidden        int     `json:"gcnHidden"`
	GCNEpochs        int     `json:"gcnEpochs"`
	GCNLearningRate  float64 `json:"gcnLearningRate"`
}

// ExplainConfig holds surrogate and attribution settings.
type ExplainConfig struct {
	Trees     int     `json:"trees"`
	MaxDepth  int     `json:"maxDepth"` // 0 = unlimited
	Seed      int64   `json:"seed"`
	TopK      int     `json:"topK"`
	MinImpact float64 `json:"minImpact"`
}

// ReportingConfig holds query-side settings.
type ReportingConfig struct {
	DefaultTopN    int           `json:"defaultTopN"`
	MaxTopN        int           `json:"maxTopN"`
	StatisticsTopN int           `json:"statisticsTopN"`
	CacheTTL       time.Duration `json:"cacheTTL"`
}

// BatchConfig holds scheduling of the batch pipeline inside serve.
type BatchConfig struct {
	Interval time.Duration `json:"interval"` // 0 disables the in-process scheduler
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on Neo4j + PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Graph: GraphConfig{
			Driver: "sqlite",
			SQL: RepositoryConfig{
				Driver:     "sqlite",
				SQLitePath: "./data/ledger.db",
			},
			QueryTimeout:     60 * time.Second,
			MaxNeighborEdges: 500,
			LoadBatchSize:    5000,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./data/sentinel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Model: ModelConfig{
			Seed:             42,
			ExtractBatchSize: 5000,
			AEHidden:         6,
			AEBottleneck:     3,
			AEEpochs:         200,
			AELearningRate:   1e-3,
			AnomalyThreshold: 1.0,
			GCNHidden:        16,
			GCNEpochs:        200,
			GCNLearningRate:  0.01,
		},
		Explain: ExplainConfig{
			Trees:     50,
			MaxDepth:  0,
			Seed:      42,
			TopK:      3,
			MinImpact: 1e-6,
		},
		Reporting: ReportingConfig{
			DefaultTopN:    15,
			MaxTopN:        1000,
			StatisticsTopN: 100,
			CacheTTL:       10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sentinel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Graph.Driver = "neo4j"
	cfg.Graph.Neo4jURI = "neo4j://localhost:7687"
	cfg.Graph.Neo4jUser = "neo4j"
	cfg.Graph.Neo4jDatabase = "neo4j"
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "sentinel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: server port %d", ErrInvalidInput, c.Server.Port)
	case c.Model.ExtractBatchSize <= 0:
		return fmt.Errorf("%w: extract batch size must be positive", ErrInvalidInput)
	case c.Model.AEHidden <= 0 || c.Model.AEBottleneck <= 0 || c.Model.GCNHidden <= 0:
		return fmt.Errorf("%w: layer sizes must be positive", ErrInvalidInput)
	case c.Model.AEEpochs <= 0 || c.Model.GCNEpochs <= 0:
		return fmt.Errorf("%w: epochs must be positive", ErrInvalidInput)
	case c.Model.AELearningRate <= 0 || c.Model.GCNLearningRate <= 0:
		return fmt.Errorf("%w: learning rates must be positive", ErrInvalidInput)
	case c.Model.AnomalyThreshold < 0:
		return fmt.Errorf("%w: anomaly threshold must not be negative", ErrInvalidInput)
	case c.Explain.Trees <= 0:
		return fmt.Errorf("%w: surrogate needs at least one tree", ErrInvalidInput)
	case c.Explain.TopK <= 0:
		return fmt.Errorf("%w: top-k must be positive", ErrInvalidInput)
	case c.Reporting.DefaultTopN <= 0 || c.Reporting.MaxTopN < c.Reporting.DefaultTopN:
		return fmt.Errorf("%w: reporting top-n bounds", ErrInvalidInput)
	case c.Batch.Interval < 0:
		return fmt.Errorf("%w: batch interval must not be negative", ErrInvalidInput)
	}
	switch c.Graph.Driver {
	case "sqlite", "postgres", "neo4j", "memory":
	default:
		return fmt.Errorf("%w: unknown graph driver %q", ErrInvalidInput, c.Graph.Driver)
	}
	return nil
}
