// Package config layers .env files, environment variables and an optional
// config file over the tier defaults of domain.Config.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// EnvPrefix namespaces every environment override, e.g. SENTINEL_SERVER_PORT.
const EnvPrefix = "SENTINEL"

// DefaultEnvFiles are tried in order; the first one found is loaded.
var DefaultEnvFiles = []string{
	".env",
	"../.env",
	"/app/.env", // Docker
}

// Options controls where configuration is read from.
type Options struct {
	// ConfigFile is an explicit YAML/JSON/TOML file. When empty,
	// ./sentinel.{yaml,json,toml} is used if present.
	ConfigFile string

	// EnvFiles overrides DefaultEnvFiles. An empty non-nil slice disables .env loading.
	EnvFiles []string
}

// Load builds the configuration for the selected tier and applies overrides.
func Load(opts Options) (*domain.Config, error) {
	loadEnvFiles(opts.EnvFiles)

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", domain.ErrInvalidInput, opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("sentinel")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: config file: %v", domain.ErrInvalidInput, err)
			}
		}
	}

	cfg := domain.DefaultConfig()
	switch tier := domain.Tier(strings.ToLower(v.GetString("tier"))); tier {
	case "", domain.TierCommunity:
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidInput, tier)
	}

	for key, target := range fields(cfg) {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
		if !v.IsSet(key) {
			continue
		}
		if err := assign(v, key, target); err != nil {
			return nil, err
		}
	}

	if v.GetBool("debug") {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(paths []string) {
	if paths == nil {
		paths = DefaultEnvFiles
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			slog.Debug("loaded environment file", "path", path)
			return
		}
	}
}

// fields maps every overridable key onto the field it sets.
func fields(c *domain.Config) map[string]any {
	return map[string]any{
		"server.host":          &c.Server.Host,
		"server.port":          &c.Server.Port,
		"server.read_timeout":  &c.Server.ReadTimeout,
		"server.write_timeout": &c.Server.WriteTimeout,

		"graph.driver":             &c.Graph.Driver,
		"graph.sqlite_path":        &c.Graph.SQL.SQLitePath,
		"graph.postgres_host":      &c.Graph.SQL.PostgresHost,
		"graph.postgres_port":      &c.Graph.SQL.PostgresPort,
		"graph.postgres_user":      &c.Graph.SQL.PostgresUser,
		"graph.postgres_password":  &c.Graph.SQL.PostgresPassword,
		"graph.postgres_db":        &c.Graph.SQL.PostgresDB,
		"graph.postgres_sslmode":   &c.Graph.SQL.PostgresSSLMode,
		"graph.neo4j_uri":          &c.Graph.Neo4jURI,
		"graph.neo4j_user":         &c.Graph.Neo4jUser,
		"graph.neo4j_password":     &c.Graph.Neo4jPassword,
		"graph.neo4j_database":     &c.Graph.Neo4jDatabase,
		"graph.query_timeout":      &c.Graph.QueryTimeout,
		"graph.max_neighbor_edges": &c.Graph.MaxNeighborEdges,
		"graph.load_batch_size":    &c.Graph.LoadBatchSize,

		"repository.driver":            &c.Repository.Driver,
		"repository.sqlite_path":       &c.Repository.SQLitePath,
		"repository.postgres_host":     &c.Repository.PostgresHost,
		"repository.postgres_port":     &c.Repository.PostgresPort,
		"repository.postgres_user":     &c.Repository.PostgresUser,
		"repository.postgres_password": &c.Repository.PostgresPassword,
		"repository.postgres_db":       &c.Repository.PostgresDB,
		"repository.postgres_sslmode":  &c.Repository.PostgresSSLMode,
		"repository.max_open_conns":    &c.Repository.MaxOpenConns,

		"cache.type":           &c.Cache.Type,
		"cache.local_max_size": &c.Cache.LocalMaxSize,
		"cache.local_ttl":      &c.Cache.LocalTTL,
		"cache.redis_addr":     &c.Cache.RedisAddr,
		"cache.redis_password": &c.Cache.RedisPassword,
		"cache.redis_db":       &c.Cache.RedisDB,
		"cache.two_phase":      &c.Cache.EnableTwoPhase,

		"eventbus.type":           &c.EventBus.Type,
		"eventbus.buffer_size":    &c.EventBus.ChannelBufferSize,
		"eventbus.nats_url":       &c.EventBus.NATSUrl,
		"eventbus.nats_token":     &c.EventBus.NATSToken,
		"eventbus.subject_prefix": &c.EventBus.SubjectPrefix,

		"model.seed":               &c.Model.Seed,
		"model.extract_batch_size": &c.Model.ExtractBatchSize,
		"model.ae_hidden":          &c.Model.AEHidden,
		"model.ae_bottleneck":      &c.Model.AEBottleneck,
		"model.ae_epochs":          &c.Model.AEEpochs,
		"model.ae_learning_rate":   &c.Model.AELearningRate,
		"model.anomaly_threshold":  &c.Model.AnomalyThreshold,
		"model.gcn_hidden":         &c.Model.GCNHidden,
		"model.gcn_epochs":         &c.Model.GCNEpochs,
		"model.gcn_learning_rate":  &c.Model.GCNLearningRate,

		"explain.trees":      &c.Explain.Trees,
		"explain.max_depth":  &c.Explain.MaxDepth,
		"explain.seed":       &c.Explain.Seed,
		"explain.top_k":      &c.Explain.TopK,
		"explain.min_impact": &c.Explain.MinImpact,

		"reporting.default_top_n":    &c.Reporting.DefaultTopN,
		"reporting.max_top_n":        &c.Reporting.MaxTopN,
		"reporting.statistics_top_n": &c.Reporting.StatisticsTopN,
		"reporting.cache_ttl":        &c.Reporting.CacheTTL,

		"batch.interval": &c.Batch.Interval,

		"logging.level":  &c.Logging.Level,
		"logging.format": &c.Logging.Format,

		"tracing.enabled":      &c.Tracing.Enabled,
		"tracing.service_name": &c.Tracing.ServiceName,
	}
}

func assign(v *viper.Viper, key string, target any) error {
	switch p := target.(type) {
	case *string:
		*p = v.GetString(key)
	case *int:
		*p = v.GetInt(key)
	case *int64:
		*p = v.GetInt64(key)
	case *float64:
		*p = v.GetFloat64(key)
	case *bool:
		*p = v.GetBool(key)
	case *time.Duration:
		*p = v.GetDuration(key)
	default:
		return fmt.Errorf("config key %s has unsupported type %T", key, target)
	}
	return nil
}
