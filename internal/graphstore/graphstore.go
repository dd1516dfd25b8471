// Package graphstore implements the graph datastore the scoring pipeline
// reads accounts, transfers and neighbourhoods from.
package graphstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Store is a graph datastore that can also ingest ledger data.
type Store interface {
	domain.GraphStore
	domain.GraphLoader
}

const (
	defaultQueryTimeout     = 60 * time.Second
	defaultMaxNeighborEdges = 500
	defaultLoadBatchSize    = 5000
	maxHops                 = 3
)

// New creates a graph datastore based on configuration.
func New(ctx context.Context, cfg domain.GraphConfig) (Store, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.MaxNeighborEdges <= 0 {
		cfg.MaxNeighborEdges = defaultMaxNeighborEdges
	}
	if cfg.LoadBatchSize <= 0 {
		cfg.LoadBatchSize = defaultLoadBatchSize
	}

	switch cfg.Driver {
	case "memory":
		s := NewMemoryStore()
		s.maxEdges = cfg.MaxNeighborEdges
		return s, nil
	case "sqlite", "postgres":
		sqlCfg := cfg.SQL
		sqlCfg.Driver = cfg.Driver
		return NewSQLStore(sqlCfg, cfg)
	case "neo4j":
		return NewNeo4jStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported graph driver: %s", cfg.Driver)
	}
}

// ClampHops bounds a neighbourhood radius to 1..3.
func ClampHops(hops int) int {
	switch {
	case hops < 1:
		return 1
	case hops > maxHops:
		return maxHops
	default:
		return hops
	}
}

func datastoreErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrDatastore, err)
}

// NormalizePattern maps generator labels ("SMURFING") to display labels ("Smurfing").
func NormalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.EqualFold(p, domain.PatternNone) {
		return ""
	}
	return strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = defaultLoadBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
