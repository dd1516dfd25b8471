package domain

import (
	"context"
	"time"
)

// GraphStore is the read side of the graph datastore consumed by the
// feature extractor, the batch pipeline and the reporting service.
// Implementations wrap backend failures in ErrDatastore.
type GraphStore interface {
	// Accounts returns every account known to the graph.
	Accounts(ctx context.Context) ([]Account, error)

	// NodeAggregates returns raw degree and amount aggregates for a chunk of accounts.
	NodeAggregates(ctx context.Context, accountIDs []string) ([]NodeAggregate, error)

	// Edges returns all distinct directed (source, target) pairs.
	Edges(ctx context.Context) ([]Edge, error)

	// Neighbors returns the neighbourhood of an account within hops edges,
	// ignoring direction. ErrNotFound if the account does not exist.
	Neighbors(ctx context.Context, accountID string, hops int) (*Subgraph, error)

	// PatternTallies counts illicit transfers per (account, pattern).
	PatternTallies(ctx context.Context) ([]PatternTally, error)

	// IllicitTransfers returns illicit transfers where the account is source or target.
	IllicitTransfers(ctx context.Context, accountID string) ([]Transfer, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// GraphLoader ingests ledger data into a graph datastore.
type GraphLoader interface {
	LoadAccounts(ctx context.Context, accounts []Account) error
	LoadTransfers(ctx context.Context, transfers []Transfer) error
}

// GraphConfig holds configuration for graph datastore initialization.
type GraphConfig struct {
	// Driver is the datastore driver: "sqlite", "postgres", "neo4j" or "memory"
	Driver string

	// SQL drivers reuse the repository connection settings
	SQL RepositoryConfig

	// Neo4j settings (Pro tier)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// QueryTimeout bounds every datastore call
	QueryTimeout time.Duration

	// MaxNeighborEdges caps the size of visualisation subgraphs
	MaxNeighborEdges int

	// LoadBatchSize is the number of rows written per ingest statement
	LoadBatchSize int
}
