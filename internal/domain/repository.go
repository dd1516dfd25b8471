// Package domain defines the core interfaces and types for Sentinel.
package domain

import (
	"context"
	"time"
)

// Artifact kinds persisted for every model bundle.
const (
	ArtifactManifest    = "manifest"
	ArtifactFeatures    = "features"
	ArtifactNodeIndex   = "node_index"
	ArtifactEdges       = "edges"
	ArtifactScaler      = "scaler"
	ArtifactAutoencoder = "autoencoder"
	ArtifactClassifier  = "classifier"
	ArtifactSurrogate   = "surrogate"
	ArtifactPatterns    = "patterns"
	ArtifactAccounts    = "accounts"
)

// RequiredArtifacts lists every kind a bundle must carry to be loadable.
func RequiredArtifacts() []string {
	return []string{
		ArtifactManifest,
		ArtifactFeatures,
		ArtifactNodeIndex,
		ArtifactEdges,
		ArtifactScaler,
		ArtifactAutoencoder,
		ArtifactClassifier,
		ArtifactSurrogate,
		ArtifactPatterns,
		ArtifactAccounts,
	}
}

// Feature representations pinned by the bundle contract.
const (
	InputRaw    = "raw"
	InputScaled = "scaled"
)

// BundleInfo describes one published model bundle.
type BundleInfo struct {
	Version         string    `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	Accounts        int       `json:"accounts"`
	Edges           int       `json:"edges"`
	Features        int       `json:"features"`
	IllicitLabels   int       `json:"illicit_labels"`
	ClassifierInput string    `json:"classifier_input"`
	AnomalyInput    string    `json:"anomaly_input"`
	Active          bool      `json:"active"`
}

// Artifact is one serialized bundle component.
type Artifact struct {
	Kind     string
	Payload  []byte
	Checksum string
}

// ArtifactRepository persists model bundles. A bundle becomes visible only
// once all of its artifacts are stored, in a single transaction.
type ArtifactRepository interface {
	// SaveBundle stores every artifact and marks the bundle active.
	SaveBundle(ctx context.Context, info *BundleInfo, artifacts []Artifact) error

	// LoadArtifacts returns the bundle info and artifacts keyed by kind.
	LoadArtifacts(ctx context.Context, version string) (*BundleInfo, map[string]Artifact, error)

	// ActiveVersion returns the version currently marked active.
	ActiveVersion(ctx context.Context) (string, error)

	// Activate marks an already stored bundle active.
	Activate(ctx context.Context, version string) error

	// ListBundles returns the most recent bundles, newest first.
	ListBundles(ctx context.Context, limit int) ([]*BundleInfo, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
