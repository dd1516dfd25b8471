package repository

// Schema definitions for the artifact store.
// Compatible with both SQLite and PostgreSQL.

const schemaBundles = `
CREATE TABLE IF NOT EXISTS bundles (
    version TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    accounts INTEGER NOT NULL,
    edges INTEGER NOT NULL,
    features INTEGER NOT NULL,
    illicit_labels INTEGER NOT NULL DEFAULT 0,
    classifier_input TEXT NOT NULL,
    anomaly_input TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bundles_active ON bundles(active);
CREATE INDEX IF NOT EXISTS idx_bundles_created ON bundles(created_at);
`

const schemaArtifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
    version TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    checksum TEXT NOT NULL,
    PRIMARY KEY (version, kind)
);
`

// AllSchemas returns all schema definitions in order.
func AllSchemas() []string {
	return []string{
		schemaBundles,
		schemaArtifacts,
	}
}
