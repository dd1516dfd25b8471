package graphstore

// Ledger schema for the SQL graph datastore.
// Compatible with both SQLite and PostgreSQL.

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL DEFAULT '',
    pan_card TEXT NOT NULL DEFAULT '',
    account_type TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT '',
    branch_ifsc TEXT NOT NULL DEFAULT '',
    initial_risk_rating INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP
);
`

const schemaTransfers = `
CREATE TABLE IF NOT EXISTS transfers (
    transaction_id TEXT PRIMARY KEY,
    source_account TEXT NOT NULL,
    target_account TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    amount_inr REAL NOT NULL,
    transaction_type TEXT NOT NULL DEFAULT '',
    remarks TEXT NOT NULL DEFAULT '',
    source_ip TEXT NOT NULL DEFAULT '',
    is_illicit INTEGER NOT NULL DEFAULT 0,
    illicit_pattern_type TEXT NOT NULL DEFAULT 'NONE'
);

CREATE INDEX IF NOT EXISTS idx_transfers_source ON transfers(source_account);
CREATE INDEX IF NOT EXISTS idx_transfers_target ON transfers(target_account);
CREATE INDEX IF NOT EXISTS idx_transfers_illicit ON transfers(is_illicit);
`

func allSchemas() []string {
	return []string{schemaAccounts, schemaTransfers}
}
