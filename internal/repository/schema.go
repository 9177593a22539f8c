package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    merchant_category TEXT NOT NULL,
    country TEXT NOT NULL,
    channel TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    risk_score REAL,
    is_flagged INTEGER NOT NULL DEFAULT 0,
    merchant_name TEXT,
    ip_address TEXT,
    device_id TEXT,
    is_fraud INTEGER,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaAlertConfigs = `
CREATE TABLE IF NOT EXISTS alert_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    condition TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    config_id TEXT NOT NULL,
    config_name TEXT NOT NULL,
    transaction_id TEXT NOT NULL,
    risk_score REAL NOT NULL,
    amount REAL NOT NULL,
    triggered_at TIMESTAMP NOT NULL,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    acknowledged_by TEXT,
    acknowledged_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alerts_ack ON alerts(acknowledged);
CREATE INDEX IF NOT EXISTS idx_alerts_tx ON alerts(transaction_id);
`

// schemaModels stores serialized ensemble snapshots. The snapshot is JSON
// text so the same column type works on both drivers.
const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    model_type TEXT NOT NULL,
    version TEXT NOT NULL,
    trained_at TIMESTAMP NOT NULL,
    samples_used INTEGER NOT NULL,
    metadata TEXT NOT NULL,
    snapshot TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_models_trained ON models(trained_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaAlertConfigs,
		schemaAlerts,
		schemaModels,
	}
}
