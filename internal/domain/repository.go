// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransaction(ctx context.Context, tx *Transaction) error
	SaveTransactions(ctx context.Context, txs []Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	ListTransactions(ctx context.Context, since time.Time, limit int) ([]Transaction, error)
	RecentTransactions(ctx context.Context, limit int, flaggedOnly bool) ([]Transaction, error)
	UserRiskSummary(ctx context.Context, userID string) (*UserRiskSummary, error)

	// Alert configuration operations
	SaveAlertConfig(ctx context.Context, cfg *AlertConfig) error
	ListAlertConfigs(ctx context.Context) ([]*AlertConfig, error)
	DeleteAlertConfig(ctx context.Context, id string) error

	// Alert records
	SaveAlert(ctx context.Context, alert *Alert) error
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error
	ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]*Alert, error)

	// Model snapshots
	SaveModel(ctx context.Context, meta *ModelMetadata, snapshot []byte) error
	GetLatestModel(ctx context.Context) (*ModelMetadata, []byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" koanf:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" koanf:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" koanf:"postgres_port"`
	PostgresUser     string `json:"postgresUser" koanf:"postgres_user"`
	PostgresPassword string `json:"-" koanf:"postgres_password"`
	PostgresDB       string `json:"postgresDb" koanf:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" koanf:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" koanf:"conn_max_lifetime"`
}
