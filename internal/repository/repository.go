// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const insertTransaction = `
	INSERT INTO transactions (
		id, transaction_id, user_id, amount, merchant_category,
		country, channel, timestamp, risk_score, is_flagged,
		merchant_name, ip_address, device_id, is_fraud, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (transaction_id) DO NOTHING
`

const selectTransaction = `
	SELECT id, transaction_id, user_id, amount, merchant_category,
		   country, channel, timestamp, risk_score, is_flagged,
		   merchant_name, ip_address, device_id, is_fraud
	FROM transactions
`

func (r *SQLRepository) transactionArgs(tx *domain.Transaction) []any {
	var risk sql.NullFloat64
	if tx.RiskScore != nil {
		risk = sql.NullFloat64{Float64: *tx.RiskScore, Valid: true}
	}
	var fraud sql.NullInt64
	if tx.IsFraud != nil {
		fraud = sql.NullInt64{Int64: boolToInt(*tx.IsFraud), Valid: true}
	}
	return []any{
		tx.ID, tx.TransactionID, tx.UserID, tx.Amount, tx.MerchantCategory,
		tx.Country, string(tx.Channel), tx.Timestamp.UTC(), risk, boolToInt(tx.IsFlagged),
		tx.MerchantName, tx.IPAddress, tx.DeviceID, fraud, r.now(),
	}
}

// SaveTransaction stores a scored transaction. A transaction ID that is
// already stored is rejected with domain.ErrAlreadyScored.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.TransactionID == "" {
		return fmt.Errorf("%w: transactionId is required", domain.ErrInvalidInput)
	}

	res, err := r.db.ExecContext(ctx, r.rebind(insertTransaction), r.transactionArgs(tx)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyScored, tx.TransactionID)
	}
	return nil
}

// SaveTransactions stores a training corpus in one database transaction.
// Records whose transaction ID is already stored are skipped.
func (r *SQLRepository) SaveTransactions(ctx context.Context, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbtx.Rollback()

	stmt, err := dbtx.PrepareContext(ctx, r.rebind(insertTransaction))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range txs {
		if _, err := stmt.ExecContext(ctx, r.transactionArgs(&txs[i])...); err != nil {
			return fmt.Errorf("insert %s: %w", txs[i].TransactionID, err)
		}
	}
	return dbtx.Commit()
}

// GetTransaction retrieves a transaction by its external transaction ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectTransaction+" WHERE transaction_id = ?"), txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions returns transactions at or after since in timestamp
// order. When limit is positive only the most recent limit records are kept.
func (r *SQLRepository) ListTransactions(ctx context.Context, since time.Time, limit int) ([]domain.Transaction, error) {
	var b strings.Builder
	b.WriteString(selectTransaction)
	b.WriteString(" WHERE timestamp >= ? ORDER BY timestamp DESC, transaction_id DESC")
	args := []any{since.UTC()}
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(b.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(txs)
	return txs, nil
}

// RecentTransactions returns up to limit transactions, newest first.
func (r *SQLRepository) RecentTransactions(ctx context.Context, limit int, flaggedOnly bool) ([]domain.Transaction, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrInvalidInput)
	}

	query := selectTransaction
	if flaggedOnly {
		query += " WHERE is_flagged = 1"
	}
	query += " ORDER BY timestamp DESC, transaction_id DESC LIMIT ?"

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

// UserRiskSummary aggregates a user's stored transactions. It returns
// ErrNotFound when the user has none.
func (r *SQLRepository) UserRiskSummary(ctx context.Context, userID string) (*domain.UserRiskSummary, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(is_flagged), 0),
			   COALESCE(MAX(risk_score), 0), COALESCE(AVG(risk_score), 0)
		FROM transactions WHERE user_id = ?`

	s := domain.UserRiskSummary{UserID: userID}
	var flagged int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&s.TotalTransactions, &flagged, &s.MaxRiskScore, &s.AvgRiskScore,
	); err != nil {
		return nil, err
	}
	if s.TotalTransactions == 0 {
		return nil, domain.ErrNotFound
	}

	s.NumberFlagged = int(flagged)
	s.PercentFlagged = float64(s.NumberFlagged) / float64(s.TotalTransactions) * 100
	return &s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var channel string
	var risk sql.NullFloat64
	var flagged int
	var merchant, ip, device sql.NullString
	var fraud sql.NullInt64

	if err := s.Scan(
		&tx.ID, &tx.TransactionID, &tx.UserID, &tx.Amount, &tx.MerchantCategory,
		&tx.Country, &channel, &tx.Timestamp, &risk, &flagged,
		&merchant, &ip, &device, &fraud,
	); err != nil {
		return nil, err
	}

	tx.Channel = domain.Channel(channel)
	tx.Timestamp = tx.Timestamp.UTC()
	if risk.Valid {
		score := risk.Float64
		tx.RiskScore = &score
	}
	tx.IsFlagged = flagged == 1
	tx.MerchantName = merchant.String
	tx.IPAddress = ip.String
	tx.DeviceID = device.String
	if fraud.Valid {
		isFraud := fraud.Int64 == 1
		tx.IsFraud = &isFraud
	}
	return &tx, nil
}

// SaveAlertConfig inserts or replaces an alert config.
func (r *SQLRepository) SaveAlertConfig(ctx context.Context, cfg *domain.AlertConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: alert config id is required", domain.ErrInvalidInput)
	}

	condition, err := json.Marshal(cfg.Condition)
	if err != nil {
		return fmt.Errorf("failed to encode condition: %w", err)
	}

	query := `
		INSERT INTO alert_configs (id, name, condition, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			condition = excluded.condition,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	createdAt := cfg.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		cfg.ID, cfg.Name, string(condition), boolToInt(cfg.IsActive),
		createdAt.UTC(), r.now(),
	)
	return err
}

// ListAlertConfigs returns every stored alert config in creation order.
func (r *SQLRepository) ListAlertConfigs(ctx context.Context) ([]*domain.AlertConfig, error) {
	query := `
		SELECT id, name, condition, is_active, created_at
		FROM alert_configs
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.AlertConfig
	for rows.Next() {
		var cfg domain.AlertConfig
		var condition string
		var active int

		if err := rows.Scan(&cfg.ID, &cfg.Name, &condition, &active, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(condition), &cfg.Condition); err != nil {
			return nil, fmt.Errorf("alert config %s: %w", cfg.ID, err)
		}
		cfg.IsActive = active == 1
		cfg.CreatedAt = cfg.CreatedAt.UTC()
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// DeleteAlertConfig removes an alert config.
func (r *SQLRepository) DeleteAlertConfig(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.rebind("DELETE FROM alert_configs WHERE id = ?"), id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// SaveAlert records a triggered alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	query := `
		INSERT INTO alerts (
			id, config_id, config_name, transaction_id, risk_score, amount,
			triggered_at, acknowledged, acknowledged_by, acknowledged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var ackAt sql.NullTime
	if alert.AcknowledgedAt != nil {
		ackAt = sql.NullTime{Time: alert.AcknowledgedAt.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.ConfigID, alert.ConfigName, alert.TransactionID,
		alert.RiskScore, alert.Amount, alert.TriggeredAt.UTC(),
		boolToInt(alert.Acknowledged), nullString(alert.AcknowledgedBy), ackAt,
	)
	return err
}

// AcknowledgeAlert marks a stored, unacknowledged alert as acknowledged.
func (r *SQLRepository) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	query := `
		UPDATE alerts
		SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query), by, at.UTC(), id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// ListAlerts returns alerts in trigger order.
func (r *SQLRepository) ListAlerts(ctx context.Context, unacknowledgedOnly bool) ([]*domain.Alert, error) {
	query := `
		SELECT id, config_id, config_name, transaction_id, risk_score, amount,
			   triggered_at, acknowledged, acknowledged_by, acknowledged_at
		FROM alerts
	`
	if unacknowledgedOnly {
		query += " WHERE acknowledged = 0"
	}
	query += " ORDER BY triggered_at, id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var acked int
		var by sql.NullString
		var at sql.NullTime

		if err := rows.Scan(
			&a.ID, &a.ConfigID, &a.ConfigName, &a.TransactionID, &a.RiskScore, &a.Amount,
			&a.TriggeredAt, &acked, &by, &at,
		); err != nil {
			return nil, err
		}
		a.TriggeredAt = a.TriggeredAt.UTC()
		a.Acknowledged = acked == 1
		a.AcknowledgedBy = by.String
		if at.Valid {
			t := at.Time.UTC()
			a.AcknowledgedAt = &t
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// SaveModel stores a trained model's metadata and serialized snapshot.
func (r *SQLRepository) SaveModel(ctx context.Context, meta *domain.ModelMetadata, snapshot []byte) error {
	if meta.ID == "" {
		return fmt.Errorf("%w: model id is required", domain.ErrInvalidInput)
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode model metadata: %w", err)
	}

	query := `
		INSERT INTO models (id, model_type, version, trained_at, samples_used, metadata, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		meta.ID, meta.ModelType, meta.Version, meta.TrainedAt.UTC(),
		meta.SamplesUsed, string(encoded), string(snapshot),
	)
	return err
}

// GetLatestModel returns the most recently trained model.
func (r *SQLRepository) GetLatestModel(ctx context.Context) (*domain.ModelMetadata, []byte, error) {
	query := `
		SELECT metadata, snapshot
		FROM models
		ORDER BY trained_at DESC
		LIMIT 1
	`

	var encoded, snapshot string
	err := r.db.QueryRowContext(ctx, query).Scan(&encoded, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	var meta domain.ModelMetadata
	if err := json.Unmarshal([]byte(encoded), &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to decode model metadata: %w", err)
	}
	return &meta, []byte(snapshot), nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ domain.Repository = (*SQLRepository)(nil)
