package shardstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

const (
	alertPrefix  = "alert::"
	symbolPrefix = "symbol-idx::"
)

func alertKey(id uuid.UUID) string {
	return alertPrefix + id.String()
}

func symbolIndexPrefix(symbol string) string {
	return symbolPrefix + symbol + "::"
}

func symbolIndexKey(symbol string, id uuid.UUID) string {
	return symbolIndexPrefix(symbol) + id.String()
}

// Store is the persistent key-value tier of one shard. Alerts live under
// alert::<id>; symbol-idx::<symbol>::<id> points back at the alert key.
type Store struct {
	db     *sql.DB
	shard  string
	logger *zap.Logger
}

// Open creates or opens <dir>/<shard>.db.
func Open(dir, shard string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard store dir: %w", err)
	}
	path := filepath.Join(dir, shard+".db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open shard store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect shard store: %w", err)
	}

	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply shard store schema: %w", err)
	}

	logger.Info("shard store opened", zap.String("shard", shard), zap.String("path", path))
	return &Store{db: db, shard: shard, logger: logger.With(zap.String("shard", shard))}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes the alert and its symbol index entry. A stored record with a
// higher version wins and the call is a no-op.
func (s *Store) Save(ctx context.Context, alert domain.Alert) error {
	return s.SaveAll(ctx, []domain.Alert{alert})
}

// SaveAll applies Save for every alert inside one transaction.
func (s *Store) SaveAll(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, alert := range alerts {
		if err := s.saveTx(ctx, tx, alert); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) saveTx(ctx context.Context, tx *sql.Tx, alert domain.Alert) error {
	current, err := getAlert(ctx, tx, alert.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if current != nil {
		if current.Version > alert.Version {
			s.logger.Debug("older alert version not stored",
				zap.String("alert_id", alert.ID.String()),
				zap.Int64("version", alert.Version),
				zap.Int64("stored_version", current.Version),
			)
			return nil
		}
		if current.Symbol != alert.Symbol {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, symbolIndexKey(current.Symbol, alert.ID)); err != nil {
				return fmt.Errorf("drop symbol index: %w", err)
			}
		}
	}

	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	const upsert = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	key := alertKey(alert.ID)
	if _, err := tx.ExecContext(ctx, upsert, key, value); err != nil {
		return fmt.Errorf("put alert %s: %w", alert.ID, err)
	}
	if _, err := tx.ExecContext(ctx, upsert, symbolIndexKey(alert.Symbol, alert.ID), []byte(key)); err != nil {
		return fmt.Errorf("put symbol index %s: %w", alert.ID, err)
	}
	return nil
}

// Delete removes the alert and its index entry unless the stored record is
// newer than the given snapshot.
func (s *Store) Delete(ctx context.Context, alert domain.Alert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := getAlert(ctx, tx, alert.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Version > alert.Version {
		s.logger.Debug("delete skipped for newer stored version",
			zap.String("alert_id", alert.ID.String()),
			zap.Int64("version", alert.Version),
			zap.Int64("stored_version", current.Version),
		)
		return nil
	}

	keys := []string{alertKey(alert.ID), symbolIndexKey(current.Symbol, alert.ID)}
	if alert.Symbol != current.Symbol && alert.Symbol != "" {
		keys = append(keys, symbolIndexKey(alert.Symbol, alert.ID))
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error) {
	return getAlert(ctx, s.db, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAlert(ctx context.Context, q rowQuerier, id uuid.UUID) (*domain.Alert, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, alertKey(id)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	var alert domain.Alert
	if err := json.Unmarshal(value, &alert); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return &alert, nil
}

// ScanAll returns every decodable alert record. Corrupt values are logged and
// skipped.
func (s *Store) ScanAll(ctx context.Context) ([]domain.Alert, error) {
	rows, err := s.scanPrefix(ctx, alertPrefix)
	if err != nil {
		return nil, err
	}
	alerts := make([]domain.Alert, 0, len(rows))
	for _, row := range rows {
		var alert domain.Alert
		if err := json.Unmarshal(row.value, &alert); err != nil {
			s.logger.Warn("skipping undecodable alert record", zap.String("key", row.key), zap.Error(err))
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// ScanSymbol returns every alert indexed under symbol, active or not.
func (s *Store) ScanSymbol(ctx context.Context, symbol string) ([]domain.Alert, error) {
	rows, err := s.scanPrefix(ctx, symbolIndexPrefix(symbol))
	if err != nil {
		return nil, err
	}
	alerts := make([]domain.Alert, 0, len(rows))
	for _, row := range rows {
		var value []byte
		err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, string(row.value)).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("dangling symbol index entry", zap.String("key", row.key))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", row.key, err)
		}
		var alert domain.Alert
		if err := json.Unmarshal(value, &alert); err != nil {
			s.logger.Warn("skipping undecodable alert record", zap.String("key", string(row.value)), zap.Error(err))
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (s *Store) FindActiveBySymbols(ctx context.Context, symbols []string) ([]domain.Alert, error) {
	var active []domain.Alert
	for _, symbol := range symbols {
		alerts, err := s.ScanSymbol(ctx, symbol)
		if err != nil {
			return nil, err
		}
		for _, alert := range alerts {
			if alert.Active {
				active = append(active, alert)
			}
		}
	}
	return active, nil
}

// Count returns the number of alert records, active or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE key >= ? AND key < ?`,
		alertPrefix, prefixEnd(alertPrefix),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

type kvRow struct {
	key   string
	value []byte
}

func (s *Store) scanPrefix(ctx context.Context, prefix string) ([]kvRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefixEnd(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []kvRow
	for rows.Next() {
		var row kvRow
		if err := rows.Scan(&row.key, &row.value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// prefixEnd is the smallest key greater than every key starting with prefix.
// Prefixes end in ':' so bumping the last byte is enough.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}
