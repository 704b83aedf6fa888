package casemover

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName  = "casemover_records"
	postgresManifestTableName = "casemover_manifest"
	postgresOperationTimeout  = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresTargetStore is the production TargetStore. Idempotency comes from
// the unique (org_id, resource, external_id) index and ON CONFLICT upserts:
// re-running a job updates rows instead of duplicating them.
type PostgresTargetStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTargetStore(dsn string) (*PostgresTargetStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresTargetStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresTargetStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					org_id TEXT NOT NULL,
					resource TEXT NOT NULL,
					external_id TEXT NOT NULL,
					natural_key TEXT,
					payload TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (org_id, resource, external_id)
				)`, postgresQuoteIdentifier(postgresRecordsTableName)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (org_id, resource, natural_key)",
				postgresQuoteIdentifier(postgresRecordsTableName+"_natural_key_idx"),
				postgresQuoteIdentifier(postgresRecordsTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					source_doc_id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					path TEXT NOT NULL,
					size BIGINT NOT NULL DEFAULT 0,
					content_type TEXT,
					matter_source_id TEXT,
					matter_id TEXT,
					remainder TEXT,
					status TEXT NOT NULL,
					confidence TEXT,
					blob_path TEXT,
					last_error TEXT,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresManifestTableName)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (status, source_doc_id)",
				postgresQuoteIdentifier(postgresManifestTableName+"_status_idx"),
				postgresQuoteIdentifier(postgresManifestTableName)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%w: %v", ErrStoreOffline, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresTargetStore) Upsert(ctx context.Context, orgID string, rec UpsertRecord) (string, error) {
	if err := validateUpsert(orgID, rec); err != nil {
		return "", err
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	return postgresUpsert(ctx, s.db, orgID, rec)
}

func postgresUpsert(ctx context.Context, runner sqlRunner, orgID string, rec UpsertRecord) (string, error) {
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (org_id, resource, external_id, natural_key, payload, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NOW())
		ON CONFLICT (org_id, resource, external_id)
		DO UPDATE SET natural_key = EXCLUDED.natural_key, payload = EXCLUDED.payload, updated_at = NOW()
		RETURNING id`, postgresQuoteIdentifier(postgresRecordsTableName))
	var id int64
	if err := runner.QueryRowContext(opCtx, query, orgID, rec.Resource, rec.ExternalID, rec.NaturalKey, string(payload)).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	return fmt.Sprintf("%s_%d", strings.TrimSuffix(rec.Resource, "s"), id), nil
}

func (s *PostgresTargetStore) FindByNaturalKey(ctx context.Context, orgID, resource, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNotFound
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	return postgresFindByNaturalKey(ctx, s.db, orgID, resource, key)
}

func postgresFindByNaturalKey(ctx context.Context, runner sqlRunner, orgID, resource, key string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT external_id FROM %s WHERE org_id = $1 AND resource = $2 AND natural_key = $3",
		postgresQuoteIdentifier(postgresRecordsTableName))
	var externalID string
	err := runner.QueryRowContext(opCtx, query, orgID, resource, key).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	return externalID, nil
}

func (s *PostgresTargetStore) CountResource(ctx context.Context, orgID, resource string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE org_id = $1 AND resource = $2",
		postgresQuoteIdentifier(postgresRecordsTableName))
	var count int
	if err := s.db.QueryRowContext(opCtx, query, orgID, resource).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	return count, nil
}

func (s *PostgresTargetStore) InTransaction(ctx context.Context, fn func(tx TargetStore) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&postgresTxView{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	committed = true
	return nil
}

func (s *PostgresTargetStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// postgresTxView exposes the TargetStore contract inside one transaction.
type postgresTxView struct {
	tx *sql.Tx
}

func (v *postgresTxView) Upsert(ctx context.Context, orgID string, rec UpsertRecord) (string, error) {
	if err := validateUpsert(orgID, rec); err != nil {
		return "", err
	}
	return postgresUpsert(ctx, v.tx, orgID, rec)
}

func (v *postgresTxView) FindByNaturalKey(ctx context.Context, orgID, resource, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNotFound
	}
	return postgresFindByNaturalKey(ctx, v.tx, orgID, resource, key)
}

func (v *postgresTxView) CountResource(ctx context.Context, orgID, resource string) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE org_id = $1 AND resource = $2",
		postgresQuoteIdentifier(postgresRecordsTableName))
	var count int
	if err := v.tx.QueryRowContext(opCtx, query, orgID, resource).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	return count, nil
}

func (v *postgresTxView) InTransaction(ctx context.Context, fn func(tx TargetStore) error) error {
	// Already inside a transaction; nesting just reuses it.
	return fn(v)
}

func (v *postgresTxView) Close() error { return nil }

// PostgresManifestStore persists manifest entries in the same database as the
// migrated records so a restarted streaming job resumes from durable state.
type PostgresManifestStore struct {
	store *PostgresTargetStore
}

func NewPostgresManifestStore(store *PostgresTargetStore) (*PostgresManifestStore, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	return &PostgresManifestStore{store: store}, nil
}

func (m *PostgresManifestStore) Put(ctx context.Context, entry ManifestEntry) error {
	entry.SourceDocID = strings.TrimSpace(entry.SourceDocID)
	if entry.SourceDocID == "" {
		return ErrInvalidInput
	}
	if entry.Status == "" {
		entry.Status = MatchPending
	}
	if err := m.store.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := m.store.db.BeginTx(opCtx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var current string
	query := fmt.Sprintf("SELECT status FROM %s WHERE source_doc_id = $1 FOR UPDATE", postgresQuoteIdentifier(postgresManifestTableName))
	err = tx.QueryRowContext(opCtx, query, entry.SourceDocID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	if err == nil && !canTransition(MatchStatus(current), entry.Status) {
		return fmt.Errorf("%w: manifest %s cannot move %s -> %s", ErrInvalidState, entry.SourceDocID, current, entry.Status)
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (source_doc_id, name, path, size, content_type, matter_source_id, matter_id, remainder, status, confidence, blob_path, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (source_doc_id)
		DO UPDATE SET name = EXCLUDED.name, path = EXCLUDED.path, size = EXCLUDED.size,
			content_type = EXCLUDED.content_type, matter_source_id = EXCLUDED.matter_source_id,
			matter_id = EXCLUDED.matter_id, remainder = EXCLUDED.remainder, status = EXCLUDED.status,
			confidence = EXCLUDED.confidence, blob_path = EXCLUDED.blob_path,
			last_error = EXCLUDED.last_error, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresManifestTableName))
	if _, err := tx.ExecContext(opCtx, upsert,
		entry.SourceDocID, entry.Name, entry.Path, entry.Size, entry.ContentType,
		entry.MatterSourceID, entry.MatterID, entry.Remainder, string(entry.Status),
		string(entry.Confidence), entry.BlobPath, entry.LastError); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	committed = true
	return nil
}

func (m *PostgresManifestStore) Get(ctx context.Context, sourceDocID string) (ManifestEntry, error) {
	if err := m.store.ensureReady(); err != nil {
		return ManifestEntry{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT source_doc_id, name, path, size, COALESCE(content_type, ''), COALESCE(matter_source_id, ''),
			COALESCE(matter_id, ''), COALESCE(remainder, ''), status, COALESCE(confidence, ''),
			COALESCE(blob_path, ''), COALESCE(last_error, ''), updated_at
		FROM %s WHERE source_doc_id = $1`, postgresQuoteIdentifier(postgresManifestTableName))
	entry, err := scanManifestRow(m.store.db.QueryRowContext(opCtx, query, strings.TrimSpace(sourceDocID)))
	if errors.Is(err, sql.ErrNoRows) {
		return ManifestEntry{}, ErrNotFound
	}
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	return entry, nil
}

func (m *PostgresManifestStore) ListByStatus(ctx context.Context, status MatchStatus, limit int) ([]ManifestEntry, error) {
	if err := m.store.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT source_doc_id, name, path, size, COALESCE(content_type, ''), COALESCE(matter_source_id, ''),
			COALESCE(matter_id, ''), COALESCE(remainder, ''), status, COALESCE(confidence, ''),
			COALESCE(blob_path, ''), COALESCE(last_error, ''), updated_at
		FROM %s WHERE status = $1 ORDER BY source_doc_id ASC`, postgresQuoteIdentifier(postgresManifestTableName))
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := m.store.db.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	defer rows.Close()

	entries := make([]ManifestEntry, 0)
	for rows.Next() {
		entry, scanErr := scanManifestRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreOffline, scanErr)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (m *PostgresManifestStore) Reset(ctx context.Context, sourceDocID string) error {
	if err := m.store.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, last_error = '', updated_at = NOW()
		WHERE source_doc_id = $1 AND status = $3`, postgresQuoteIdentifier(postgresManifestTableName))
	result, err := m.store.db.ExecContext(opCtx, query, strings.TrimSpace(sourceDocID), string(MatchPending), string(MatchError))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreOffline, err)
	}
	if affected == 0 {
		if _, getErr := m.Get(ctx, sourceDocID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: manifest %s is not in error state", ErrInvalidState, sourceDocID)
	}
	return nil
}

func (m *PostgresManifestStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifestRow(row rowScanner) (ManifestEntry, error) {
	var entry ManifestEntry
	var status, confidence string
	if err := row.Scan(
		&entry.SourceDocID, &entry.Name, &entry.Path, &entry.Size, &entry.ContentType,
		&entry.MatterSourceID, &entry.MatterID, &entry.Remainder, &status, &confidence,
		&entry.BlobPath, &entry.LastError, &entry.UpdatedAt); err != nil {
		return ManifestEntry{}, err
	}
	entry.Status = MatchStatus(status)
	entry.Confidence = MatchConfidence(confidence)
	return entry, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
