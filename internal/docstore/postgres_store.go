package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/cocrm/internal/retry"
)

// PostgresStore keeps documents in a single JSONB table. RunAtomic uses a
// SERIALIZABLE transaction and locks every document it reads with
// SELECT ... FOR UPDATE; serialization failures and deadlocks are retried.
type PostgresStore struct {
	db     *sql.DB
	policy retry.Policy
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		policy: retry.Policy{
			MaxAttempts: 10,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
			Retryable:   isRetryable,
		},
	}
}

// DB exposes the underlying pool for health checks and metrics.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key Key, v any) error {
	var body []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`,
		key.Collection, key.ID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("docstore: get %s: %w", key, err)
	}
	return json.Unmarshal(body, v)
}

func (p *PostgresStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	var sb strings.Builder
	args := []any{collection}
	sb.WriteString(`SELECT id, body FROM documents WHERE collection = $1`)
	for _, f := range filters {
		args = append(args, pq.Array(f.path()), f.Value)
		n := len(args)
		sb.WriteString(" AND body #>> $" + strconv.Itoa(n-1) + "::text[] = $" + strconv.Itoa(n))
	}
	sb.WriteString(" ORDER BY id")

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: query %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Document
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("docstore: scan %s: %w", collection, err)
		}
		out = append(out, Document{Key: K(collection, id), Data: body})
	}
	return out, rows.Err()
}

func (p *PostgresStore) RunAtomic(ctx context.Context, fn TxFunc) error {
	return p.policy.Do(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("docstore: begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			if isRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return retry.Permanent(fmt.Errorf("docstore: commit: %w", err))
		}
		return nil
	})
}

// isRetryable matches serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, key Key, v any) error {
	var body []byte
	err := t.tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		key.Collection, key.ID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("docstore: get %s: %w", key, err)
	}
	return json.Unmarshal(body, v)
}

func (t *pgTx) Create(ctx context.Context, key Key, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", key, err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING`,
		key.Collection, key.ID, body,
	)
	if err != nil {
		return fmt.Errorf("docstore: create %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) Set(ctx context.Context, key Key, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", key, err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE
		SET body = EXCLUDED.body, version = documents.version + 1, updated_at = NOW()`,
		key.Collection, key.ID, body,
	)
	if err != nil {
		return fmt.Errorf("docstore: set %s: %w", key, err)
	}
	return nil
}
