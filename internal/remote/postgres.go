package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps documents in a single JSONB table, one row per
// {collection, id}. Schemaless on purpose: the mobile clients evolve entity
// shapes faster than migrations could keep up.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)
	`
	if _, err := p.Exec(ctx, schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}

	logger.Info("Connected to Postgres document store")
	return &PostgresStore{pool: p, logger: logger}, nil
}

func (s *PostgresStore) Create(ctx context.Context, collection string, doc Doc) (string, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(withID(doc, id))
	if err != nil {
		return "", &WriteError{Collection: collection, Op: OpCreate, Err: err}
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3::jsonb)
	`, collection, id, raw); err != nil {
		return "", &WriteError{Collection: collection, Op: OpCreate, Err: err}
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &ReadError{Collection: collection, Err: err}
	}

	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ReadError{Collection: collection, Err: err}
	}
	return doc, nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch Doc) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return &WriteError{Collection: collection, Op: OpUpdate, Err: err}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET doc = doc || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2
	`, collection, id, raw)
	if err != nil {
		return &WriteError{Collection: collection, Op: OpUpdate, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete is idempotent: removing an already-gone document succeeds, so a
// retried drain never fails on its own earlier success.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	if err != nil {
		return &WriteError{Collection: collection, Op: OpDelete, Err: err}
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filter Filter, order *Order) ([]Doc, error) {
	query := `SELECT doc FROM documents WHERE collection = $1`
	args := []any{collection}

	if len(filter) > 0 {
		raw, err := json.Marshal(filter)
		if err != nil {
			return nil, &ReadError{Collection: collection, Err: err}
		}
		query += fmt.Sprintf(" AND doc @> $%d::jsonb", len(args)+1)
		args = append(args, raw)
	}

	if order != nil {
		dir := "ASC"
		if order.Descending {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY doc->>$%d %s", len(args)+1, dir)
		args = append(args, order.Field)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &ReadError{Collection: collection, Err: err}
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, &ReadError{Collection: collection, Err: err}
		}
		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &ReadError{Collection: collection, Err: err}
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, &ReadError{Collection: collection, Err: err}
	}
	return docs, nil
}

// BatchApply runs the whole batch in one transaction: all applied or none.
func (s *PostgresStore) BatchApply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &WriteError{Collection: ops[0].Collection, Op: ops[0].Kind, Err: err}
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			raw, err := json.Marshal(withID(op.Doc, op.ID))
			if err != nil {
				return &WriteError{Collection: op.Collection, Op: op.Kind, Err: err}
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3::jsonb)
			`, op.Collection, op.ID, raw); err != nil {
				return &WriteError{Collection: op.Collection, Op: op.Kind, Err: err}
			}
		case OpUpdate:
			raw, err := json.Marshal(op.Doc)
			if err != nil {
				return &WriteError{Collection: op.Collection, Op: op.Kind, Err: err}
			}
			tag, err := tx.Exec(ctx, `
				UPDATE documents SET doc = doc || $3::jsonb, updated_at = now()
				WHERE collection = $1 AND id = $2
			`, op.Collection, op.ID, raw)
			if err != nil {
				return &WriteError{Collection: op.Collection, Op: op.Kind, Err: err}
			}
			if tag.RowsAffected() == 0 {
				return ErrNotFound
			}
		case OpDelete:
			if _, err := tx.Exec(ctx, `
				DELETE FROM documents WHERE collection = $1 AND id = $2
			`, op.Collection, op.ID); err != nil {
				return &WriteError{Collection: op.Collection, Op: op.Kind, Err: err}
			}
		default:
			return &WriteError{Collection: op.Collection, Op: op.Kind, Err: fmt.Errorf("unsupported batch op %q", op.Kind)}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &WriteError{Collection: ops[0].Collection, Op: ops[0].Kind, Err: err}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// withID returns a copy of doc with the id field set, leaving the caller's
// map untouched.
func withID(doc Doc, id string) Doc {
	out := make(Doc, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}
