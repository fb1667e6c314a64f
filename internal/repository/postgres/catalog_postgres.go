package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"kbapi/internal/model"
	"kbapi/internal/repository"
)

// insufficientPrivilege is the SQLSTATE raised when the role lacks a grant.
const insufficientPrivilege = "42501"

// CatalogPostgres is a PostgreSQL implementation of repository.CatalogRepository.
// It uses database/sql with parameterized queries and contains no business logic.
type CatalogPostgres struct {
	db *sql.DB
}

// NewCatalogPostgres creates a new CatalogPostgres repository.
func NewCatalogPostgres(db *sql.DB) *CatalogPostgres {
	return &CatalogPostgres{db: db}
}

var _ repository.CatalogRepository = (*CatalogPostgres)(nil)

// classify maps driver errors onto repository sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
		return fmt.Errorf("%w: %w", repository.ErrPermissionDenied, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var d model.Document
	err := row.Scan(
		&d.ID,
		&d.FileName,
		&d.StoragePath,
		&d.SizeBytes,
		&d.ContentType,
		&d.UploadedAt,
	)
	return d, err
}

// FindByID fetches a single document by its ID.
func (r *CatalogPostgres) FindByID(ctx context.Context, id string) (*model.Document, error) {
	const q = `
		SELECT id, file_name, storage_path, size_bytes, content_type, uploaded_at
		FROM documents
		WHERE id = $1
	`
	d, err := scanDocument(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
		}
		return nil, classify(err)
	}
	return &d, nil
}

// List returns every document in catalog order.
func (r *CatalogPostgres) List(ctx context.Context) ([]model.Document, error) {
	const q = `
		SELECT id, file_name, storage_path, size_bytes, content_type, uploaded_at
		FROM documents
		ORDER BY uploaded_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := make([]model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// Page returns documents using LIMIT/OFFSET pagination and a total count.
func (r *CatalogPostgres) Page(ctx context.Context, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	// Count total rows
	const qCount = `SELECT COUNT(*) FROM documents`
	var total int
	if err := r.db.QueryRowContext(ctx, qCount).Scan(&total); err != nil {
		return nil, classify(err)
	}

	// Fetch page
	const qList = `
		SELECT id, file_name, storage_path, size_bytes, content_type, uploaded_at
		FROM documents
		ORDER BY uploaded_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.QueryContext(ctx, qList, pq.Limit, pq.Offset)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	items := make([]model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &repository.PageResult[model.Document]{
		Items: items,
		Total: total,
	}, nil
}

// GetAggregate reads the aggregate singleton.
func (r *CatalogPostgres) GetAggregate(ctx context.Context) (*model.KnowledgeAggregate, error) {
	const q = `SELECT content, version, last_updated_at FROM knowledge_aggregate WHERE id = 1`
	var a model.KnowledgeAggregate
	err := r.db.QueryRowContext(ctx, q).Scan(&a.Content, &a.Version, &a.LastUpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.KnowledgeAggregate{}, nil
		}
		return nil, classify(err)
	}
	return &a, nil
}

// Commit writes documents, deletions and the aggregate in one transaction.
// The aggregate row is locked first so concurrent commits queue behind each other,
// then its version is compared with c.ExpectedVersion.
func (r *CatalogPostgres) Commit(ctx context.Context, c repository.Commit) (*model.KnowledgeAggregate, error) {
	for i := range c.Create {
		if err := c.Create[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid document %q: %w", c.Create[i].FileName, err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback()

	const qLock = `SELECT version FROM knowledge_aggregate WHERE id = 1 FOR UPDATE`
	var current int64
	if err := tx.QueryRowContext(ctx, qLock).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("knowledge_aggregate row is missing; run migrations")
		}
		return nil, classify(err)
	}
	if current != c.ExpectedVersion {
		return nil, fmt.Errorf("%w: expected %d, have %d", repository.ErrVersionConflict, c.ExpectedVersion, current)
	}

	const qInsert = `
		INSERT INTO documents (id, file_name, storage_path, size_bytes, content_type, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, d := range c.Create {
		if _, err := tx.ExecContext(ctx, qInsert,
			d.ID,
			d.FileName,
			d.StoragePath,
			d.SizeBytes,
			d.ContentType,
			d.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("insert document %s: %w", d.ID, classify(err))
		}
	}

	const qDelete = `DELETE FROM documents WHERE id = $1`
	for _, id := range c.Delete {
		res, err := tx.ExecContext(ctx, qDelete, id)
		if err != nil {
			return nil, fmt.Errorf("delete document %s: %w", id, classify(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
		}
	}

	const qUpdate = `
		UPDATE knowledge_aggregate
		SET content = $1, version = version + 1, last_updated_at = $2
		WHERE id = 1
		RETURNING content, version, last_updated_at
	`
	var out model.KnowledgeAggregate
	if err := tx.QueryRowContext(ctx, qUpdate, c.Content, c.UpdatedAt).Scan(&out.Content, &out.Version, &out.LastUpdatedAt); err != nil {
		return nil, fmt.Errorf("update aggregate: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &out, nil
}
