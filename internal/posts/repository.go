package posts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"postmesh/internal/outbox"
	"postmesh/pkg/errors"
	"postmesh/pkg/metrics"
)

// TxHook runs inside the transaction of a write, after the row change.
type TxHook func(ctx context.Context, exec outbox.Execer, p Post) error

type Repository interface {
	Create(ctx context.Context, p Post, hook TxHook) error
	FindByID(ctx context.Context, id string) (Post, error)
	List(ctx context.Context, offset, limit int) ([]Post, error)
	Count(ctx context.Context) (int64, error)
	// DeleteByOwner removes the post only if userID owns it and returns the
	// removed row. A missing or foreign post is errors.ErrNotFound.
	DeleteByOwner(ctx context.Context, id, userID string, hook TxHook) (Post, error)
	Ping(ctx context.Context) error
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, p Post, hook TxHook) (err error) {
	defer observe("create", time.Now(), &err)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.ErrTransport.WithCause(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		INSERT INTO posts (id, user_id, content, media_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, query, p.ID, p.UserID, p.Content, pq.Array(p.MediaIDs), p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}

	if hook != nil {
		if err := hook(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit post: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (p Post, err error) {
	defer observe("find", time.Now(), &err)

	query := `
		SELECT id, user_id, content, media_ids, created_at, updated_at
		FROM posts
		WHERE id = $1
	`
	p, err = scanPost(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Post{}, errors.ErrNotFound.WithDetail("message", "post not found")
	}
	if err != nil {
		return Post{}, fmt.Errorf("failed to get post: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) List(ctx context.Context, offset, limit int) (posts []Post, err error) {
	defer observe("list", time.Now(), &err)

	query := `
		SELECT id, user_id, content, media_ids, created_at, updated_at
		FROM posts
		ORDER BY created_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	posts = []Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return posts, nil
}

func (r *PostgresRepository) Count(ctx context.Context) (n int64, err error) {
	defer observe("count", time.Now(), &err)

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteByOwner(ctx context.Context, id, userID string, hook TxHook) (p Post, err error) {
	defer observe("delete", time.Now(), &err)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Post{}, errors.ErrTransport.WithCause(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := `
		DELETE FROM posts
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, content, media_ids, created_at, updated_at
	`
	p, err = scanPost(tx.QueryRowContext(ctx, query, id, userID))
	if err == sql.ErrNoRows {
		return Post{}, errors.ErrNotFound.WithDetail("message", "post not found or not owned by user")
	}
	if err != nil {
		return Post{}, fmt.Errorf("failed to delete post: %w", err)
	}

	if hook != nil {
		if err := hook(ctx, tx, p); err != nil {
			return Post{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Post{}, fmt.Errorf("failed to commit post deletion: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (Post, error) {
	var (
		p        Post
		mediaIDs pq.StringArray
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Content, &mediaIDs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Post{}, err
	}
	p.MediaIDs = []string(mediaIDs)
	if p.MediaIDs == nil {
		p.MediaIDs = []string{}
	}
	return p, nil
}

func observe(operation string, start time.Time, err *error) {
	status := "success"
	if *err != nil && !errors.IsNotFound(*err) {
		status = "error"
	}
	metrics.IncDatabaseQuery("postgres", operation, status)
	metrics.ObserveDatabaseQueryDuration("postgres", operation, time.Since(start))
}
