// Package postgres is the DescriptorRepository used when DATABASE_URL is set.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/storage"
)

// Connect opens a pool and verifies the database answers.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("postgres connected")
	return pool, nil
}

// Repository stores descriptors in the pipeline_descriptors table.
type Repository struct {
	pool *pgxpool.Pool
}

var _ storage.DescriptorRepository = (*Repository)(nil)

// New creates a repository over an open pool; see Connect.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `id::text, project_id, name, slug, sequence, source_branch, pipeline_type,
	input_files, operations, state, run_id, triggered_at, created_at`

// NextSequence reads the numeric suffix of the project's slugs. A slug base
// only holds [a-z0-9-], so it is safe inside the pattern.
func (r *Repository) NextSequence(ctx context.Context, projectID, slugBase string) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(substring(slug FROM '[0-9]+$')::int), 0) + 1
		FROM pipeline_descriptors
		WHERE project_id = $1 AND slug ~ ('^' || $2 || '-[0-9]+$')
	`, projectID, slugBase).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("select next sequence: %w", err)
	}
	return next, nil
}

func (r *Repository) Insert(ctx context.Context, d domain.PipelineDescriptor) error {
	inputs, err := json.Marshal(d.InputFiles)
	if err != nil {
		return fmt.Errorf("encode input files: %w", err)
	}
	ops, err := json.Marshal(d.Operations)
	if err != nil {
		return fmt.Errorf("encode operations: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipeline_descriptors
			(id, project_id, name, slug, sequence, source_branch, pipeline_type, input_files, operations, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.ProjectID, d.Name, d.Slug, d.Sequence, d.SourceBranch, string(d.Type), inputs, ops, string(d.State), d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrSlugTaken
		}
		return fmt.Errorf("insert descriptor: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, projectID, slug string) (domain.PipelineDescriptor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+`
		FROM pipeline_descriptors
		WHERE project_id = $1 AND slug = $2
	`, projectID, slug)

	d, err := scanDescriptor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PipelineDescriptor{}, storage.ErrDescriptorNotFound
	}
	if err != nil {
		return domain.PipelineDescriptor{}, fmt.Errorf("select descriptor: %w", err)
	}
	return d, nil
}

func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+`
		FROM pipeline_descriptors
		WHERE project_id = $1
		ORDER BY created_at, slug
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("select descriptors: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate descriptors: %w", err)
	}
	return out, nil
}

func (r *Repository) MarkTriggered(ctx context.Context, projectID, slug, runID string, at time.Time) error {
	return r.runInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var state string
		var current *string
		err := tx.QueryRow(ctx, `
			SELECT state, run_id FROM pipeline_descriptors
			WHERE project_id = $1 AND slug = $2
			FOR UPDATE
		`, projectID, slug).Scan(&state, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrDescriptorNotFound
		}
		if err != nil {
			return fmt.Errorf("lock descriptor: %w", err)
		}

		if state == string(domain.DescriptorTriggered) {
			if current != nil && *current == runID {
				return nil
			}
			return storage.ErrAlreadyTriggered
		}

		_, err = tx.Exec(ctx, `
			UPDATE pipeline_descriptors
			SET state = $3, run_id = $4, triggered_at = $5
			WHERE project_id = $1 AND slug = $2
		`, projectID, slug, string(domain.DescriptorTriggered), runID, at)
		if err != nil {
			return fmt.Errorf("update descriptor: %w", err)
		}
		return nil
	})
}

func (r *Repository) runInTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback tx: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanDescriptor(row pgx.Row) (domain.PipelineDescriptor, error) {
	var (
		d                  domain.PipelineDescriptor
		pipelineType       string
		state              string
		inputs, operations []byte
		runID              *string
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Slug, &d.Sequence, &d.SourceBranch, &pipelineType,
		&inputs, &operations, &state, &runID, &d.TriggeredAt, &d.CreatedAt)
	if err != nil {
		return domain.PipelineDescriptor{}, err
	}

	d.Type = domain.PipelineType(pipelineType)
	d.State = domain.DescriptorState(state)
	if runID != nil {
		d.RunID = *runID
	}
	if err := json.Unmarshal(inputs, &d.InputFiles); err != nil {
		return domain.PipelineDescriptor{}, fmt.Errorf("decode input files: %w", err)
	}
	if err := json.Unmarshal(operations, &d.Operations); err != nil {
		return domain.PipelineDescriptor{}, fmt.Errorf("decode operations: %w", err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
