// executed_query_repository.go implements ExecutedQueryRepository, the persistence layer for
// the dbquery_executed audit table: recording statements, filtered history and retention.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dbquery/dbquery/internal/db/models"
)

// DefaultHistoryLimit is applied when a listing is requested without a positive limit
const DefaultHistoryLimit = 10

// ExecutedQueryRepository handles executed-query log operations
type ExecutedQueryRepository struct {
	db *sqlx.DB
}

// NewExecutedQueryRepository creates a new ExecutedQueryRepository
func NewExecutedQueryRepository(db *sqlx.DB) *ExecutedQueryRepository {
	return &ExecutedQueryRepository{db: db}
}

// Record inserts a new log entry for queryText executed by userID and returns it
func (r *ExecutedQueryRepository) Record(ctx context.Context, queryText, userID string) (*models.ExecutedQuery, error) {
	rec := &models.ExecutedQuery{
		ID:         uuid.New().String(),
		Query:      queryText,
		UserID:     userID,
		ExecutedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO dbquery_executed (id, query, user_id, "timestamp")
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, rec.ID, rec.Query, rec.UserID, rec.ExecutedAt); err != nil {
		return nil, fmt.Errorf("failed to insert executed query: %w", err)
	}
	return rec, nil
}

// List returns a page of log entries, most recent first, plus the number of
// entries matching the filter before pagination.
func (r *ExecutedQueryRepository) List(ctx context.Context, filter models.ExecutedQueryFilter) ([]*models.ExecutedQuery, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0, 5)
	paramIndex := 1

	if filter.UserID != nil {
		where += fmt.Sprintf(` AND user_id = $%d`, paramIndex)
		args = append(args, *filter.UserID)
		paramIndex++
	}

	if filter.Date != nil {
		start, end := dayBounds(*filter.Date)
		where += fmt.Sprintf(` AND "timestamp" >= $%d AND "timestamp" < $%d`, paramIndex, paramIndex+1)
		args = append(args, start, end)
		paramIndex += 2
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM dbquery_executed`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count executed queries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, query, user_id, "timestamp" FROM dbquery_executed` + where +
		fmt.Sprintf(` ORDER BY "timestamp" DESC, seq DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	recs := make([]*models.ExecutedQuery, 0)
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list executed queries: %w", err)
	}
	for _, rec := range recs {
		rec.ExecutedAt = rec.ExecutedAt.UTC()
	}

	return recs, total, nil
}

// Get returns a single log entry, or nil when no entry has the given id
func (r *ExecutedQueryRepository) Get(ctx context.Context, id string) (*models.ExecutedQuery, error) {
	rec := &models.ExecutedQuery{}
	err := r.db.GetContext(ctx, rec, `SELECT id, query, user_id, "timestamp" FROM dbquery_executed WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get executed query: %w", err)
	}
	rec.ExecutedAt = rec.ExecutedAt.UTC()
	return rec, nil
}

// DistinctUsers returns every user that appears in the log, resolved against the
// user directory. Users missing from the directory fall back to their raw id.
func (r *ExecutedQueryRepository) DistinctUsers(ctx context.Context) ([]*models.Executor, error) {
	query := `
		SELECT e.user_id, COALESCE(NULLIF(u.fullname, ''), u.name, e.user_id) AS display_name
		FROM (SELECT DISTINCT user_id FROM dbquery_executed) e
		LEFT JOIN "user" u ON u.id = e.user_id
		ORDER BY display_name, e.user_id
	`
	executors := make([]*models.Executor, 0)
	if err := r.db.SelectContext(ctx, &executors, query); err != nil {
		return nil, fmt.Errorf("failed to list executors: %w", err)
	}
	return executors, nil
}

// DeleteOlderThan removes entries executed before cutoff and returns how many were removed
func (r *ExecutedQueryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dbquery_executed WHERE "timestamp" < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executed queries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned row count: %w", err)
	}
	return n, nil
}

// dayBounds returns [00:00, next 00:00) of t's calendar date in UTC
func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
