// Package postgres implements the queue persistence contract on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spherax/segqueue/internal/domain"
	"github.com/spherax/segqueue/internal/platform/logger"
	"github.com/spherax/segqueue/internal/queue"
)

// DBTX abstracts the database access layer. It is implemented by both
// *sql.DB and *sql.Tx, allowing the store to run inside a caller-managed
// transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// QueueStore implements queue.Store using PostgreSQL.
type QueueStore struct {
	db DBTX
}

// NewQueueStore creates a new QueueStore.
func NewQueueStore(db DBTX) *QueueStore {
	return &QueueStore{db: db}
}

// WithTx returns a QueueStore bound to the provided transaction.
func (s *QueueStore) WithTx(tx *sql.Tx) *QueueStore {
	return &QueueStore{db: tx}
}

const itemColumns = `id, image_id, project_id, user_id, model, threshold, priority,
	detect_holes, batch_id, batch_tag, status, retry_count, error,
	created_at, started_at, completed_at, updated_at`

// InsertItems persists new items in a single bulk insert.
func (s *QueueStore) InsertItems(ctx context.Context, items []*domain.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	log := logger.FromContext(ctx)

	var sb strings.Builder
	sb.WriteString(`INSERT INTO queue_items (` + itemColumns + `) VALUES `)

	args := make([]any, 0, len(items)*17)
	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 17
		sb.WriteString("(")
		for j := 1; j <= 17; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")

		args = append(args,
			item.ID, item.ImageID, item.ProjectID, item.UserID,
			item.Model, item.Threshold, item.Priority, item.DetectHoles,
			item.BatchID, item.BatchTag, item.Status, item.RetryCount,
			item.Error, item.CreatedAt, item.StartedAt, item.CompletedAt,
			item.UpdatedAt,
		)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		log.Error("failed to insert queue items", "count", len(items), "error", err)
		return fmt.Errorf("failed to insert queue items: %w", err)
	}

	return nil
}

// FindItems returns items matching the filter, ordered by priority desc,
// created_at asc, id asc.
func (s *QueueStore) FindItems(
	ctx context.Context,
	filter queue.ItemFilter,
) ([]*domain.QueueItem, error) {
	log := logger.FromContext(ctx)

	where, args := buildFilter(filter, 1)
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query queue items", "error", err)
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			log.Error("failed to scan queue item row", "error", err)
			return nil, fmt.Errorf("failed to scan queue item row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue item rows: %w", err)
	}

	return items, nil
}

// TransitionItems applies the update to the given ids whose current status
// matches the guard, in one atomic statement, returning the affected ids.
func (s *QueueStore) TransitionItems(
	ctx context.Context,
	ids []uuid.UUID,
	from []domain.ItemStatus,
	update queue.ItemUpdate,
) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	log := logger.FromContext(ctx)

	var sets []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets = append(sets, "status = "+next(update.Status))
	sets = append(sets, "updated_at = "+next(time.Now().UTC()))

	if update.SetBatchID {
		sets = append(sets, "batch_id = "+next(update.BatchID))
	}
	if update.SetStartedAt {
		sets = append(sets, "started_at = "+next(update.StartedAt))
	}
	if update.SetCompletedAt {
		sets = append(sets, "completed_at = "+next(update.CompletedAt))
	}
	if update.SetError {
		sets = append(sets, "error = "+next(update.Error))
	}
	if update.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}

	idPh := make([]string, len(ids))
	for i, id := range ids {
		idPh[i] = next(id)
	}
	fromPh := make([]string, len(from))
	for i, st := range from {
		fromPh[i] = next(st)
	}

	query := fmt.Sprintf(
		`UPDATE queue_items SET %s WHERE id IN (%s) AND status IN (%s) RETURNING id`,
		strings.Join(sets, ", "),
		strings.Join(idPh, ", "),
		strings.Join(fromPh, ", "),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to transition queue items", "error", err)
		return nil, fmt.Errorf("failed to transition queue items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var affected []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan affected id: %w", err)
		}
		affected = append(affected, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating affected ids: %w", err)
	}

	if len(affected) < len(ids) {
		// Not an error: another actor finished the transition first.
		log.Debug("transition affected fewer rows than requested",
			"requested", len(ids),
			"affected", len(affected))
	}

	return affected, nil
}

// DeleteItems removes items matching the filter and returns the count.
func (s *QueueStore) DeleteItems(ctx context.Context, filter queue.ItemFilter) (int64, error) {
	log := logger.FromContext(ctx)

	where, args := buildFilter(filter, 1)
	query := "DELETE FROM queue_items"
	if where != "" {
		query += " WHERE " + where
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to delete queue items", "error", err)
		return 0, fmt.Errorf("failed to delete queue items: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// CountByStatus returns the number of items per status.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[domain.ItemStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.ItemStatus]int64)
	for rows.Next() {
		var status domain.ItemStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

// buildFilter renders an ItemFilter as a WHERE clause with placeholders
// starting at startIdx.
func buildFilter(filter queue.ItemFilter, startIdx int) (string, []any) {
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", startIdx+len(args)-1)
	}

	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = next(st)
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.ProjectID != nil {
		clauses = append(clauses, "project_id = "+next(*filter.ProjectID))
	}
	if filter.UserID != nil {
		clauses = append(clauses, "user_id = "+next(*filter.UserID))
	}
	if filter.BatchTag != nil {
		clauses = append(clauses, "batch_tag = "+next(*filter.BatchTag))
	}
	if len(filter.ImageIDs) > 0 {
		ph := make([]string, len(filter.ImageIDs))
		for i, id := range filter.ImageIDs {
			ph[i] = next(id)
		}
		clauses = append(clauses, "image_id IN ("+strings.Join(ph, ", ")+")")
	}
	if filter.StartedBefore != nil {
		clauses = append(clauses, "started_at < "+next(*filter.StartedBefore))
	}
	if filter.CompletedBefore != nil {
		clauses = append(clauses, "completed_at < "+next(*filter.CompletedBefore))
	}

	return strings.Join(clauses, " AND "), args
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var batchID uuid.NullUUID
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&item.ID, &item.ImageID, &item.ProjectID, &item.UserID,
		&item.Model, &item.Threshold, &item.Priority, &item.DetectHoles,
		&batchID, &item.BatchTag, &item.Status, &item.RetryCount,
		&errMsg, &item.CreatedAt, &startedAt, &completedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if batchID.Valid {
		item.BatchID = &batchID.UUID
	}
	if errMsg.Valid {
		item.Error = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		item.CompletedAt = &t
	}

	return &item, nil
}

// Ensure QueueStore implements the queue persistence contract.
var _ queue.Store = (*QueueStore)(nil)
