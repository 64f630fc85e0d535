package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

const defaultPageSize = 20

type ThreadRepository struct {
	BaseRepository
}

func NewThreadRepository(pool *pgxpool.Pool) *ThreadRepository {
	return &ThreadRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *ThreadRepository) Create(ctx context.Context, thread *models.Thread) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO neuroagent_threads (
			id, user_id, vlab_id, project_id, title, creation_date, update_date
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)`

	_, err := r.conn(ctx).Exec(ctx, query,
		thread.ID,
		thread.UserID,
		nullString(thread.VlabID),
		nullString(thread.ProjectID),
		thread.Title,
		thread.CreatedAt,
		thread.UpdatedAt,
	)

	return err
}

func (r *ThreadRepository) GetByID(ctx context.Context, id string) (*models.Thread, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, vlab_id, project_id, title, creation_date, update_date
		FROM neuroagent_threads
		WHERE id = $1`

	return r.scanThread(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *ThreadRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*models.Thread, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, vlab_id, project_id, title, creation_date, update_date
		FROM neuroagent_threads
		WHERE id = $1 AND user_id = $2`

	return r.scanThread(r.conn(ctx).QueryRow(ctx, query, id, userID))
}

// List returns one cursor page of the user's threads. It fetches page_size+1
// rows; the presence of the extra row sets HasMore and the timestamp of the
// last returned row becomes the next cursor.
func (r *ThreadRepository) List(ctx context.Context, userID string, filter ports.ThreadListFilter) (*ports.ThreadPage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sortField := filter.SortField
	if sortField != ports.ThreadSortByCreationDate && sortField != ports.ThreadSortByUpdateDate {
		sortField = ports.ThreadSortByCreationDate
	}
	sortOrder := filter.SortOrder
	if sortOrder != ports.SortAsc && sortOrder != ports.SortDesc {
		sortOrder = ports.SortDesc
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	where := []string{"t.user_id = $1"}
	args := []any{userID}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.VlabID != "" {
		where = append(where, "t.vlab_id = "+arg(filter.VlabID))
	}
	if filter.ProjectID != "" {
		where = append(where, "t.project_id = "+arg(filter.ProjectID))
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "t.creation_date >= "+arg(filter.CreatedAfter))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "t.creation_date <= "+arg(filter.CreatedBefore))
	}
	if filter.ExcludeEmpty {
		where = append(where, "EXISTS (SELECT 1 FROM neuroagent_messages m WHERE m.thread_id = t.id)")
	}
	if !filter.Cursor.IsZero() {
		op := "<"
		if sortOrder == ports.SortAsc {
			op = ">"
		}
		where = append(where, fmt.Sprintf("t.%s %s %s", sortField, op, arg(filter.Cursor)))
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.user_id, t.vlab_id, t.project_id, t.title, t.creation_date, t.update_date
		FROM neuroagent_threads t
		WHERE %s
		ORDER BY t.%s %s
		LIMIT %s`,
		strings.Join(where, " AND "), sortField, strings.ToUpper(string(sortOrder)), arg(pageSize+1))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	threads, err := r.scanThreads(rows)
	if err != nil {
		return nil, err
	}

	page := &ports.ThreadPage{Threads: threads}
	if len(threads) > pageSize {
		page.Threads = threads[:pageSize]
		page.HasMore = true
		last := page.Threads[pageSize-1]
		if sortField == ports.ThreadSortByUpdateDate {
			page.NextCursor = last.UpdatedAt
		} else {
			page.NextCursor = last.CreatedAt
		}
	}
	return page, nil
}

func (r *ThreadRepository) UpdateTitle(ctx context.Context, id, title string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE neuroagent_threads
		SET title = $2, update_date = NOW()
		WHERE id = $1`

	tag, err := r.conn(ctx).Exec(ctx, query, id, title)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (r *ThreadRepository) Touch(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE neuroagent_threads
		SET update_date = NOW()
		WHERE id = $1`

	_, err := r.conn(ctx).Exec(ctx, query, id)
	return err
}

// Delete removes the thread row; messages, parts, tool selections and token
// ledger rows go with it through ON DELETE CASCADE. Object storage cleanup is
// the caller's responsibility and deliberately not transactional with this.
func (r *ThreadRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM neuroagent_threads WHERE id = $1`

	tag, err := r.conn(ctx).Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrThreadNotFound
	}
	return nil
}

func (r *ThreadRepository) IsEmpty(ctx context.Context, id string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT EXISTS (SELECT 1 FROM neuroagent_messages WHERE thread_id = $1)`

	var hasMessages bool
	if err := r.conn(ctx).QueryRow(ctx, query, id).Scan(&hasMessages); err != nil {
		return false, err
	}
	return !hasMessages, nil
}

// Search runs a websearch-syntax full-text query over the search vectors of
// every message in the user's threads, ranked by relevance with highlighted
// headlines.
func (r *ThreadRepository) Search(ctx context.Context, userID, vlabID, projectID, query string, limit int) ([]*ports.ThreadSearchResult, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}

	where := []string{
		"t.user_id = $1",
		"m.search_vector @@ websearch_to_tsquery('english', $2)",
	}
	args := []any{userID, query}

	if vlabID != "" {
		args = append(args, vlabID)
		where = append(where, fmt.Sprintf("t.vlab_id = $%d", len(args)))
	}
	if projectID != "" {
		args = append(args, projectID)
		where = append(where, fmt.Sprintf("t.project_id = $%d", len(args)))
	}
	args = append(args, limit)

	// DISTINCT ON keeps only the top-ranked message per thread, so one
	// chatty thread cannot fill the page.
	sqlQuery := fmt.Sprintf(`
		SELECT thread_id, title, message_id, headline, rank
		FROM (
			SELECT DISTINCT ON (t.id)
			       t.id AS thread_id, t.title, m.id AS message_id,
			       ts_headline('english', m.search_text, websearch_to_tsquery('english', $2)) AS headline,
			       ts_rank(m.search_vector, websearch_to_tsquery('english', $2)) AS rank
			FROM neuroagent_messages m
			JOIN neuroagent_threads t ON t.id = m.thread_id
			WHERE %s
			ORDER BY t.id, rank DESC
		) best
		ORDER BY rank DESC
		LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := r.conn(ctx).Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ports.ThreadSearchResult
	for rows.Next() {
		res := &ports.ThreadSearchResult{}
		if err := rows.Scan(&res.ThreadID, &res.Title, &res.MessageID, &res.Headline, &res.Rank); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (r *ThreadRepository) scanThread(row pgx.Row) (*models.Thread, error) {
	thread := &models.Thread{}
	var vlabID, projectID sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&thread.ID,
		&thread.UserID,
		&vlabID,
		&projectID,
		&thread.Title,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrThreadNotFound
		}
		return nil, err
	}

	thread.VlabID = getString(vlabID)
	thread.ProjectID = getString(projectID)
	thread.CreatedAt = createdAt
	thread.UpdatedAt = updatedAt
	return thread, nil
}

func (r *ThreadRepository) scanThreads(rows pgx.Rows) ([]*models.Thread, error) {
	var threads []*models.Thread
	for rows.Next() {
		thread, err := r.scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}
