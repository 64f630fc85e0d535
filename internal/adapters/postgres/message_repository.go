package postgres

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

type MessageRepository struct {
	BaseRepository
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

// Create inserts the message row and any parts already attached to it.
func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO neuroagent_messages (
			id, thread_id, entity, is_complete, creation_date
		) VALUES (
			$1, $2, $3, $4, $5
		)`

	_, err := r.conn(ctx).Exec(ctx, query,
		message.ID,
		message.ThreadID,
		string(message.Role),
		message.IsComplete,
		message.CreatedAt,
	)
	if err != nil {
		return err
	}

	if len(message.Parts) > 0 {
		return r.AppendParts(ctx, message.ID, message.Parts)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, thread_id, entity, is_complete, creation_date
		FROM neuroagent_messages
		WHERE id = $1`

	return r.scanMessage(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *MessageRepository) GetByIDWithParts(ctx context.Context, id string) (*models.Message, error) {
	message, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	parts, err := r.getParts(ctx, id)
	if err != nil {
		return nil, err
	}
	message.Parts = parts
	return message, nil
}

// ListByThread pages messages oldest-first by default, loading parts for every
// returned message. The entity filter runs inside the query so pagination
// describes the filtered sequence.
func (r *MessageRepository) ListByThread(ctx context.Context, threadID string, cursor time.Time, pageSize int, order ports.SortOrder, role models.MessageRole) (*ports.MessagePage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if order != ports.SortAsc && order != ports.SortDesc {
		order = ports.SortAsc
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := `
		SELECT id, thread_id, entity, is_complete, creation_date
		FROM neuroagent_messages
		WHERE thread_id = $1 AND ($2::timestamptz IS NULL OR creation_date > $2)
		  AND ($3::text IS NULL OR entity = $3)
		ORDER BY creation_date ASC
		LIMIT $4`
	if order == ports.SortDesc {
		query = `
		SELECT id, thread_id, entity, is_complete, creation_date
		FROM neuroagent_messages
		WHERE thread_id = $1 AND ($2::timestamptz IS NULL OR creation_date < $2)
		  AND ($3::text IS NULL OR entity = $3)
		ORDER BY creation_date DESC
		LIMIT $4`
	}

	var cursorArg any
	if !cursor.IsZero() {
		cursorArg = cursor
	}
	var roleArg any
	if role != "" {
		roleArg = string(role)
	}

	rows, err := r.conn(ctx).Query(ctx, query, threadID, cursorArg, roleArg, pageSize+1)
	if err != nil {
		return nil, err
	}
	messages, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	page := &ports.MessagePage{Messages: messages}
	if len(messages) > pageSize {
		page.Messages = messages[:pageSize]
		page.HasMore = true
		page.NextCursor = page.Messages[pageSize-1].CreatedAt
	}

	for _, m := range page.Messages {
		parts, err := r.getParts(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Parts = parts
	}
	return page, nil
}

// GetAllByThread loads the full ordered history with parts, as fed to the
// model at the start of a streaming request.
func (r *MessageRepository) GetAllByThread(ctx context.Context, threadID string) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, thread_id, entity, is_complete, creation_date
		FROM neuroagent_messages
		WHERE thread_id = $1
		ORDER BY creation_date ASC`

	rows, err := r.conn(ctx).Query(ctx, query, threadID)
	if err != nil {
		return nil, err
	}
	messages, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for _, m := range messages {
		parts, err := r.getParts(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Parts = parts
	}
	return messages, nil
}

func (r *MessageRepository) GetIncompleteAssistant(ctx context.Context, threadID string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, thread_id, entity, is_complete, creation_date
		FROM neuroagent_messages
		WHERE thread_id = $1 AND entity = 'assistant' AND is_complete = false
		ORDER BY creation_date DESC
		LIMIT 1`

	message, err := r.scanMessage(r.conn(ctx).QueryRow(ctx, query, threadID))
	if err != nil {
		return nil, err
	}

	parts, err := r.getParts(ctx, message.ID)
	if err != nil {
		return nil, err
	}
	message.Parts = parts
	return message, nil
}

func (r *MessageRepository) SetComplete(ctx context.Context, id string, complete bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE neuroagent_messages
		SET is_complete = $2
		WHERE id = $1`

	tag, err := r.conn(ctx).Exec(ctx, query, id, complete)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *MessageRepository) AppendParts(ctx context.Context, messageID string, parts []*models.Part) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO neuroagent_message_parts (
			id, message_id, order_index, part_type, payload, validated, creation_date
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)`

	for _, part := range parts {
		_, err := r.conn(ctx).Exec(ctx, query,
			part.ID,
			messageID,
			part.OrderIndex,
			string(part.Type),
			[]byte(part.Payload),
			nullBoolPtr(part.Validated),
			part.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// NextPartOrderIndex allocates the next dense order index for a message. A
// transaction-scoped advisory lock keyed on the message id serializes
// concurrent writers appending tool outputs to the same message.
func (r *MessageRepository) NextPartOrderIndex(ctx context.Context, messageID string) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if tx := GetTx(ctx); tx != nil {
		return r.nextOrderIndexWithConn(ctx, tx, messageID)
	}

	tx, err := r.Pool().Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	next, err := r.nextOrderIndexWithConn(ctx, tx, messageID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *MessageRepository) nextOrderIndexWithConn(ctx context.Context, conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, messageID string) (int, error) {
	_, err := conn.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", hashMessageID(messageID))
	if err != nil {
		return 0, err
	}

	query := `
		SELECT COALESCE(MAX(order_index), -1) + 1 AS next_index
		FROM neuroagent_message_parts
		WHERE message_id = $1`

	var next int
	if err := conn.QueryRow(ctx, query, messageID).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// hashMessageID folds a message id into the 64-bit keyspace of the advisory
// lock.
func hashMessageID(messageID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(messageID))
	return int64(h.Sum64())
}

func (r *MessageRepository) SetPartValidated(ctx context.Context, messageID, callID string, validated bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE neuroagent_message_parts
		SET validated = $3
		WHERE message_id = $1
		  AND part_type = 'FUNCTION_CALL'
		  AND payload->>'call_id' = $2`

	tag, err := r.conn(ctx).Exec(ctx, query, messageID, callID, validated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrToolNotFound
	}
	return nil
}

func (r *MessageRepository) GetPartByCallID(ctx context.Context, messageID, callID string) (*models.Part, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, message_id, order_index, part_type, payload, validated, creation_date
		FROM neuroagent_message_parts
		WHERE message_id = $1
		  AND part_type = 'FUNCTION_CALL'
		  AND payload->>'call_id' = $2`

	return r.scanPart(r.conn(ctx).QueryRow(ctx, query, messageID, callID))
}

// UpdateSearchVector refreshes the raw search text and its tsvector for a
// message after its textual parts change.
func (r *MessageRepository) UpdateSearchVector(ctx context.Context, messageID, text string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE neuroagent_messages
		SET search_text = $2,
		    search_vector = to_tsvector('english', $2)
		WHERE id = $1`

	_, err := r.conn(ctx).Exec(ctx, query, messageID, text)
	return err
}

func (r *MessageRepository) getParts(ctx context.Context, messageID string) ([]*models.Part, error) {
	query := `
		SELECT id, message_id, order_index, part_type, payload, validated, creation_date
		FROM neuroagent_message_parts
		WHERE message_id = $1
		ORDER BY order_index ASC`

	rows, err := r.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []*models.Part
	for rows.Next() {
		part, err := r.scanPart(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

func (r *MessageRepository) scanMessage(row pgx.Row) (*models.Message, error) {
	message := &models.Message{}
	var role string

	err := row.Scan(
		&message.ID,
		&message.ThreadID,
		&role,
		&message.IsComplete,
		&message.CreatedAt,
	)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}

	message.Role = models.MessageRole(role)
	return message, nil
}

func (r *MessageRepository) scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		message, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *MessageRepository) scanPart(row pgx.Row) (*models.Part, error) {
	part := &models.Part{}
	var partType string
	var payload []byte
	var validated sql.NullBool

	err := row.Scan(
		&part.ID,
		&part.MessageID,
		&part.OrderIndex,
		&partType,
		&payload,
		&validated,
		&part.CreatedAt,
	)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}

	part.Type = models.PartType(partType)
	part.Payload = payload
	part.Validated = getBoolPtr(validated)
	return part, nil
}
