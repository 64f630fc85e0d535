package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
)

type ToolSelectionRepository struct {
	BaseRepository
}

func NewToolSelectionRepository(pool *pgxpool.Pool) *ToolSelectionRepository {
	return &ToolSelectionRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

func (r *ToolSelectionRepository) CreateBatch(ctx context.Context, selections []*models.ToolSelection) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO neuroagent_tool_selections (
			id, message_id, tool_name, creation_date
		) VALUES (
			$1, $2, $3, $4
		)`

	for _, sel := range selections {
		_, err := r.conn(ctx).Exec(ctx, query,
			sel.ID,
			sel.MessageID,
			sel.ToolName,
			sel.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ToolSelectionRepository) GetByMessage(ctx context.Context, messageID string) ([]*models.ToolSelection, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, message_id, tool_name, creation_date
		FROM neuroagent_tool_selections
		WHERE message_id = $1
		ORDER BY creation_date ASC`

	rows, err := r.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var selections []*models.ToolSelection
	for rows.Next() {
		sel := &models.ToolSelection{}
		if err := rows.Scan(&sel.ID, &sel.MessageID, &sel.ToolName, &sel.CreatedAt); err != nil {
			return nil, err
		}
		selections = append(selections, sel)
	}
	return selections, rows.Err()
}
