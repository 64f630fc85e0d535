package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
)

type TokenUsageRepository struct {
	BaseRepository
}

func NewTokenUsageRepository(pool *pgxpool.Pool) *TokenUsageRepository {
	return &TokenUsageRepository{
		BaseRepository: NewBaseRepository(pool),
	}
}

const insertTokenUsageQuery = `
		INSERT INTO neuroagent_token_usage (
			id, message_id, task, token_type, model, token_count, creation_date
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)`

func (r *TokenUsageRepository) Create(ctx context.Context, usage *models.TokenUsage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, insertTokenUsageQuery,
		usage.ID,
		usage.MessageID,
		string(usage.Task),
		string(usage.Type),
		usage.Model,
		usage.Count,
		usage.CreatedAt,
	)
	return err
}

// CreateBatch writes every ledger row of one request. Zero-count rows are
// skipped; the ledger only records consumption that happened.
func (r *TokenUsageRepository) CreateBatch(ctx context.Context, usages []*models.TokenUsage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	for _, usage := range usages {
		if usage.Count == 0 {
			continue
		}
		_, err := r.conn(ctx).Exec(ctx, insertTokenUsageQuery,
			usage.ID,
			usage.MessageID,
			string(usage.Task),
			string(usage.Type),
			usage.Model,
			usage.Count,
			usage.CreatedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *TokenUsageRepository) GetByMessage(ctx context.Context, messageID string) ([]*models.TokenUsage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, message_id, task, token_type, model, token_count, creation_date
		FROM neuroagent_token_usage
		WHERE message_id = $1
		ORDER BY creation_date ASC`

	rows, err := r.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usages []*models.TokenUsage
	for rows.Next() {
		usage, err := r.scanTokenUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	return usages, rows.Err()
}

func (r *TokenUsageRepository) scanTokenUsage(row pgx.Row) (*models.TokenUsage, error) {
	usage := &models.TokenUsage{}
	var task, tokenType string

	err := row.Scan(
		&usage.ID,
		&usage.MessageID,
		&task,
		&tokenType,
		&usage.Model,
		&usage.Count,
		&usage.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	usage.Task = models.TokenTask(task)
	usage.Type = models.TokenType(tokenType)
	return usage, nil
}
