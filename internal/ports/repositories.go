package ports

import (
	"context"
	"time"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
)

// SortOrder selects the direction of cursor pagination.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ThreadSortField selects the timestamp column used for ordering and as the
// pagination cursor.
type ThreadSortField string

const (
	ThreadSortByCreationDate ThreadSortField = "creation_date"
	ThreadSortByUpdateDate   ThreadSortField = "update_date"
)

// ThreadListFilter narrows and paginates a thread listing. Cursor is the
// timestamp of the last row from the previous page; zero means first page.
type ThreadListFilter struct {
	VlabID        string
	ProjectID     string
	Cursor        time.Time
	PageSize      int
	SortField     ThreadSortField
	SortOrder     SortOrder
	ExcludeEmpty  bool
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// ThreadPage is one page of a cursor-paginated listing. NextCursor is only
// meaningful when HasMore is true.
type ThreadPage struct {
	Threads    []*models.Thread
	HasMore    bool
	NextCursor time.Time
}

// MessagePage is one page of a cursor-paginated message listing.
type MessagePage struct {
	Messages   []*models.Message
	HasMore    bool
	NextCursor time.Time
}

// ThreadSearchResult is one full-text search hit across a user's threads.
type ThreadSearchResult struct {
	ThreadID  string  `json:"thread_id"`
	Title     string  `json:"title"`
	MessageID string  `json:"message_id"`
	Headline  string  `json:"headline"`
	Rank      float32 `json:"rank"`
}

// ThreadRepository defines operations for thread persistence
type ThreadRepository interface {
	Create(ctx context.Context, thread *models.Thread) error
	GetByID(ctx context.Context, id string) (*models.Thread, error)
	GetByIDAndUserID(ctx context.Context, id, userID string) (*models.Thread, error)
	List(ctx context.Context, userID string, filter ThreadListFilter) (*ThreadPage, error)
	UpdateTitle(ctx context.Context, id, title string) error
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// Search runs a websearch-style full-text query across every message of
	// the user's threads, optionally scoped to one virtual-lab project.
	Search(ctx context.Context, userID, vlabID, projectID, query string, limit int) ([]*ThreadSearchResult, error)
	// IsEmpty reports whether the thread has no messages.
	IsEmpty(ctx context.Context, id string) (bool, error)
}

// MessageRepository defines operations for message and part persistence
type MessageRepository interface {
	Create(ctx context.Context, message *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetByIDWithParts(ctx context.Context, id string) (*models.Message, error)
	// ListByThread pages the thread's messages; a non-empty role restricts
	// the page to that entity before pagination, so cursors and has_more
	// describe the filtered sequence.
	ListByThread(ctx context.Context, threadID string, cursor time.Time, pageSize int, order SortOrder, role models.MessageRole) (*MessagePage, error)
	GetAllByThread(ctx context.Context, threadID string) ([]*models.Message, error)
	// GetIncompleteAssistant returns the most recent assistant message of the
	// thread that is still open for a human-in-the-loop interrupt, or
	// domain.ErrMessageNotFound when the thread has none.
	GetIncompleteAssistant(ctx context.Context, threadID string) (*models.Message, error)
	SetComplete(ctx context.Context, id string, complete bool) error
	AppendParts(ctx context.Context, messageID string, parts []*models.Part) error
	// NextPartOrderIndex serializes order-index allocation for a message
	// across concurrent writers.
	NextPartOrderIndex(ctx context.Context, messageID string) (int, error)
	// SetPartValidated resolves the tri-state validation flag of the
	// FUNCTION_CALL part identified by its call id.
	SetPartValidated(ctx context.Context, messageID, callID string, validated bool) error
	GetPartByCallID(ctx context.Context, messageID, callID string) (*models.Part, error)
	// UpdateSearchVector refreshes the thread-scoped tsvector after message
	// text changes.
	UpdateSearchVector(ctx context.Context, messageID, text string) error
}

// TokenUsageRepository defines operations for the append-only token ledger
type TokenUsageRepository interface {
	Create(ctx context.Context, usage *models.TokenUsage) error
	CreateBatch(ctx context.Context, usages []*models.TokenUsage) error
	GetByMessage(ctx context.Context, messageID string) ([]*models.TokenUsage, error)
}

// ToolSelectionRepository persists the tool filter's decisions so a resumed
// request replays the same toolset.
type ToolSelectionRepository interface {
	CreateBatch(ctx context.Context, selections []*models.ToolSelection) error
	GetByMessage(ctx context.Context, messageID string) ([]*models.ToolSelection, error)
}

// TransactionManager defines the interface for managing database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
