package ports

import (
	"context"
	"io"
	"time"
)

// IDGenerator mints identifiers for all persisted entities and for tool call
// ids handed to clients.
type IDGenerator interface {
	NewID() string
}

// RateLimitInfo is the outcome of one sliding-window check. Limit == -1 and
// Remaining == -1 mean the caller is not subject to limiting.
type RateLimitInfo struct {
	Limit     int64
	Remaining int64
	ResetIn   time.Duration
	Limited   bool
}

// RateLimiter enforces a per-subject sliding-window request quota.
type RateLimiter interface {
	// Check consumes one unit from the subject's window when allowed. It
	// never fails open silently: when the backing store is unreachable the
	// request is allowed and the error is returned for logging.
	Check(ctx context.Context, subject, route string, limit int64, window time.Duration) (*RateLimitInfo, error)
}

// StoredObject describes one object attached to a thread.
type StoredObject struct {
	Key         string
	Category    string
	ThreadID    string
	ContentType string
	Size        int64
}

// ObjectStore persists binary artifacts produced by tools (plots, morphology
// renderings) under per-user prefixes.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, meta map[string]string, body io.Reader) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	ListPrefix(ctx context.Context, prefix string) ([]StoredObject, error)
	// DeleteKeys removes the given objects, batching deletes to the
	// backend's per-request cap.
	DeleteKeys(ctx context.Context, keys []string) (int, error)
}

// UserInfo is the identity attached to an authenticated request.
type UserInfo struct {
	Sub        string
	Username   string
	Email      string
	GivenName  string
	FamilyName string
	Groups     []string
}

// AuthGate validates bearer tokens against the identity provider and decides
// project membership from the token's group claims.
type AuthGate interface {
	Verify(ctx context.Context, bearerToken string) (*UserInfo, error)
	// CheckProjectAccess reports whether the user belongs to the virtual-lab
	// project named by the pair, at any role.
	CheckProjectAccess(ctx context.Context, user *UserInfo, vlabID, projectID string) bool
}

// AccountingSession meters one billable request against a virtual-lab
// project budget.
type AccountingSession interface {
	// Start opens a oneshot accounting session; the returned closer reports
	// final token counts when the request ends.
	Start(ctx context.Context, sub, vlabID, projectID string) (AccountingCloser, error)
}

// AccountingCloser finalizes an accounting session.
type AccountingCloser interface {
	Close(ctx context.Context, inputTokens, outputTokens int64) error
}
