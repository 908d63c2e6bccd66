package sync

import (
	"context"
	"errors"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGmail   ProviderName = "gmail"
	ProviderOutlook ProviderName = "outlook"
)

// ErrHistoryExpired is returned by FetchHistory when the provider no longer
// accepts the stored cursor. The engine reacts by re-running a bounded
// initial sync instead of failing the run.
var ErrHistoryExpired = errors.New("history cursor expired")

// Message is the provider-agnostic representation of one email, used
// uniformly by storage and the API layer.
type Message struct {
	Provider          ProviderName
	ProviderMessageID string // opaque, provider-assigned, unique per account
	ThreadID          string
	Subject           string
	SenderName        string
	SenderEmail       string
	RecipientEmail    string
	Body              string
	Timestamp         time.Time
	IsRead            bool
	IsImportant       bool
	Labels            []string
	// Metadata carries provider-specific fields (history id, raw label ids,
	// snippet) that storage and UI pass through without caring about shape.
	Metadata map[string]string
}

// StorageID is the deterministic composite key used for idempotent upserts:
// fetching the same message twice always maps to the same row.
func (m Message) StorageID() string {
	return string(m.Provider) + "_" + m.ProviderMessageID
}

// CheckpointStatus is the lifecycle state of a checkpoint row.
type CheckpointStatus string

const (
	StatusPending    CheckpointStatus = "pending"
	StatusInProgress CheckpointStatus = "in_progress"
	StatusCompleted  CheckpointStatus = "completed"
	StatusFailed     CheckpointStatus = "failed"
)

// Checkpoint is the durable sync state for one (user, provider) pair.
type Checkpoint struct {
	UserID      string
	Provider    ProviderName
	Cursor      string // Gmail: last history id; Outlook: delta cursor
	PageToken   string // continuation for ids the initial sync did not fetch
	Status      CheckpointStatus
	TotalCount  int
	SyncedCount int
	LastSyncAt  time.Time
	LastError   string
}

// ListPage is one page of message ids from a provider list call.
type ListPage struct {
	IDs           []string
	NextPageToken string
}

// ProfileInfo is the subset of the provider profile the engine needs.
type ProfileInfo struct {
	EmailAddress  string
	HistoryCursor string
	MessagesTotal int64
}

// Provider is the uniform interface over a mail provider's REST API.
// Implementations hide pagination, batching and auth-retry details.
type Provider interface {
	// WindowQuery formats a date-bounded query in the provider's filter
	// syntax, matching messages received at or after since.
	WindowQuery(since time.Time) string

	// ListMessageIDs lists message ids matching a provider-specific query.
	ListMessageIDs(ctx context.Context, query string, maxResults int64, pageToken string) (*ListPage, error)

	// GetMessage fetches and normalizes one message. A per-message fetch
	// failure returns (nil, err); callers skip and continue.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// BatchGetMessages fetches ids in small rate-limited groups and returns
	// every message that could be fetched plus one error string per id that
	// could not.
	BatchGetMessages(ctx context.Context, ids []string) ([]Message, []string)

	// FetchHistory returns messages added since cursor, one error string per
	// message that could not be fetched, and the advanced cursor. Returns
	// ErrHistoryExpired when the provider rejects the cursor.
	FetchHistory(ctx context.Context, cursor string) ([]Message, []string, string, error)

	// Profile returns the account address, the current history cursor and
	// the mailbox message total.
	Profile(ctx context.Context) (*ProfileInfo, error)
}

// Phase identifies where a sync run currently is.
type Phase string

const (
	PhaseAuthenticating Phase = "authenticating"
	PhaseFetching       Phase = "fetching"
	PhaseProcessing     Phase = "processing"
	PhaseStoring        Phase = "storing"
	PhaseComplete       Phase = "complete"
	PhaseError          Phase = "error"
)

// ProgressEvent is emitted after phase transitions. Percent is monotonically
// non-decreasing within one run. Events are ephemeral, never persisted.
type ProgressEvent struct {
	Phase          Phase
	Percent        int
	Message        string
	ProcessedCount int
	TotalCount     int
	Errors         []string
}

// ProgressFunc consumes progress events. Consumers must not assume a fixed
// number of calls per sync run.
type ProgressFunc func(ProgressEvent)

// Result is the outcome of one sync run. Partial success (some messages
// skipped) is still Success=true with entries in Errors.
type Result struct {
	Success       bool
	EmailsSynced  int
	Errors        []string
	NextPageToken string
}
