package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultWindowDays bounds the initial sync to recent mail.
	DefaultWindowDays = 30
	// DefaultFetchCap bounds how many messages the first run fetches in
	// detail; the rest stay reachable through the page token.
	DefaultFetchCap = 50
	// listPageSize is the max ids requested per list call.
	listPageSize = 100
)

// ErrNoCheckpoint means incremental sync was requested before any initial
// sync completed. This is terminal for the call, not a fallback to full sync.
var ErrNoCheckpoint = errors.New("incremental sync requires a completed initial sync")

// Store is the durable side of the engine: mailbox rows and checkpoints.
type Store interface {
	GetCheckpoint(ctx context.Context, userID string, provider ProviderName) (*Checkpoint, error)
	UpsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	UpsertMessages(ctx context.Context, userID string, msgs []Message) (stored int, failedIDs []string, err error)
}

// CredentialSource is the slice of the token store the engine needs.
type CredentialSource interface {
	IsAuthenticated() bool
	EnsureValidToken(ctx context.Context) error
}

// Engine orchestrates initial and incremental synchronization for one
// (user, provider) connection. All collaborators are injected; the engine
// holds no global state and is safe to construct per session.
type Engine struct {
	userID   string
	provider ProviderName
	creds    CredentialSource
	client   Provider
	store    Store

	WindowDays int
	FetchCap   int
	OnProgress ProgressFunc

	lastPercent int
}

// NewEngine creates a sync engine with default window and fetch cap.
func NewEngine(userID string, provider ProviderName, creds CredentialSource, client Provider, store Store) *Engine {
	return &Engine{
		userID:     userID,
		provider:   provider,
		creds:      creds,
		client:     client,
		store:      store,
		WindowDays: DefaultWindowDays,
		FetchCap:   DefaultFetchCap,
	}
}

// emit reports progress. Percent is clamped so it never decreases within a
// run even if phases overlap oddly.
func (e *Engine) emit(phase Phase, percent int, msg string, processed, total int, errs []string) {
	if percent < e.lastPercent {
		percent = e.lastPercent
	}
	e.lastPercent = percent
	if e.OnProgress == nil {
		return
	}
	e.OnProgress(ProgressEvent{
		Phase:          phase,
		Percent:        percent,
		Message:        msg,
		ProcessedCount: processed,
		TotalCount:     total,
		Errors:         errs,
	})
}

// PerformInitialSync runs the windowed first sync: authenticate, list ids for
// the last windowDays days, fetch up to FetchCap of them, store, checkpoint.
// Re-running it against an unchanged mailbox is a no-op thanks to idempotent
// upserts. windowDays <= 0 uses the engine default.
func (e *Engine) PerformInitialSync(ctx context.Context, windowDays int) Result {
	if windowDays <= 0 {
		windowDays = e.WindowDays
	}
	e.lastPercent = 0

	e.emit(PhaseAuthenticating, 0, "authenticating", 0, 0, nil)
	if err := e.creds.EnsureValidToken(ctx); err != nil {
		return e.fail(ctx, fmt.Errorf("authentication failed: %w", err), nil)
	}

	if err := e.markInProgress(ctx); err != nil {
		return e.fail(ctx, err, nil)
	}

	e.emit(PhaseFetching, 20, fmt.Sprintf("listing messages from the last %d days", windowDays), 0, 0, nil)
	since := time.Now().AddDate(0, 0, -windowDays)
	page, err := e.client.ListMessageIDs(ctx, e.client.WindowQuery(since), listPageSize, "")
	if err != nil {
		return e.fail(ctx, fmt.Errorf("list messages: %w", err), nil)
	}

	if len(page.IDs) == 0 {
		if err := e.finishCheckpoint(ctx, "", "", 0, 0, false); err != nil {
			return e.fail(ctx, err, nil)
		}
		e.emit(PhaseComplete, 100, "no messages in window", 0, 0, nil)
		return Result{Success: true}
	}

	ids := page.IDs
	if len(ids) > e.FetchCap {
		// Bound the first run; the remainder is reachable via the page token.
		ids = ids[:e.FetchCap]
	}

	e.emit(PhaseProcessing, 30, fmt.Sprintf("fetching %d of %d messages", len(ids), len(page.IDs)), 0, len(page.IDs), nil)
	msgs, errs := e.client.BatchGetMessages(ctx, ids)

	e.emit(PhaseStoring, 50, fmt.Sprintf("storing %d messages", len(msgs)), len(msgs), len(page.IDs), errs)
	stored, failedIDs, err := e.store.UpsertMessages(ctx, e.userID, msgs)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("store messages: %w", err), errs)
	}
	for _, id := range failedIDs {
		errs = append(errs, fmt.Sprintf("store message %s failed", id))
	}
	if len(msgs) > 0 {
		e.emit(PhaseStoring, 50+stored*40/len(msgs), "stored", stored, len(page.IDs), errs)
	}

	if err := e.finishCheckpoint(ctx, "", page.NextPageToken, len(page.IDs), stored, false); err != nil {
		return e.fail(ctx, err, errs)
	}

	e.emit(PhaseComplete, 100, fmt.Sprintf("synced %d messages", stored), stored, len(page.IDs), errs)
	return Result{
		Success:       true,
		EmailsSynced:  stored,
		Errors:        errs,
		NextPageToken: page.NextPageToken,
	}
}

// PerformIncrementalSync fetches changes since the stored history cursor.
// Without a prior checkpoint it fails before any provider call. A cursor the
// provider has expired falls back transparently to a bounded initial sync.
func (e *Engine) PerformIncrementalSync(ctx context.Context) Result {
	e.lastPercent = 0
	e.emit(PhaseAuthenticating, 0, "authenticating", 0, 0, nil)

	cp, err := e.store.GetCheckpoint(ctx, e.userID, e.provider)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("load checkpoint: %w", err), nil)
	}
	if cp == nil || cp.Cursor == "" {
		// No checkpoint row gets created for a sync that never started.
		errMsg := ErrNoCheckpoint.Error()
		e.emit(PhaseError, 0, errMsg, 0, 0, []string{errMsg})
		return Result{Success: false, Errors: []string{errMsg}}
	}

	if err := e.creds.EnsureValidToken(ctx); err != nil {
		return e.fail(ctx, fmt.Errorf("authentication failed: %w", err), nil)
	}
	if err := e.markInProgress(ctx); err != nil {
		return e.fail(ctx, err, nil)
	}

	e.emit(PhaseFetching, 20, "fetching changes since last sync", 0, 0, nil)
	msgs, fetchErrs, newCursor, err := e.client.FetchHistory(ctx, cp.Cursor)
	if errors.Is(err, ErrHistoryExpired) {
		logrus.WithFields(logrus.Fields{
			"user_id":  e.userID,
			"provider": e.provider,
		}).Warn("history cursor expired, re-running bounded initial sync")
		return e.PerformInitialSync(ctx, e.WindowDays)
	}
	if err != nil {
		return e.fail(ctx, fmt.Errorf("fetch history: %w", err), nil)
	}
	errs := append([]string(nil), fetchErrs...)

	if len(msgs) == 0 {
		if err := e.finishCheckpoint(ctx, newCursor, cp.PageToken, cp.TotalCount, cp.SyncedCount, true); err != nil {
			return e.fail(ctx, err, errs)
		}
		e.emit(PhaseComplete, 100, "no new messages", 0, 0, errs)
		return Result{Success: true, Errors: errs}
	}

	e.emit(PhaseStoring, 50, fmt.Sprintf("storing %d new messages", len(msgs)), len(msgs), len(msgs), nil)
	stored, failedIDs, err := e.store.UpsertMessages(ctx, e.userID, msgs)
	if err != nil {
		return e.fail(ctx, fmt.Errorf("store messages: %w", err), errs)
	}
	for _, id := range failedIDs {
		errs = append(errs, fmt.Sprintf("store message %s failed", id))
	}

	if err := e.finishCheckpoint(ctx, newCursor, cp.PageToken, cp.TotalCount+len(msgs), cp.SyncedCount+stored, true); err != nil {
		return e.fail(ctx, err, errs)
	}

	e.emit(PhaseComplete, 100, fmt.Sprintf("synced %d new messages", stored), stored, len(msgs), errs)
	return Result{Success: true, EmailsSynced: stored, Errors: errs}
}

// markInProgress writes the in_progress state, preserving existing counters.
func (e *Engine) markInProgress(ctx context.Context) error {
	cp, err := e.store.GetCheckpoint(ctx, e.userID, e.provider)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp = &Checkpoint{UserID: e.userID, Provider: e.provider}
	}
	cp.Status = StatusInProgress
	cp.LastSyncAt = time.Now()
	if err := e.store.UpsertCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// finishCheckpoint writes the completed terminal state. For initial syncs the
// cursor comes from the provider profile; incremental runs pass it directly.
func (e *Engine) finishCheckpoint(ctx context.Context, cursor, pageToken string, total, synced int, incremental bool) error {
	cp, err := e.store.GetCheckpoint(ctx, e.userID, e.provider)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp = &Checkpoint{UserID: e.userID, Provider: e.provider}
	}

	if !incremental {
		// Snapshot the provider's current history cursor so the next run can
		// be incremental. Failure here keeps the previous cursor but does not
		// fail the run.
		if profile, perr := e.client.Profile(ctx); perr == nil && profile.HistoryCursor != "" {
			cp.Cursor = profile.HistoryCursor
		} else if perr != nil {
			logrus.WithError(perr).Warn("could not read provider profile for history cursor")
		}
	} else if cursor != "" {
		cp.Cursor = cursor
	}

	cp.PageToken = pageToken
	cp.Status = StatusCompleted
	cp.TotalCount = total
	cp.SyncedCount = synced
	cp.LastSyncAt = time.Now()
	cp.LastError = ""

	if err := e.store.UpsertCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// fail marks the checkpoint failed, emits a terminal error event and builds
// the failed result. No checkpoint is ever left in_progress.
func (e *Engine) fail(ctx context.Context, runErr error, errs []string) Result {
	errs = append(errs, runErr.Error())

	cp, err := e.store.GetCheckpoint(ctx, e.userID, e.provider)
	if err == nil {
		if cp == nil {
			cp = &Checkpoint{UserID: e.userID, Provider: e.provider}
		}
		cp.Status = StatusFailed
		cp.LastError = runErr.Error()
		cp.LastSyncAt = time.Now()
		if serr := e.store.UpsertCheckpoint(ctx, cp); serr != nil {
			logrus.WithError(serr).Error("failed to record sync failure")
		}
	} else {
		logrus.WithError(err).Error("failed to load checkpoint while recording sync failure")
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  e.userID,
		"provider": e.provider,
	}).WithError(runErr).Error("sync run failed")

	e.emit(PhaseError, e.lastPercent, runErr.Error(), 0, 0, errs)
	return Result{Success: false, Errors: errs}
}
