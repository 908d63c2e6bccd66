// Package gmail implements the sync.Provider interface on the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vertexvista/mailsync/internal/sync"
	"github.com/vertexvista/mailsync/internal/tokens"
)

const (
	// batchSize keeps message-detail groups small to respect rate limits.
	batchSize = 5
	// batchDelay is the pause between groups.
	batchDelay = 200 * time.Millisecond
	// historyPageSize bounds one history page.
	historyPageSize = 100
)

// RetryPolicy controls how auth-expired responses are retried. The default
// refreshes once and retries the request once; a second failure propagates.
type RetryPolicy struct {
	MaxAuthRetries int
}

// DefaultRetryPolicy matches the provider contract: one refresh, one retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAuthRetries: 1}
}

// Adapter implements sync.Provider for Gmail.
type Adapter struct {
	svc    *gmailapi.Service
	tokens *tokens.Store
	retry  RetryPolicy
}

// New creates a Gmail adapter authenticated through the token store.
func New(ctx context.Context, ts *tokens.Store) (*Adapter, error) {
	httpClient := oauth2.NewClient(ctx, ts.TokenSource(ctx))

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, tokens: ts, retry: DefaultRetryPolicy()}, nil
}

// SetRetryPolicy replaces the auth-retry policy.
func (a *Adapter) SetRetryPolicy(p RetryPolicy) {
	a.retry = p
}

// withAuthRetry runs fn, and on an authorization-expired response refreshes
// the token and retries up to the policy limit. Any other error propagates.
func (a *Adapter) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for attempt := 0; attempt < a.retry.MaxAuthRetries && isAuthExpired(err); attempt++ {
		if refreshErr := a.tokens.ForceRefresh(ctx); refreshErr != nil {
			return fmt.Errorf("auth expired and refresh failed: %w", refreshErr)
		}
		err = fn()
	}
	return err
}

func isAuthExpired(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusUnauthorized
	}
	return false
}

// WindowQuery formats a Gmail search query matching messages received at or
// after since.
func (a *Adapter) WindowQuery(since time.Time) string {
	return fmt.Sprintf("after:%d", since.Unix())
}

// ListMessageIDs lists message ids matching query. Non-2xx responses surface
// the provider's status and body through the returned error.
func (a *Adapter) ListMessageIDs(ctx context.Context, query string, maxResults int64, pageToken string) (*sync.ListPage, error) {
	var resp *gmailapi.ListMessagesResponse

	err := a.withAuthRetry(ctx, func() error {
		call := a.svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(maxResults).Context(ctx)
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.ListPage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage fetches one message in full format and normalizes it.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.Message, error) {
	var raw *gmailapi.Message

	err := a.withAuthRetry(ctx, func() error {
		var err error
		raw, err = a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	msg := normalize(raw)
	return &msg, nil
}

// BatchGetMessages fetches ids in groups of batchSize with bounded concurrent
// requests inside each group and a short delay between groups. A failed
// message is skipped and reported; partial results are the normal case.
func (a *Adapter) BatchGetMessages(ctx context.Context, ids []string) ([]sync.Message, []string) {
	var messages []sync.Message
	var errs []string

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		group := ids[start:end]

		results := make([]*sync.Message, len(group))
		groupErrs := make([]error, len(group))

		var wg gosync.WaitGroup
		for i, id := range group {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				results[i], groupErrs[i] = a.GetMessage(ctx, id)
			}(i, id)
		}
		wg.Wait()

		for i, msg := range results {
			if msg != nil {
				messages = append(messages, *msg)
				continue
			}
			logrus.WithField("message_id", group[i]).WithError(groupErrs[i]).Warn("skipping message")
			errs = append(errs, fmt.Sprintf("message %s: %v", group[i], groupErrs[i]))
		}

		if end < len(ids) {
			select {
			case <-ctx.Done():
				return messages, errs
			case <-time.After(batchDelay):
			}
		}
	}

	return messages, errs
}

// FetchHistory returns messages added since cursor, deduplicated, and the
// most recent history id seen. A rejected cursor maps to ErrHistoryExpired so
// the engine can fall back to a fresh initial sync.
func (a *Adapter) FetchHistory(ctx context.Context, cursor string) ([]sync.Message, []string, string, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	latest := startHistoryID
	seen := make(map[string]bool)
	var added []string

	err = a.withAuthRetry(ctx, func() error {
		call := a.svc.Users.History.List("me").StartHistoryId(startHistoryID).MaxResults(historyPageSize)
		return call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				for _, record := range h.MessagesAdded {
					if record.Message == nil || seen[record.Message.Id] {
						continue
					}
					seen[record.Message.Id] = true
					added = append(added, record.Message.Id)
				}
			}
			return nil
		})
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			// Gmail expires history ids server-side; the caller re-runs a
			// bounded initial sync.
			return nil, nil, "", sync.ErrHistoryExpired
		}
		return nil, nil, "", fmt.Errorf("failed to list history: %w", err)
	}

	messages, errs := a.BatchGetMessages(ctx, added)
	return messages, errs, strconv.FormatUint(latest, 10), nil
}

// Profile returns the account address, current history cursor and mailbox
// message total.
func (a *Adapter) Profile(ctx context.Context) (*sync.ProfileInfo, error) {
	var profile *gmailapi.Profile

	err := a.withAuthRetry(ctx, func() error {
		var err error
		profile, err = a.svc.Users.GetProfile("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &sync.ProfileInfo{
		EmailAddress:  profile.EmailAddress,
		HistoryCursor: strconv.FormatUint(profile.HistoryId, 10),
		MessagesTotal: profile.MessagesTotal,
	}, nil
}
