// Package outlook implements the sync.Provider interface on Microsoft Graph.
package outlook

import (
	"context"
	"fmt"
	"html"
	"strings"
	gosync "sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microcosm-cc/bluemonday"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/sirupsen/logrus"

	"github.com/vertexvista/mailsync/internal/sync"
	"github.com/vertexvista/mailsync/internal/tokens"
)

const (
	batchSize  = 5
	batchDelay = 200 * time.Millisecond
)

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients",
	"bodyPreview", "body", "receivedDateTime", "isRead", "importance", "categories",
}

var htmlStripper = bluemonday.StrictPolicy()

// Adapter implements sync.Provider for Outlook via Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter for the given Graph user id, authenticated
// through the token store.
func New(ctx context.Context, ts *tokens.Store, userID string) (*Adapter, error) {
	cred := &storeTokenCredential{ctx: ctx, tokens: ts}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client, userID: userID}, nil
}

// WindowQuery formats an OData filter matching messages received at or after
// since.
func (a *Adapter) WindowQuery(since time.Time) string {
	return fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
}

// ListMessageIDs lists message ids matching the OData filter in query.
// Graph pagination through odata.nextLink is not chained here; one page per
// call, like the Gmail side.
func (a *Adapter) ListMessageIDs(ctx context.Context, query string, maxResults int64, pageToken string) (*sync.ListPage, error) {
	top := int32(maxResults)
	params := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:    &top,
		Select: []string{"id"},
	}
	if query != "" {
		params.Filter = &query
	}

	result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &sync.ListPage{}
	for _, m := range result.GetValue() {
		if id := m.GetId(); id != nil {
			page.IDs = append(page.IDs, *id)
		}
	}
	return page, nil
}

// GetMessage fetches and normalizes one message.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.Message, error) {
	result, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	msg := normalize(result)
	return &msg, nil
}

// BatchGetMessages mirrors the Gmail batching contract: small groups,
// bounded concurrency, delay between groups, skip-and-continue on failure.
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

// FetchHistory approximates delta sync with a receivedDateTime cursor: the
// cursor is the RFC3339 time of the newest message already seen. Graph's
// proper delta-link flow would replace this; timestamps never expire, so
// ErrHistoryExpired does not occur for this provider. The filter is
// inclusive so a second message sharing the cursor timestamp is not skipped;
// re-fetching the boundary message is harmless under idempotent upserts.
func (a *Adapter) FetchHistory(ctx context.Context, cursor string) ([]sync.Message, []string, string, error) {
	since, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return nil, nil, "", fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
	page, err := a.ListMessageIDs(ctx, filter, 100, "")
	if err != nil {
		return nil, nil, "", err
	}

	messages, errs := a.BatchGetMessages(ctx, page.IDs)

	latest := since
	for _, m := range messages {
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}

	return messages, errs, latest.UTC().Format(time.RFC3339), nil
}

// Profile returns the account address. Graph has no mailbox-wide history id;
// the current time serves as the delta cursor.
func (a *Adapter) Profile(ctx context.Context) (*sync.ProfileInfo, error) {
	user, err := a.client.Users().ByUserId(a.userID).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	info := &sync.ProfileInfo{
		HistoryCursor: time.Now().UTC().Format(time.RFC3339),
	}
	if mail := user.GetMail(); mail != nil {
		info.EmailAddress = *mail
	}
	return info, nil
}

// normalize converts a Graph message to the provider-agnostic record.
func normalize(m models.Messageable) sync.Message {
	msg := sync.Message{
		Provider:  sync.ProviderOutlook,
		Timestamp: time.Now(),
		Metadata:  map[string]string{},
	}

	if id := m.GetId(); id != nil {
		msg.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil && *subject != "" {
		msg.Subject = *subject
	} else {
		msg.Subject = "(No Subject)"
	}

	msg.SenderName, msg.SenderEmail = "Unknown Sender", "unknown@example.com"
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			if name := addr.GetName(); name != nil && *name != "" {
				msg.SenderName = *name
			}
			if email := addr.GetAddress(); email != nil && *email != "" {
				msg.SenderEmail = *email
				if msg.SenderName == "Unknown Sender" {
					msg.SenderName = strings.SplitN(*email, "@", 2)[0]
				}
			}
		}
	}

	msg.RecipientEmail = "unknown@example.com"
	if to := m.GetToRecipients(); len(to) > 0 {
		if addr := to[0].GetEmailAddress(); addr != nil {
			if email := addr.GetAddress(); email != nil && *email != "" {
				msg.RecipientEmail = *email
			}
		}
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		content := *body.GetContent()
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			content = strings.TrimSpace(html.UnescapeString(htmlStripper.Sanitize(content)))
		}
		msg.Body = content
	}
	if msg.Body == "" {
		if preview := m.GetBodyPreview(); preview != nil {
			msg.Body = *preview
		}
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Timestamp = *rcvd
	}
	if isRead := m.GetIsRead(); isRead != nil {
		msg.IsRead = *isRead
	}

	if imp := m.GetImportance(); imp != nil && *imp == models.HIGH_IMPORTANCE {
		msg.IsImportant = true
	}
	lower := strings.ToLower(msg.Subject)
	for _, kw := range []string{"urgent", "important", "asap", "priority"} {
		if strings.Contains(lower, kw) {
			msg.IsImportant = true
			break
		}
	}

	msg.Labels = m.GetCategories()
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Metadata["snippet"] = *preview
	}

	return msg
}

// storeTokenCredential adapts the token store to the Azure credential
// interface expected by the Graph client.
type storeTokenCredential struct {
	ctx    context.Context
	tokens *tokens.Store
}

func (c *storeTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if err := c.tokens.EnsureValidToken(ctx); err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{
		Token:     c.tokens.AccessToken(),
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
