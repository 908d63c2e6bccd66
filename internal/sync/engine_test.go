package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	messages     map[string]Message
	listPage     ListPage
	listErr      error
	listCalls    int
	batchCalls   int
	historyMsgs  []Message
	historyErrs  []string
	historyNext  string
	historyErr   error
	historyCalls int
	profile      ProfileInfo
	profileErr   error
}

func (f *fakeProvider) WindowQuery(since time.Time) string {
	return fmt.Sprintf("after:%d", since.Unix())
}

func (f *fakeProvider) ListMessageIDs(ctx context.Context, query string, maxResults int64, pageToken string) (*ListPage, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.listPage
	return &page, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return &m, nil
}

func (f *fakeProvider) BatchGetMessages(ctx context.Context, ids []string) ([]Message, []string) {
	f.batchCalls++
	var msgs []Message
	var errs []string
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			msgs = append(msgs, m)
		} else {
			errs = append(errs, fmt.Sprintf("fetch %s failed", id))
		}
	}
	return msgs, errs
}

func (f *fakeProvider) FetchHistory(ctx context.Context, cursor string) ([]Message, []string, string, error) {
	f.historyCalls++
	if f.historyErr != nil {
		return nil, nil, "", f.historyErr
	}
	return f.historyMsgs, f.historyErrs, f.historyNext, nil
}

func (f *fakeProvider) Profile(ctx context.Context) (*ProfileInfo, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	p := f.profile
	return &p, nil
}

type fakeStore struct {
	checkpoint  *Checkpoint
	upsertCalls int
	upsertErr   error
	failIDs     []string
}

func (f *fakeStore) GetCheckpoint(ctx context.Context, userID string, provider ProviderName) (*Checkpoint, error) {
	if f.checkpoint == nil {
		return nil, nil
	}
	cp := *f.checkpoint
	return &cp, nil
}

func (f *fakeStore) UpsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	c := *cp
	f.checkpoint = &c
	return nil
}

func (f *fakeStore) UpsertMessages(ctx context.Context, userID string, msgs []Message) (int, []string, error) {
	f.upsertCalls++
	if f.upsertErr != nil {
		return 0, nil, f.upsertErr
	}
	return len(msgs) - len(f.failIDs), f.failIDs, nil
}

type fakeCreds struct {
	authenticated bool
	err           error
	calls         int
}

func (f *fakeCreds) IsAuthenticated() bool { return f.authenticated }

func (f *fakeCreds) EnsureValidToken(ctx context.Context) error {
	f.calls++
	return f.err
}

func testMessage(id string) Message {
	return Message{
		Provider:          ProviderGmail,
		ProviderMessageID: id,
		Subject:           "subject " + id,
		SenderName:        "Sender",
		SenderEmail:       "sender@example.com",
		Timestamp:         time.Now(),
	}
}

func newTestEngine(provider *fakeProvider, store *fakeStore, creds *fakeCreds) *Engine {
	return NewEngine("u1", ProviderGmail, creds, provider, store)
}

func TestInitialSyncHappyPath(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]Message{
			"a": testMessage("a"),
			"b": testMessage("b"),
			"c": testMessage("c"),
		},
		listPage: ListPage{IDs: []string{"a", "b", "c"}},
		profile:  ProfileInfo{EmailAddress: "u@example.com", HistoryCursor: "12345"},
	}
	store := &fakeStore{}
	creds := &fakeCreds{authenticated: true}

	engine := newTestEngine(provider, store, creds)
	result := engine.PerformInitialSync(context.Background(), 30)

	require.True(t, result.Success)
	assert.Equal(t, 3, result.EmailsSynced)
	assert.Empty(t, result.Errors)

	require.NotNil(t, store.checkpoint)
	assert.Equal(t, StatusCompleted, store.checkpoint.Status)
	assert.Equal(t, "12345", store.checkpoint.Cursor)
	assert.Equal(t, 3, store.checkpoint.TotalCount)
	assert.Equal(t, 3, store.checkpoint.SyncedCount)
	assert.Equal(t, 1, creds.calls)
}

func TestInitialSyncProgressIsMonotonic(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]Message{"a": testMessage("a")},
		listPage: ListPage{IDs: []string{"a"}},
		profile:  ProfileInfo{HistoryCursor: "1"},
	}
	store := &fakeStore{}
	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})

	var percents []int
	engine.OnProgress = func(ev ProgressEvent) {
		percents = append(percents, ev.Percent)
	}

	result := engine.PerformInitialSync(context.Background(), 30)
	require.True(t, result.Success)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "percent regressed at event %d", i)
	}
	assert.Equal(t, 100, percents[len(percents)-1])
}

func TestInitialSyncRespectsFetchCap(t *testing.T) {
	messages := make(map[string]Message)
	var ids []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%d", i)
		ids = append(ids, id)
		messages[id] = testMessage(id)
	}
	provider := &fakeProvider{
		messages: messages,
		listPage: ListPage{IDs: ids, NextPageToken: "next-page"},
		profile:  ProfileInfo{HistoryCursor: "9"},
	}
	store := &fakeStore{}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	engine.FetchCap = 5
	result := engine.PerformInitialSync(context.Background(), 30)

	require.True(t, result.Success)
	assert.Equal(t, 5, result.EmailsSynced)
	assert.Equal(t, "next-page", result.NextPageToken)
	assert.Equal(t, 10, store.checkpoint.TotalCount)
	assert.Equal(t, 5, store.checkpoint.SyncedCount)
	assert.Equal(t, "next-page", store.checkpoint.PageToken)
}

func TestInitialSyncEmptyWindow(t *testing.T) {
	provider := &fakeProvider{listPage: ListPage{}, profile: ProfileInfo{HistoryCursor: "7"}}
	store := &fakeStore{}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformInitialSync(context.Background(), 30)

	require.True(t, result.Success)
	assert.Zero(t, result.EmailsSynced)
	assert.Zero(t, store.upsertCalls)
	assert.Equal(t, StatusCompleted, store.checkpoint.Status)
}

func TestInitialSyncToleratesPartialFetchFailures(t *testing.T) {
	provider := &fakeProvider{
		messages: map[string]Message{
			"a": testMessage("a"),
			"c": testMessage("c"),
		},
		// "b" cannot be fetched
		listPage: ListPage{IDs: []string{"a", "b", "c"}},
		profile:  ProfileInfo{HistoryCursor: "3"},
	}
	store := &fakeStore{}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformInitialSync(context.Background(), 30)

	require.True(t, result.Success, "skipped messages must not fail the run")
	assert.Equal(t, 2, result.EmailsSynced)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, StatusCompleted, store.checkpoint.Status)
}

func TestInitialSyncAuthFailure(t *testing.T) {
	provider := &fakeProvider{}
	store := &fakeStore{}
	creds := &fakeCreds{authenticated: true, err: errors.New("refresh rejected")}

	engine := newTestEngine(provider, store, creds)
	result := engine.PerformInitialSync(context.Background(), 30)

	assert.False(t, result.Success)
	assert.Zero(t, provider.listCalls, "no provider call after failed auth")
	require.NotNil(t, store.checkpoint)
	assert.Equal(t, StatusFailed, store.checkpoint.Status)
	assert.NotEmpty(t, store.checkpoint.LastError)
}

func TestInitialSyncNeverLeavesInProgress(t *testing.T) {
	provider := &fakeProvider{
		listPage: ListPage{IDs: []string{"a"}},
		messages: map[string]Message{"a": testMessage("a")},
	}
	store := &fakeStore{upsertErr: errors.New("disk full")}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformInitialSync(context.Background(), 30)

	assert.False(t, result.Success)
	require.NotNil(t, store.checkpoint)
	assert.Equal(t, StatusFailed, store.checkpoint.Status)
}

func TestIncrementalSyncRequiresCheckpoint(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint *Checkpoint
	}{
		{name: "no checkpoint row", checkpoint: nil},
		{name: "checkpoint without cursor", checkpoint: &Checkpoint{UserID: "u1", Provider: ProviderGmail, Status: StatusFailed}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{}
			store := &fakeStore{checkpoint: tt.checkpoint}
			creds := &fakeCreds{authenticated: true}

			engine := newTestEngine(provider, store, creds)
			result := engine.PerformIncrementalSync(context.Background())

			assert.False(t, result.Success)
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0], "initial sync")
			assert.Zero(t, provider.historyCalls, "no provider call without a checkpoint")
			assert.Zero(t, provider.listCalls)
			assert.Zero(t, creds.calls, "precondition is checked before auth")
		})
	}
}

func TestIncrementalSyncHappyPath(t *testing.T) {
	provider := &fakeProvider{
		historyMsgs: []Message{testMessage("x"), testMessage("y")},
		historyNext: "200",
	}
	store := &fakeStore{checkpoint: &Checkpoint{
		UserID: "u1", Provider: ProviderGmail, Cursor: "100",
		Status: StatusCompleted, TotalCount: 10, SyncedCount: 10,
	}}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformIncrementalSync(context.Background())

	require.True(t, result.Success)
	assert.Equal(t, 2, result.EmailsSynced)
	assert.Equal(t, "200", store.checkpoint.Cursor)
	assert.Equal(t, 12, store.checkpoint.TotalCount, "counters accumulate across runs")
	assert.Equal(t, 12, store.checkpoint.SyncedCount)
	assert.Equal(t, StatusCompleted, store.checkpoint.Status)
}

func TestIncrementalSyncReportsFetchErrors(t *testing.T) {
	provider := &fakeProvider{
		historyMsgs: []Message{testMessage("x")},
		historyErrs: []string{"message y: 500 backend error"},
		historyNext: "200",
	}
	store := &fakeStore{checkpoint: &Checkpoint{
		UserID: "u1", Provider: ProviderGmail, Cursor: "100",
		Status: StatusCompleted, TotalCount: 10, SyncedCount: 10,
	}}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformIncrementalSync(context.Background())

	require.True(t, result.Success, "a partial fetch still stores what arrived")
	assert.Equal(t, 1, result.EmailsSynced)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "message y")
	assert.Equal(t, "200", store.checkpoint.Cursor)
}

func TestIncrementalSyncFetchErrorsWithNoMessages(t *testing.T) {
	provider := &fakeProvider{
		historyErrs: []string{"message z: timeout"},
		historyNext: "150",
	}
	store := &fakeStore{checkpoint: &Checkpoint{
		UserID: "u1", Provider: ProviderGmail, Cursor: "100", Status: StatusCompleted,
	}}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformIncrementalSync(context.Background())

	require.True(t, result.Success)
	assert.Zero(t, result.EmailsSynced)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "message z")
	assert.Equal(t, "150", store.checkpoint.Cursor, "cursor still advances")
}

func TestIncrementalSyncNoChanges(t *testing.T) {
	provider := &fakeProvider{historyNext: "150"}
	store := &fakeStore{checkpoint: &Checkpoint{
		UserID: "u1", Provider: ProviderGmail, Cursor: "100",
		Status: StatusCompleted, TotalCount: 5, SyncedCount: 5,
	}}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformIncrementalSync(context.Background())

	require.True(t, result.Success)
	assert.Zero(t, result.EmailsSynced)
	assert.Zero(t, store.upsertCalls)
	assert.Equal(t, "150", store.checkpoint.Cursor, "cursor advances even with no changes")
	assert.Equal(t, 5, store.checkpoint.TotalCount)
}

func TestIncrementalSyncFallsBackWhenHistoryExpired(t *testing.T) {
	provider := &fakeProvider{
		historyErr: ErrHistoryExpired,
		messages:   map[string]Message{"a": testMessage("a")},
		listPage:   ListPage{IDs: []string{"a"}},
		profile:    ProfileInfo{HistoryCursor: "500"},
	}
	store := &fakeStore{checkpoint: &Checkpoint{
		UserID: "u1", Provider: ProviderGmail, Cursor: "old",
		Status: StatusCompleted,
	}}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformIncrementalSync(context.Background())

	require.True(t, result.Success, "expired cursor falls back to a bounded full sync")
	assert.Equal(t, 1, result.EmailsSynced)
	assert.Equal(t, 1, provider.historyCalls)
	assert.Equal(t, 1, provider.listCalls, "fallback runs the windowed list")
	assert.Equal(t, "500", store.checkpoint.Cursor, "cursor reset from the fresh profile")
}

func TestIncrementalSyncProviderError(t *testing.T) {
	provider := &fakeProvider{historyErr: errors.New("503 backend error")}
	store := &fakeStore{checkpoint: &Checkpoint{
		UserID: "u1", Provider: ProviderGmail, Cursor: "100", Status: StatusCompleted,
	}}

	engine := newTestEngine(provider, store, &fakeCreds{authenticated: true})
	result := engine.PerformIncrementalSync(context.Background())

	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, store.checkpoint.Status)
	assert.Equal(t, "100", store.checkpoint.Cursor, "cursor untouched on failure")
}
