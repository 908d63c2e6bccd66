package outlook

import (
	"context"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertexvista/mailsync/internal/sync"
)

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func graphMessage(t *testing.T) models.Messageable {
	t.Helper()
	m := models.NewMessage()
	m.SetId(strPtr("out1"))
	m.SetConversationId(strPtr("conv1"))
	m.SetSubject(strPtr("Quarterly review"))

	from := models.NewRecipient()
	addr := models.NewEmailAddress()
	addr.SetName(strPtr("Jane Doe"))
	addr.SetAddress(strPtr("jane@example.com"))
	from.SetEmailAddress(addr)
	m.SetFrom(from)

	to := models.NewRecipient()
	toAddr := models.NewEmailAddress()
	toAddr.SetAddress(strPtr("me@example.com"))
	to.SetEmailAddress(toAddr)
	m.SetToRecipients([]models.Recipientable{to})

	body := models.NewItemBody()
	ct := models.HTML_BODYTYPE
	body.SetContentType(&ct)
	body.SetContent(strPtr("<p>Numbers look <b>good</b></p>"))
	m.SetBody(body)
	m.SetBodyPreview(strPtr("Numbers look good"))

	rcvd := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetReceivedDateTime(&rcvd)
	m.SetIsRead(boolPtr(true))
	m.SetCategories([]string{"Finance"})

	return m
}

func TestNormalizeGraphMessage(t *testing.T) {
	msg := normalize(graphMessage(t))

	assert.Equal(t, sync.ProviderOutlook, msg.Provider)
	assert.Equal(t, "out1", msg.ProviderMessageID)
	assert.Equal(t, "outlook_out1", msg.StorageID())
	assert.Equal(t, "conv1", msg.ThreadID)
	assert.Equal(t, "Quarterly review", msg.Subject)
	assert.Equal(t, "Jane Doe", msg.SenderName)
	assert.Equal(t, "jane@example.com", msg.SenderEmail)
	assert.Equal(t, "me@example.com", msg.RecipientEmail)
	assert.Equal(t, "Numbers look good", msg.Body, "html body stripped to text")
	assert.True(t, msg.IsRead)
	assert.False(t, msg.IsImportant)
	assert.Equal(t, []string{"Finance"}, msg.Labels)
	assert.True(t, msg.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	m := models.NewMessage()
	m.SetId(strPtr("out2"))
	m.SetBodyPreview(strPtr("preview only"))

	msg := normalize(m)

	assert.Equal(t, "(No Subject)", msg.Subject)
	assert.Equal(t, "Unknown Sender", msg.SenderName)
	assert.Equal(t, "unknown@example.com", msg.SenderEmail)
	assert.Equal(t, "unknown@example.com", msg.RecipientEmail)
	assert.Equal(t, "preview only", msg.Body, "preview fills in for a missing body")
	assert.False(t, msg.IsRead)
}

func TestNormalizeHighImportance(t *testing.T) {
	m := models.NewMessage()
	m.SetId(strPtr("out3"))
	m.SetSubject(strPtr("fyi"))
	imp := models.HIGH_IMPORTANCE
	m.SetImportance(&imp)

	assert.True(t, normalize(m).IsImportant)
}

func TestNormalizeImportanceKeyword(t *testing.T) {
	m := models.NewMessage()
	m.SetId(strPtr("out4"))
	m.SetSubject(strPtr("URGENT: server down"))

	assert.True(t, normalize(m).IsImportant)
}

func TestWindowQuery(t *testing.T) {
	a := &Adapter{}
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "receivedDateTime ge 2026-02-01T00:00:00Z", a.WindowQuery(since))
}

func TestFetchHistoryRejectsMalformedCursor(t *testing.T) {
	a := &Adapter{}
	_, _, _, err := a.FetchHistory(context.Background(), "not-a-timestamp")
	require.Error(t, err)
	assert.NotErrorIs(t, err, sync.ErrHistoryExpired, "timestamp cursors never expire")
}
