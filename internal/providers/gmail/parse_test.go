package gmail

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/vertexvista/mailsync/internal/sync"
)

func encode(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantName string
		wantAddr string
	}{
		{
			name:     "display name with angle brackets",
			input:    "Jane Doe <jane@example.com>",
			wantName: "Jane Doe",
			wantAddr: "jane@example.com",
		},
		{
			name:     "quoted display name",
			input:    `"Doe, Jane" <jane@example.com>`,
			wantName: "Doe, Jane",
			wantAddr: "jane@example.com",
		},
		{
			name:     "bare address",
			input:    "jane@example.com",
			wantName: "jane",
			wantAddr: "jane@example.com",
		},
		{
			name:     "angle brackets without display name",
			input:    "<jane@example.com>",
			wantName: "jane",
			wantAddr: "jane@example.com",
		},
		{
			name:     "name and address without brackets",
			input:    "Jane Doe jane@example.com",
			wantName: "Jane Doe",
			wantAddr: "jane@example.com",
		},
		{
			name:     "empty",
			input:    "",
			wantName: "",
			wantAddr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, addr := parseAddress(tt.input)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"tags removed", "<p>Hi <b>Jane</b></p>", "Hi Jane"},
		{"entities unescaped", "Fish &amp; Chips", "Fish & Chips"},
		{"script dropped", `<script>alert("x")</script>ok`, "ok"},
		{"plain text unchanged", "just text", "just text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripHTML(tt.input))
		})
	}
}

func TestExtractBody(t *testing.T) {
	t.Run("prefers text plain part", func(t *testing.T) {
		p := &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: encode("<p>html</p>")}},
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: encode("plain")}},
			},
		}
		assert.Equal(t, "plain", extractBody(p))
	})

	t.Run("falls back to stripped html", func(t *testing.T) {
		p := &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: encode("<p>Hi <b>there</b></p>")}},
			},
		}
		assert.Equal(t, "Hi there", extractBody(p))
	})

	t.Run("recurses into nested multipart", func(t *testing.T) {
		p := &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmailapi.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmailapi.MessagePart{
						{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: encode("nested")}},
					},
				},
			},
		}
		assert.Equal(t, "nested", extractBody(p))
	})

	t.Run("top level body wins", func(t *testing.T) {
		p := &gmailapi.MessagePart{
			MimeType: "text/plain",
			Body:     &gmailapi.MessagePartBody{Data: encode("direct")},
		}
		assert.Equal(t, "direct", extractBody(p))
	})

	t.Run("nil payload", func(t *testing.T) {
		assert.Equal(t, "", extractBody(nil))
	})
}

func TestDeriveImportance(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		labels  []string
		want    bool
	}{
		{"important label", "hello", []string{"IMPORTANT"}, true},
		{"urgent keyword", "URGENT: contract renewal", nil, true},
		{"asap keyword mid-subject", "need this asap please", nil, true},
		{"plain subject", "lunch on friday", nil, false},
		{"unrelated label", "hello", []string{"INBOX"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveImportance(tt.subject, tt.labels))
		})
	}
}

func TestMapLabels(t *testing.T) {
	got := mapLabels([]string{"INBOX", "UNREAD", "IMPORTANT", "CATEGORY_PROMOTIONS", "Label_Invoices"})
	assert.Equal(t, []string{"Important", "Promotions", "Invoices"}, got)
}

func TestNormalizeFullMessage(t *testing.T) {
	m := &gmailapi.Message{
		Id:        "msg1",
		ThreadId:  "thr1",
		HistoryId: 42,
		Snippet:   "snippet text",
		LabelIds:  []string{"INBOX", "UNREAD"},
		Payload: &gmailapi.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "Weekly report"},
				{Name: "From", Value: "Jane Doe <jane@example.com>"},
				{Name: "To", Value: "team@example.com"},
				{Name: "Date", Value: "Mon, 02 Jan 2006 15:04:05 -0700"},
			},
			Body: &gmailapi.MessagePartBody{Data: encode("report body")},
		},
	}

	msg := normalize(m)

	assert.Equal(t, sync.ProviderGmail, msg.Provider)
	assert.Equal(t, "msg1", msg.ProviderMessageID)
	assert.Equal(t, "gmail_msg1", msg.StorageID())
	assert.Equal(t, "thr1", msg.ThreadID)
	assert.Equal(t, "Weekly report", msg.Subject)
	assert.Equal(t, "Jane Doe", msg.SenderName)
	assert.Equal(t, "jane@example.com", msg.SenderEmail)
	assert.Equal(t, "team@example.com", msg.RecipientEmail)
	assert.Equal(t, "report body", msg.Body)
	assert.False(t, msg.IsRead, "UNREAD label means unread")
	assert.False(t, msg.IsImportant)

	wantTime, err := time.Parse(time.RFC1123Z, "Mon, 02 Jan 2006 15:04:05 -0700")
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(wantTime))

	assert.Equal(t, "42", msg.Metadata["historyId"])
	assert.Equal(t, "snippet text", msg.Metadata["snippet"])
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	m := &gmailapi.Message{
		Id:           "msg2",
		Snippet:      "only a snippet",
		InternalDate: 1700000000000,
		LabelIds:     []string{"INBOX"},
	}

	msg := normalize(m)

	assert.Equal(t, "(No Subject)", msg.Subject)
	assert.Equal(t, "Unknown Sender", msg.SenderName)
	assert.Equal(t, "unknown@example.com", msg.SenderEmail)
	assert.Equal(t, "unknown@example.com", msg.RecipientEmail)
	assert.Equal(t, "only a snippet", msg.Body, "snippet fills in for a missing body")
	assert.True(t, msg.IsRead, "no UNREAD label means read")
	assert.True(t, msg.Timestamp.Equal(time.UnixMilli(1700000000000)))
}
