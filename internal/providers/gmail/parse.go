package gmail

import (
	"encoding/base64"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/vertexvista/mailsync/internal/sync"
)

// Defaults used when a malformed payload is missing fields. Parsing never
// fails a message; missing data gets replaced so one bad payload cannot
// block a batch.
const (
	defaultSubject = "(No Subject)"
	defaultSender  = "Unknown Sender"
	defaultAddress = "unknown@example.com"
)

// importanceKeywords mark a message important regardless of labels.
var importanceKeywords = []string{"urgent", "important", "asap", "priority"}

// systemLabels maps Gmail system label ids to human-readable names.
var systemLabels = map[string]string{
	"INBOX":               "Inbox",
	"SENT":                "Sent",
	"DRAFT":               "Draft",
	"SPAM":                "Spam",
	"TRASH":               "Trash",
	"IMPORTANT":           "Important",
	"STARRED":             "Starred",
	"UNREAD":              "Unread",
	"CATEGORY_PERSONAL":   "Personal",
	"CATEGORY_SOCIAL":     "Social",
	"CATEGORY_PROMOTIONS": "Promotions",
	"CATEGORY_UPDATES":    "Updates",
	"CATEGORY_FORUMS":     "Forums",
}

var htmlStripper = bluemonday.StrictPolicy()

// normalize converts a raw Gmail message into the provider-agnostic record.
func normalize(m *gmailapi.Message) sync.Message {
	headers := headerMap(m)

	subject := headers["subject"]
	senderName, senderEmail := parseAddress(headers["from"])
	_, recipientEmail := parseAddress(headers["to"])

	body := extractBody(m.Payload)
	if body == "" {
		body = m.Snippet
	}

	if subject == "" {
		subject = defaultSubject
	}
	if senderName == "" {
		senderName = defaultSender
	}
	if senderEmail == "" {
		senderEmail = defaultAddress
	}
	if recipientEmail == "" {
		recipientEmail = defaultAddress
	}

	return sync.Message{
		Provider:          sync.ProviderGmail,
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Subject:           subject,
		SenderName:        senderName,
		SenderEmail:       senderEmail,
		RecipientEmail:    recipientEmail,
		Body:              body,
		Timestamp:         parseTimestamp(headers["date"], m.InternalDate),
		IsRead:            !hasLabel(m.LabelIds, "UNREAD"),
		IsImportant:       deriveImportance(subject, m.LabelIds),
		Labels:            mapLabels(m.LabelIds),
		Metadata: map[string]string{
			"historyId": fmt.Sprintf("%d", m.HistoryId),
			"labelIds":  strings.Join(m.LabelIds, ","),
			"snippet":   m.Snippet,
		},
	}
}

func headerMap(m *gmailapi.Message) map[string]string {
	headers := make(map[string]string)
	if m.Payload == nil {
		return headers
	}
	for _, h := range m.Payload.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}
	return headers
}

// parseAddress splits a sender/recipient header into display name and
// address. Accepts "Display Name <addr@host>" and bare-address forms; with
// no angle brackets the last whitespace token is taken as the address.
func parseAddress(s string) (name, addr string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}

	if open := strings.Index(s, "<"); open >= 0 {
		if closeIdx := strings.Index(s[open:], ">"); closeIdx > 0 {
			addr = strings.TrimSpace(s[open+1 : open+closeIdx])
		}
		name = strings.TrimSpace(strings.ReplaceAll(s[:open], `"`, ""))
		if name == "" {
			name = localPart(addr)
		}
		return name, addr
	}

	fields := strings.Fields(s)
	addr = fields[len(fields)-1]
	if len(fields) > 1 && strings.Contains(addr, "@") {
		name = strings.ReplaceAll(strings.Join(fields[:len(fields)-1], " "), `"`, "")
	} else {
		name = localPart(addr)
	}
	return name, addr
}

func localPart(addr string) string {
	if i := strings.Index(addr, "@"); i > 0 {
		return addr[:i]
	}
	return addr
}

// extractBody walks the MIME tree preferring text/plain, falling back to
// text/html with tags stripped, recursing into multipart-of-multipart.
func extractBody(p *gmailapi.MessagePart) string {
	if p == nil {
		return ""
	}

	if p.Body != nil && p.Body.Data != "" {
		text := decodeBase64URL(p.Body.Data)
		if strings.EqualFold(p.MimeType, "text/html") {
			return stripHTML(text)
		}
		return text
	}

	for _, part := range p.Parts {
		if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
			return decodeBase64URL(part.Body.Data)
		}
	}

	for _, part := range p.Parts {
		if strings.EqualFold(part.MimeType, "text/html") && part.Body != nil && part.Body.Data != "" {
			return stripHTML(decodeBase64URL(part.Body.Data))
		}
	}

	for _, part := range p.Parts {
		if len(part.Parts) > 0 {
			if nested := extractBody(part); nested != "" {
				return nested
			}
		}
	}

	return ""
}

func decodeBase64URL(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

func stripHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlStripper.Sanitize(s)))
}

func parseTimestamp(dateHeader string, internalDate int64) time.Time {
	if dateHeader != "" {
		if t, err := mail.ParseDate(dateHeader); err == nil {
			return t
		}
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate)
	}
	return time.Now()
}

func deriveImportance(subject string, labelIDs []string) bool {
	if hasLabel(labelIDs, "IMPORTANT") {
		return true
	}
	lower := strings.ToLower(subject)
	for _, kw := range importanceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasLabel(labelIDs []string, want string) bool {
	for _, id := range labelIDs {
		if id == want {
			return true
		}
	}
	return false
}

// mapLabels translates system label ids to display names and drops the
// Inbox/Unread labels; those are represented by IsRead and implicit location.
func mapLabels(labelIDs []string) []string {
	labels := make([]string, 0, len(labelIDs))
	for _, id := range labelIDs {
		name, ok := systemLabels[id]
		if !ok {
			name = strings.TrimPrefix(id, "Label_")
		}
		if name == "Inbox" || name == "Unread" {
			continue
		}
		labels = append(labels, name)
	}
	return labels
}
