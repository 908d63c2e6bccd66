// Package assistant is the text-generation collaborator behind the chat
// panel. It talks to an OpenAI-compatible chat-completions endpoint; every
// failure path returns a fixed fallback instead of propagating an error, so
// the assistant never takes the dashboard down with it.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Fallback strings returned when the model cannot be reached.
const (
	fallbackChat    = "Sorry, I wasn't able to help with that just now."
	fallbackSummary = "Unable to generate summary."
	fallbackReply   = "Thanks for your message — I'll get back to you shortly."
)

// EmailContext is the slice of an email the assistant reasons about.
type EmailContext struct {
	Subject   string
	Body      string
	Sender    string
	Timestamp time.Time
}

// Analysis is the structured result of analyzing one email.
type Analysis struct {
	Summary           string   `json:"summary"`
	Sentiment         string   `json:"sentiment"`
	Priority          string   `json:"priority"`
	ActionItems       []string `json:"actionItems"`
	SuggestedResponse string   `json:"suggestedResponse,omitempty"`
	KeyTopics         []string `json:"keyTopics"`
	Urgency           int      `json:"urgency"`
}

// Client calls an OpenAI-compatible chat-completions API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewClient creates an assistant client.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// SetHTTPClient overrides the HTTP client, mainly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.client = hc
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete runs one chat completion. This is the only network path; all the
// public helpers build prompts around it.
func (c *Client) complete(ctx context.Context, system, user string, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("bad status %d: %s", resp.StatusCode, string(b))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("no completion returned")
	}

	return out.Choices[0].Message.Content, nil
}

// Chat answers a free-text message from the user, optionally with context.
func (c *Client) Chat(ctx context.Context, message, context_ string) string {
	system := `You are the AI Email Assistant for Vertex Vista — a high-performance AI automation agency.

You help users manage their inbox faster:
- Summarize emails in bullet points
- Draft short, sharp replies
- Spot urgent or important actions
- Suggest helpful next steps
- Keep tone friendly, clear, human

Style rules:
- Replies = 3-5 sentences max
- Use bullet points when possible
- Sound like a smart colleague, not a chatbot
- Skip fluff and headers — just be helpful`
	if context_ != "" {
		system += "\n\nContext: " + context_
	}

	reply, err := c.complete(ctx, system, message, 0.6, 800)
	if err != nil {
		logrus.WithError(err).Warn("assistant chat failed")
		return fallbackChat
	}
	return clean(reply)
}

// SummarizeEmails produces a short summary of a list of emails.
func (c *Client) SummarizeEmails(ctx context.Context, emails []EmailContext) string {
	var sb strings.Builder
	for i, e := range emails {
		if i > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		body := e.Body
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		fmt.Fprintf(&sb, "From: %s\nSubject: %s\nBody: %s", e.Sender, e.Subject, body)
	}

	system := "You are the AI Email Assistant. Give a short, useful summary of unread emails. Bullet points preferred. Skip fluff."
	reply, err := c.complete(ctx, system, "Summarize these unread emails:\n\n"+sb.String(), 0.4, 800)
	if err != nil {
		logrus.WithError(err).Warn("assistant summarize failed")
		return fallbackSummary
	}
	return clean(reply)
}

// GenerateReply drafts a reply to one email in the requested tone
// (professional, friendly or formal).
func (c *Client) GenerateReply(ctx context.Context, email EmailContext, tone string) string {
	if tone == "" {
		tone = "professional"
	}

	system := "You are the AI Email Assistant for Vertex Vista. Draft polite and helpful replies in 3-5 clear sentences."
	prompt := fmt.Sprintf(`Generate a %s email reply to:
Subject: %s
From: %s
Body: %s

Reply as someone from Vertex Vista. Keep it short, helpful, and clear. No subject line needed.`,
		tone, email.Subject, email.Sender, email.Body)

	reply, err := c.complete(ctx, system, prompt, 0.6, 500)
	if err != nil {
		logrus.WithError(err).Warn("assistant reply generation failed")
		return fallbackReply
	}
	return clean(reply)
}

// AnalyzeEmail returns a structured analysis, falling back to a neutral
// default when the model fails or returns something unparseable.
func (c *Client) AnalyzeEmail(ctx context.Context, email EmailContext) Analysis {
	system := "You are the AI Email Assistant for Vertex Vista. Analyze incoming emails and return only valid JSON with: summary, sentiment, priority, keyTopics, actionItems, urgency (1-10), and suggestedResponse. No extra explanation."
	prompt := fmt.Sprintf(`Analyze the following email and return valid JSON.

Subject: %s
From: %s
Body: %s
Date: %s`, email.Subject, email.Sender, email.Body, email.Timestamp.Format(time.RFC3339))

	reply, err := c.complete(ctx, system, prompt, 0.3, 1000)
	if err != nil {
		logrus.WithError(err).Warn("assistant analysis failed")
		return fallbackAnalysis(email)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(reply), &analysis); err != nil {
		logrus.WithError(err).Warn("assistant analysis returned invalid JSON")
		return fallbackAnalysis(email)
	}
	return analysis
}

func fallbackAnalysis(email EmailContext) Analysis {
	return Analysis{
		Summary:           fmt.Sprintf("Email from %s about %q", email.Sender, email.Subject),
		Sentiment:         "neutral",
		Priority:          "medium",
		ActionItems:       []string{"Review email", "Consider response"},
		SuggestedResponse: "Thanks for the update. I'll take a look and follow up shortly.",
		KeyTopics:         []string{"general"},
		Urgency:           5,
	}
}

var bulletRe = regexp.MustCompile(`(?m)^\s*[-•]\s?`)

// clean strips markdown asterisks and normalizes bullet points.
func clean(raw string) string {
	s := strings.ReplaceAll(raw, "*", "")
	s = bulletRe.ReplaceAllString(s, "• ")
	return strings.TrimSpace(s)
}
