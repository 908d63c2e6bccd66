// Package natsjs publishes mailbox events to NATS JetStream. Events reach
// the stream through each user's transactional outbox, so a message row and
// its event are committed atomically and publishing is at-least-once with
// MsgId-based deduplication.
package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/vertexvista/mailsync/internal/mailstore/sqlite"
)

const streamName = "MAIL_EVENTS"

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the MAIL_EVENTS stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(streamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"user.*.mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// DispatchOutbox continuously drains a user's outbox into JetStream until
// ctx is cancelled. Failed publishes are retried with a fixed backoff.
func (p *Publisher) DispatchOutbox(ctx context.Context, store *sqlite.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := store.DequeueOutbox(ctx, 100)
		if err != nil {
			logrus.WithError(err).Error("failed to dequeue outbox")
			sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := p.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				logrus.WithError(err).Errorf("failed to publish outbox message %d", msg.ID)
				_ = store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := store.MarkPublished(ctx, msg.ID); err != nil {
				logrus.WithError(err).Errorf("failed to mark outbox message %d published", msg.ID)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
