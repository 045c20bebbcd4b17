// Package notify is the fire-and-forget side channel invoked on terminal
// job transitions. Sends are queued durably in SQLite and drained by a
// background worker so a webhook outage never blocks the dispatcher.
package notify

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linchengyeyu/bambu-farm/engine"
)

const maxRPS = 5

// Sender posts a single payload to a webhook endpoint.
type Sender func(ctx context.Context, webhookURL, payload string) error

// Notifier queues notification text and drains it to a configured webhook
// URL. A Notifier with an empty webhookURL still accepts queued sends (so
// callers never need to branch on configuration) but starts no drain
// worker: queued rows are never sent and are only removed by the daily
// stale-row cleanup.
type Notifier struct {
	db         *sql.DB
	sender     Sender
	webhookURL string
}

func New(d *sql.DB, sender Sender, webhookURL string) *Notifier {
	n := &Notifier{db: d, sender: sender, webhookURL: webhookURL}
	if n.sender == nil {
		n.sender = NewHTTPSender()
	}
	return n
}

func (n *Notifier) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(engine.Poll(time.Hour, engine.Cleanup(n.db, "stale notifications",
		"DELETE FROM notification_queue WHERE unixepoch() - created > 86400")))
	if n.webhookURL == "" {
		return
	}
	mgr.Add(engine.Poll(time.Second, engine.PollWorkqueue(engine.WithRateLimiting[queueItem](n, maxRPS))))
}

// Notify enqueues text for delivery. Failures downstream are logged and
// swallowed; Notify itself only fails if the enqueue write fails, which
// callers treat as non-fatal to the job transition it describes.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	_, err := n.db.ExecContext(ctx, `INSERT INTO notification_queue (text) VALUES (?)`, text)
	return err
}

type queueItem struct {
	ID   int64
	Text string
}

func (i queueItem) String() string { return fmt.Sprintf("id=%d", i.ID) }

func (n *Notifier) GetItem(ctx context.Context) (queueItem, error) {
	var item queueItem
	err := n.db.QueryRowContext(ctx,
		`SELECT id, text FROM notification_queue WHERE unixepoch() >= send_at ORDER BY send_at ASC LIMIT 1`,
	).Scan(&item.ID, &item.Text)
	return item, err
}

func (n *Notifier) ProcessItem(ctx context.Context, item queueItem) error {
	payload, err := json.Marshal(envelope{
		MsgType: "text",
		Text:    textBody{Content: item.Text},
		Content: item.Text,
	})
	if err != nil {
		return err
	}
	return n.sender(ctx, n.webhookURL, string(payload))
}

func (n *Notifier) UpdateItem(ctx context.Context, item queueItem, success bool) error {
	var err error
	if success {
		_, err = n.db.ExecContext(ctx, `DELETE FROM notification_queue WHERE id = ?`, item.ID)
	} else {
		_, err = n.db.ExecContext(ctx,
			`UPDATE notification_queue SET send_at = unixepoch() + ((send_at - created) * 2 + 5) WHERE id = ?`, item.ID)
	}
	return err
}

// envelope is the union webhook shape compatible with several common
// receivers: the text-focused {"msgtype","text":{"content"}} convention and
// a flat top-level "content" field some receivers look for instead.
type envelope struct {
	MsgType string   `json:"msgtype"`
	Text    textBody `json:"text"`
	Content string   `json:"content"`
}

type textBody struct {
	Content string `json:"content"`
}

// NewHTTPSender posts payloads to webhookURL with a 5-second timeout.
// Failures are returned to the caller (the workqueue), which logs and
// retries with backoff rather than propagating further.
func NewHTTPSender() Sender {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context, webhookURL, payload string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBufferString(payload))
		if err != nil {
			return fmt.Errorf("building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("sending webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
		}
		return nil
	}
}
