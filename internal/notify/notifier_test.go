package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/linchengyeyu/bambu-farm/engine/db"
)

func newTestNotifier(t *testing.T, sender Sender) (*Notifier, *sql.DB) {
	t.Helper()
	d, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	db.MustMigrate(d, `
		CREATE TABLE notification_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created INTEGER NOT NULL DEFAULT (unixepoch()),
			send_at INTEGER NOT NULL DEFAULT (unixepoch()),
			text TEXT NOT NULL
		) STRICT;
	`)
	return New(d, sender, "https://example.invalid/webhook"), d
}

func TestNotifier_NotifyThenDrain(t *testing.T) {
	var sent string
	n, d := newTestNotifier(t, func(ctx context.Context, url, payload string) error {
		sent = payload
		return nil
	})
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "job 5 completed"))

	item, err := n.GetItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "job 5 completed", item.Text)

	require.NoError(t, n.ProcessItem(ctx, item))

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(sent), &env))
	require.Equal(t, "text", env.MsgType)
	require.Equal(t, "job 5 completed", env.Text.Content)
	require.Equal(t, "job 5 completed", env.Content)

	require.NoError(t, n.UpdateItem(ctx, item, true))

	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM notification_queue").Scan(&count))
	require.Equal(t, 0, count)
}

func TestNotifier_FailureReschedulesInsteadOfDeleting(t *testing.T) {
	n, d := newTestNotifier(t, nil)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "hello"))
	item, err := n.GetItem(ctx)
	require.NoError(t, err)

	require.NoError(t, n.UpdateItem(ctx, item, false))

	var count int
	require.NoError(t, d.QueryRow("SELECT COUNT(*) FROM notification_queue").Scan(&count))
	require.Equal(t, 1, count)
}

func TestNotifier_NoWebhookConfiguredStillAcceptsQueueing(t *testing.T) {
	n, _ := newTestNotifier(t, nil)
	n.webhookURL = ""
	require.NoError(t, n.Notify(context.Background(), "queued regardless"))
}
