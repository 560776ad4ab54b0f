package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, LogEvent(ctx, db, Event{
			Token:    "tok-a",
			Filename: fmt.Sprintf("img-%d.jpg", i),
			Size:     int64(100 + i),
			Checksum: fmt.Sprintf("sum-%d", i),
			AssetID:  fmt.Sprintf("asset-%d", i),
			IP:       "10.0.0.1",
		}))
	}
	require.NoError(t, LogEvent(ctx, db, Event{Token: "tok-b", Filename: "other.jpg"}))

	t.Run("scoped to token", func(t *testing.T) {
		events, err := EventsByToken(ctx, db, "tok-a", 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)
		for _, ev := range events {
			assert.Equal(t, "tok-a", ev.Token)
			assert.NotEmpty(t, ev.UploadedAt)
		}
	})

	t.Run("limit", func(t *testing.T) {
		events, err := EventsByToken(ctx, db, "tok-a", 2)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("delete by tokens", func(t *testing.T) {
		require.NoError(t, DeleteEventsByTokens(ctx, db, []string{"tok-a"}))
		events, err := EventsByToken(ctx, db, "tok-a", 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		remaining, err := EventsByToken(ctx, db, "tok-b", 0)
		require.NoError(t, err)
		assert.Len(t, remaining, 1)
	})
}

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"uploads", "invites", "upload_events"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}
