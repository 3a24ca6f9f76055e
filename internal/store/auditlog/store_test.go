package auditlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndListByRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Entry{
		Kind: "decision", RefID: "1", BotID: "bot-1", Reason: "open:accepted",
		Detail: map[string]any{"score": 0.6},
	}))
	require.NoError(t, s.Append(ctx, Entry{
		Kind: "decision", RefID: "1", BotID: "bot-1", Reason: "replayed",
	}))
	require.NoError(t, s.Append(ctx, Entry{
		Kind: "order", RefID: "1", BotID: "bot-1", Reason: "dispatch_failed",
	}))

	entries, err := s.ListByRef(ctx, "decision", "1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "open:accepted", entries[0].Reason)
	assert.Equal(t, 0.6, entries[0].Detail["score"])
	assert.NotEmpty(t, entries[0].ID)

	orders, err := s.ListByRef(ctx, "order", "1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestListRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, Entry{
			Kind: "task", RefID: "bot-1", Reason: "tick",
		}))
	}
	entries, err := s.ListRecent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
