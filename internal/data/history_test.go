package data

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

func newTestHistory(t *testing.T) repo.HistoryRepo {
	t.Helper()
	h, err := NewHistoryRepo(filepath.Join(t.TempDir(), "history.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func historyRecord(name, content string, ts time.Time) domain.ChatRecord {
	return domain.ChatRecord{
		Role:       domain.RoleUser,
		SenderID:   "u-" + name,
		SenderName: name,
		Content:    content,
		Timestamp:  ts,
	}
}

func TestHistoryAppendAndLoadChronological(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, h.Append(ctx, "g1", historyRecord("Alice", "first", base)))
	require.NoError(t, h.Append(ctx, "g1", historyRecord("Bob", "second", base.Add(time.Second))))
	require.NoError(t, h.Append(ctx, "g1", historyRecord("Alice", "third", base.Add(2*time.Second))))
	require.NoError(t, h.Append(ctx, "g2", historyRecord("Carol", "elsewhere", base)))

	records, err := h.LoadHistory(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first", records[0].Content)
	assert.Equal(t, "third", records[2].Content)
	assert.Equal(t, "Bob", records[1].SenderName)
}

func TestHistoryLoadLimitKeepsNewest(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Append(ctx, "g1",
			historyRecord("Alice", string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))))
	}

	records, err := h.LoadHistory(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "d", records[0].Content)
	assert.Equal(t, "e", records[1].Content)
}

func TestHistoryAppendInvalidatesCachedReads(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, h.Append(ctx, "g1", historyRecord("Alice", "first", base)))

	records, err := h.LoadHistory(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// a write must not be shadowed by the read cache
	require.NoError(t, h.Append(ctx, "g1", historyRecord("Bob", "second", base.Add(time.Second))))
	records, err = h.LoadHistory(ctx, "g1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestHistoryCleanupOld(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, h.Append(ctx, "g1", historyRecord("Alice", "ancient", base.Add(-48*time.Hour))))
	require.NoError(t, h.Append(ctx, "g1", historyRecord("Bob", "recent", base)))

	deleted, err := h.CleanupOld(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := h.LoadHistory(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "recent", records[0].Content)

	deleted, err = h.CleanupOld(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestHistoryLoadEmptyConversation(t *testing.T) {
	h := newTestHistory(t)
	records, err := h.LoadHistory(context.Background(), "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
