package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxSummary_RecentOrdering(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewInboxSummaryRedis(client)

	ctx := context.Background()
	require.NoError(t, repo.BumpConversation(ctx, 1, 10, 1000, false))
	require.NoError(t, repo.BumpConversation(ctx, 1, 20, 2000, false))
	require.NoError(t, repo.BumpConversation(ctx, 1, 30, 3000, false))

	peers, err := repo.Recent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{30, 20, 10}, peers)

	// 旧会话来了新消息，排序被刷新
	require.NoError(t, repo.BumpConversation(ctx, 1, 10, 4000, false))
	peers, err = repo.Recent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 30, 20}, peers)
}

func TestInboxSummary_UnreadCounting(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewInboxSummaryRedis(client)

	ctx := context.Background()
	// 接收方累加未读，发送方只刷排序
	require.NoError(t, repo.BumpConversation(ctx, 1, 2, 1000, true))
	require.NoError(t, repo.BumpConversation(ctx, 1, 2, 2000, true))
	require.NoError(t, repo.BumpConversation(ctx, 2, 1, 2000, false))

	n, err := repo.UnreadCount(ctx, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.UnreadCount(ctx, 2, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInboxSummary_ClearUnread(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewInboxSummaryRedis(client)

	ctx := context.Background()
	require.NoError(t, repo.BumpConversation(ctx, 1, 2, 1000, true))
	require.NoError(t, repo.ClearUnread(ctx, 1, 2))

	n, err := repo.UnreadCount(ctx, 1, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 清零不影响会话排序
	peers, err := repo.Recent(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, peers)
}

func TestInboxSummary_RecentLimit(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewInboxSummaryRedis(client)

	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, repo.BumpConversation(ctx, 1, i, int64(i*1000), false))
	}

	peers, err := repo.Recent(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 4}, peers)
}
