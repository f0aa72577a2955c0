package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/moa-app/moa-server/internal/ports/in"
	"github.com/moa-app/moa-server/internal/ports/out"
)

// FeedUseCaseImpl 帖子/话题/站内信等列表场景的通用 feed 用例
// 同一份有序索引原语服务所有 feed，只是 key 和 score 语义不同
type FeedUseCaseImpl struct {
	feedIndex out.FeedIndexCache
}

var _ in.FeedUseCase = (*FeedUseCaseImpl)(nil)

func NewFeedUseCase(feedIndex out.FeedIndexCache) *FeedUseCaseImpl {
	return &FeedUseCaseImpl{feedIndex: feedIndex}
}

// Scroll 游标翻页
// 重建期间返回空页 + Pending，调用方展示"加载中"并稍后重试，这不是错误
func (uc *FeedUseCaseImpl) Scroll(ctx context.Context, feedKey string, maxScore float64, limit int) (*in.FeedPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	entries, next, err := uc.feedIndex.Scroll(ctx, feedKey, maxScore, limit)
	if err != nil {
		if errors.Is(err, out.ErrRebuildPending) {
			return &in.FeedPage{Pending: true}, nil
		}
		return nil, fmt.Errorf("scroll feed %s: %w", feedKey, err)
	}

	return &in.FeedPage{Entries: entries, NextMaxScore: next}, nil
}

// Publish 写路径：同一成员同步写入若干 feed（如最新榜 + 热榜），
// 缓存自愈，不依赖 miss 触发的重建
func (uc *FeedUseCaseImpl) Publish(ctx context.Context, member string, feeds map[string]float64) error {
	for feedKey, score := range feeds {
		if err := uc.feedIndex.Upsert(ctx, feedKey, member, score); err != nil {
			return fmt.Errorf("publish to feed %s: %w", feedKey, err)
		}
	}
	return nil
}

// BumpScore 热度调整（点赞、评论数变化）
func (uc *FeedUseCaseImpl) BumpScore(ctx context.Context, feedKey, member string, delta float64) (float64, error) {
	return uc.feedIndex.IncrScore(ctx, feedKey, member, delta)
}
