package in

import (
	"context"

	"github.com/moa-app/moa-server/internal/domain/entity"
)

// FeedPage 通用 feed 分页结果
type FeedPage struct {
	Entries      []entity.FeedEntry
	NextMaxScore float64
	Pending      bool
}

// FeedUseCase 面向帖子/话题/站内信等列表场景的通用 feed 用例
type FeedUseCase interface {
	// Scroll 游标翻页读某个 feed；重建期间返回空页 + Pending 提示，不是错误
	Scroll(ctx context.Context, feedKey string, maxScore float64, limit int) (*FeedPage, error)

	// Publish 写路径：把成员同步写入若干 feed（如最新榜 + 热榜）
	Publish(ctx context.Context, member string, feeds map[string]float64) error

	// BumpScore 热度类 feed 的分数调整（如点赞）
	BumpScore(ctx context.Context, feedKey, member string, delta float64) (float64, error)
}
