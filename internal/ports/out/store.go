package out

import (
	"context"

	"github.com/moa-app/moa-server/internal/domain/entity"
)

// MessageStore 持久化存储的窄接口，仅假设单行原子性
type MessageStore interface {
	// LoadFeedPage 按 feed 维度分页加载，score 降序，用于索引重建
	LoadFeedPage(ctx context.Context, feedKey string, offset, limit int) ([]entity.FeedEntry, error)

	// LoadByID 按主键加载，不存在时返回 (nil, nil)
	LoadByID(ctx context.Context, id uint64) (*entity.Message, error)

	// Save 写入或更新一条消息
	Save(ctx context.Context, msg *entity.Message) error
}

// SequenceGenerator 无协调者的可排序 64 位 ID 生成
type SequenceGenerator interface {
	// Next 返回 (秒级时间戳偏移 << 32) | 当日序号
	// 计数器存储不可达时返回 ErrStoreUnavailable，调用方不得本地造 ID
	Next(ctx context.Context, namespace string) (uint64, error)
}
