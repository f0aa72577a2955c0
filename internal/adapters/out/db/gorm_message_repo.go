package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/moa-app/moa-server/internal/domain/entity"
	"github.com/moa-app/moa-server/internal/ports/out"
)

// MessageModel GORM模型
// feed_key 冗余存一份，索引重建时按 feed 维度分页加载
type MessageModel struct {
	ID          uint64         `gorm:"column:id;primaryKey"`
	FeedKey     string         `gorm:"column:feed_key;type:varchar(64);not null;index:idx_feed_score,priority:1"`
	Score       float64        `gorm:"column:score;not null;index:idx_feed_score,priority:2"`
	FromUserID  uint64         `gorm:"column:from_user_id;not null;index"`
	ToUserID    uint64         `gorm:"column:to_user_id;not null;index"`
	ContentType int8           `gorm:"column:content_type;not null"`
	Content     string         `gorm:"column:content;type:json;not null"`
	Status      int8           `gorm:"column:status;not null;default:1"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	DeliveredAt *time.Time     `gorm:"column:delivered_at"`
	ReadAt      *time.Time     `gorm:"column:read_at"`
	RecalledAt  *time.Time     `gorm:"column:recalled_at"`
}

func (MessageModel) TableName() string {
	return "messages"
}

func (m *MessageModel) toEntity() *entity.Message {
	var content entity.MessageContent
	_ = json.Unmarshal([]byte(m.Content), &content)

	return &entity.Message{
		ID:          m.ID,
		FromUserID:  m.FromUserID,
		ToUserID:    m.ToUserID,
		ContentType: entity.ContentType(m.ContentType),
		Content:     content,
		Status:      entity.MessageStatus(m.Status),
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		RecalledAt:  m.RecalledAt,
	}
}

func messageModelFromEntity(e *entity.Message) *MessageModel {
	contentBytes, _ := json.Marshal(e.Content)

	return &MessageModel{
		ID:          e.ID,
		FeedKey:     entity.ChatFeedKey(e.FromUserID, e.ToUserID),
		Score:       float64(e.CreatedAt.UnixMilli()),
		FromUserID:  e.FromUserID,
		ToUserID:    e.ToUserID,
		ContentType: int8(e.ContentType),
		Content:     string(contentBytes),
		Status:      int8(e.Status),
		CreatedAt:   e.CreatedAt,
		DeliveredAt: e.DeliveredAt,
		ReadAt:      e.ReadAt,
		RecalledAt:  e.RecalledAt,
	}
}

// MessageStoreMySQL 持久化存储适配器
// 只假设单行原子性，不开事务
type MessageStoreMySQL struct {
	db *gorm.DB
}

var _ out.MessageStore = (*MessageStoreMySQL)(nil)

func NewMessageStoreMySQL(db *gorm.DB) *MessageStoreMySQL {
	return &MessageStoreMySQL{db: db}
}

// LoadFeedPage 按 feed 维度分页，score 降序，供索引重建
func (r *MessageStoreMySQL) LoadFeedPage(ctx context.Context, feedKey string, offset, limit int) ([]entity.FeedEntry, error) {
	var rows []struct {
		ID    uint64
		Score float64
	}
	err := r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Select("id", "score").
		Where("feed_key = ?", feedKey).
		Order("score DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load feed page %s: %w", feedKey, err)
	}

	entries := make([]entity.FeedEntry, len(rows))
	for i, row := range rows {
		entries[i] = entity.FeedEntry{
			Member: strconv.FormatUint(row.ID, 10),
			Score:  row.Score,
		}
	}
	return entries, nil
}

// LoadByID 按主键加载，不存在时返回 (nil, nil)
func (r *MessageStoreMySQL) LoadByID(ctx context.Context, id uint64) (*entity.Message, error) {
	var model MessageModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load message %d: %w", id, err)
	}
	return model.toEntity(), nil
}

// Save 写入或按主键覆盖更新
func (r *MessageStoreMySQL) Save(ctx context.Context, msg *entity.Message) error {
	model := messageModelFromEntity(msg)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(model).Error
	if err != nil {
		return fmt.Errorf("save message %d: %w", msg.ID, err)
	}
	return nil
}
