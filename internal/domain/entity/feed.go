package entity

import "fmt"

// FeedEntry 索引条目：某个 feed 中的一条成员记录
// 同一 feed 内 member 唯一，重复写入只更新 score
type FeedEntry struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

// feed key 命名约定，和 Redis ZSet 一一对应
const (
	chatFeedPrefix = "chat"
	postFeedLatest = "posts:latest"
	postFeedHot    = "posts:hot"
	mailFeedPrefix = "mail"
)

// ChatFeedKey 私聊 feed，按用户对归一（小 ID 在前），双方共享同一条时间线
func ChatFeedKey(a, b uint64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s:%d:%d", chatFeedPrefix, a, b)
}

// MailFeedKey 某用户的站内信 feed
func MailFeedKey(userID uint64) string {
	return fmt.Sprintf("%s:%d", mailFeedPrefix, userID)
}

// PostLatestFeedKey 全站最新帖子 feed
func PostLatestFeedKey() string { return postFeedLatest }

// PostHotFeedKey 热帖 feed，score 为热度计数
func PostHotFeedKey() string { return postFeedHot }

// TopicFeedKey 某话题下的帖子 feed
func TopicFeedKey(topicID uint64, sort string) string {
	return fmt.Sprintf("topics:%d:%s", topicID, sort)
}
