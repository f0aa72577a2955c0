package out

import "errors"

var (
	// ErrStoreUnavailable 底层存储不可达，当次操作失败，本层不重试
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRebuildPending feed 索引正在重建，调用方稍后重试
	// 这是控制信号而不是故障，不应作为错误上报
	ErrRebuildPending = errors.New("feed index rebuild pending")

	// ErrNotFound 实体确认不存在（穿透保护命中占位或存储确认缺失）
	ErrNotFound = errors.New("entity not found")

	// ErrNotConnected 目标用户没有存活连接
	ErrNotConnected = errors.New("user not connected")

	// ErrSendFailed 推送通道写入失败
	ErrSendFailed = errors.New("send to connection failed")
)
