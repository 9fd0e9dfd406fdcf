package message

// MessageStats 聚合了消息状态的统计信息，常用于仪表盘或健康检查。
type MessageStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Executing       int   `json:"executing"`
	Delivered       int   `json:"delivered"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
