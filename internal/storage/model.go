package storage

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Kind 区分两类条目：视频（直播新闻回放）与文章（订阅源新闻）
type Kind string

const (
	KindVideo   Kind = "video"
	KindArticle Kind = "article"
)

func (k Kind) Valid() bool {
	return k == KindVideo || k == KindArticle
}

// State 是条目在处理流水线中的生命周期状态
type State string

const (
	StateUnprocessed      State = "unprocessed"
	StateProcessed        State = "processed"
	StateFailedExtraction State = "failed_extraction"
	StateSkipped          State = "skipped"
)

func (s State) Valid() bool {
	switch s {
	case StateUnprocessed, StateProcessed, StateFailedExtraction, StateSkipped:
		return true
	}
	return false
}

// SentinelPrefix 是摘要生成失败时写入 summary 的固定前缀，下一轮采集据此识别需要重试的条目
const SentinelPrefix = "要約の生成に失敗しました。"

// IsSentinelSummary 判断摘要是否为失败占位文本
func IsSentinelSummary(s string) bool {
	return strings.HasPrefix(s, SentinelPrefix)
}

// Item 视频与文章在流水线层面结构一致，以 (Kind, ID) 作为联合主键
type Item struct {
	Kind Kind   `gorm:"primaryKey;size:16" json:"kind"`
	ID   string `gorm:"primaryKey;size:64" json:"id"`

	Title       string `gorm:"size:512" json:"title"`
	SourceRef   string `gorm:"size:128;index" json:"sourceRef"` // 频道 ID 或订阅源分类
	Link        string `gorm:"size:1024" json:"link"`
	Description string `gorm:"type:text" json:"description"`
	Thumbnail   string `gorm:"size:1024" json:"thumbnailUrl"`

	RawText   string     `gorm:"type:text" json:"-"`
	Summary   string     `gorm:"type:text" json:"summary"`
	KeyPoints []KeyPoint `gorm:"foreignKey:ItemKind,ItemID;references:Kind,ID;constraint:OnDelete:CASCADE" json:"keyPoints"`

	PublishedAt time.Time `gorm:"index" json:"publishedAt"`
	State       State     `gorm:"size:32;index" json:"state"`

	// 提取相关的诊断字段
	ExtractedBy string `gorm:"size:32" json:"extractedBy,omitempty"`
	LastError   string `gorm:"size:512" json:"lastError,omitempty"`
	Attempts    int    `json:"attempts"`
	NoRetry     bool   `json:"noRetry"`

	Extra datatypes.JSONMap `gorm:"type:jsonb" json:"extra,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasRawText 提取成功后 RawText 才非空
func (it *Item) HasRawText() bool {
	return strings.TrimSpace(it.RawText) != ""
}

// Points 返回按 Position 排好序的要点文本
func (it *Item) Points() []string {
	out := make([]string, len(it.KeyPoints))
	for i, kp := range it.KeyPoints {
		out[i] = kp.Point
	}
	return out
}

// KeyPoint 摘要要点，按条目整体替换，不做局部更新
type KeyPoint struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	ItemKind Kind   `gorm:"size:16;index:idx_key_points_item" json:"-"`
	ItemID   string `gorm:"size:64;index:idx_key_points_item" json:"-"`
	Position int    `json:"position"`
	Point    string `gorm:"type:text" json:"point"`
}

// Channel 描述一个数据源：YouTube 频道或者文章订阅源
type Channel struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Code    string `gorm:"size:64;uniqueIndex" json:"code"` // 例如: UCGCZAYq5Xxojl_tSXcVJhiQ, nhk:main
	Kind    Kind   `gorm:"size:16;index" json:"kind"`
	Name    string `gorm:"size:128" json:"name"`
	BaseURL string `gorm:"size:256" json:"baseUrl"`
	Status  string `gorm:"size:32;index" json:"status"` // active / disabled

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ItemFilter 读接口的查询条件，零值字段表示不限制
type ItemFilter struct {
	Kind   Kind
	States []State
	From   time.Time
	To     time.Time
	Limit  int
}
