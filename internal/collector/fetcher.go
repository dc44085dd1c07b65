package collector

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/LJTian/NewsCheck/internal/storage"
)

// ErrMisconfigured 表示数据源配置有误（未配置频道、未知订阅源等），整轮采集应直接失败
var ErrMisconfigured = errors.New("source misconfigured")

// 直播状态，取值与 YouTube Data API 的 liveBroadcastContent 一致
const (
	LiveNone     = "none"
	LiveNow      = "live"
	LiveUpcoming = "upcoming"
)

// RawCandidate 数据源产出的原始候选条目，过滤与去重之前的统一结构
type RawCandidate struct {
	ExternalID   string
	Kind         storage.Kind
	Title        string
	Description  string
	Link         string
	PublishedAt  time.Time
	ThumbnailURL string
	SourceRef    string // 频道 ID 或订阅源分类
	Category     string
	LiveStatus   string
}

// Source 抽象每一个数据源。Discover 只在配置错误时返回 error，
// 上游不可达时记录告警并返回已成功获取的部分。
type Source interface {
	Kind() storage.Kind
	Name() string
	Discover(ctx context.Context) ([]RawCandidate, error)
}

const (
	feedClientTimeout    = 15 * time.Second
	feedMaxResponseBytes = 4 << 20
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: feedClientTimeout}
}
