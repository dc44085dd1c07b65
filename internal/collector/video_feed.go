package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/storage"
)

const (
	youtubeFeedURL       = "https://www.youtube.com/feeds/videos.xml"
	defaultVideoMaxItems = 15
)

// Channel 一个被订阅的 YouTube 频道；ID 为空时通过 Handle 解析
type Channel struct {
	ID     string
	Handle string
	Name   string
}

// VideoSource 读取频道公开的 Atom 订阅源，不消耗 API 配额
type VideoSource struct {
	Channels []Channel
	MaxItems int
	FeedURL  string
	Client   *http.Client
	// API 可选；配置后用于解析 handle 以及查询直播状态
	API *YouTubeAPI
	Now func() time.Time

	log      *zap.Logger
	parser   *gofeed.Parser
	mu       sync.Mutex
	resolved map[string]string
}

func NewVideoSource(channels []Channel, maxItems int, api *YouTubeAPI, logger *zap.Logger) *VideoSource {
	return &VideoSource{
		Channels: channels,
		MaxItems: maxItems,
		API:      api,
		log:      logger.Named("video_source"),
	}
}

func (v *VideoSource) Kind() storage.Kind { return storage.KindVideo }

func (v *VideoSource) Name() string { return "youtube" }

func (v *VideoSource) Discover(ctx context.Context) ([]RawCandidate, error) {
	if len(v.Channels) == 0 {
		return nil, fmt.Errorf("%w: no youtube channels configured", ErrMisconfigured)
	}
	if v.parser == nil {
		v.parser = gofeed.NewParser()
	}
	client := defaultHTTPClient(v.Client)

	var out []RawCandidate
	for _, ch := range v.Channels {
		id, err := v.channelID(ctx, ch)
		if err != nil {
			if errors.Is(err, ErrMisconfigured) {
				return nil, err
			}
			v.log.Warn("resolve channel failed", zap.String("handle", ch.Handle), zap.Error(err))
			continue
		}

		items, err := v.fetchChannel(ctx, client, id)
		if err != nil {
			v.log.Warn("fetch channel feed failed", zap.String("channel", id), zap.Error(err))
			continue
		}
		v.log.Info("channel feed fetched", zap.String("channel", id), zap.Int("items", len(items)))
		out = append(out, items...)
	}

	if err := v.markLiveStatus(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *VideoSource) channelID(ctx context.Context, ch Channel) (string, error) {
	if ch.ID != "" {
		return ch.ID, nil
	}
	if ch.Handle == "" {
		return "", fmt.Errorf("%w: channel %q has neither id nor handle", ErrMisconfigured, ch.Name)
	}
	if v.API == nil {
		return "", fmt.Errorf("%w: channel handle %s needs a youtube api key", ErrMisconfigured, ch.Handle)
	}

	v.mu.Lock()
	id, ok := v.resolved[ch.Handle]
	v.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := v.API.ResolveHandle(ctx, ch.Handle)
	if errors.Is(err, ErrChannelNotFound) {
		return "", fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	if v.resolved == nil {
		v.resolved = make(map[string]string)
	}
	v.resolved[ch.Handle] = id
	v.mu.Unlock()
	return id, nil
}

func (v *VideoSource) fetchChannel(ctx context.Context, client *http.Client, channelID string) ([]RawCandidate, error) {
	base := v.FeedURL
	if base == "" {
		base = youtubeFeedURL
	}
	feed, err := fetchFeed(ctx, client, v.parser, base+"?channel_id="+url.QueryEscape(channelID))
	if err != nil {
		return nil, err
	}

	items := make([]RawCandidate, 0, len(feed.Items))
	for _, it := range feed.Items {
		videoID := extValue(it.Extensions, "yt", "videoId")
		if videoID == "" {
			videoID = strings.TrimPrefix(it.GUID, "yt:video:")
		}
		if videoID == "" {
			continue
		}

		c := RawCandidate{
			ExternalID:  videoID,
			Kind:        storage.KindVideo,
			Title:       strings.TrimSpace(it.Title),
			Link:        it.Link,
			PublishedAt: itemTime(it),
			SourceRef:   channelID,
		}
		if d := mediaGroupChild(it.Extensions, "description"); d != nil {
			c.Description = strings.TrimSpace(d.Value)
		}
		if th := mediaGroupChild(it.Extensions, "thumbnail"); th != nil {
			c.ThumbnailURL = th.Attrs["url"]
		}
		if c.ThumbnailURL == "" {
			c.ThumbnailURL = "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
		}
		items = append(items, c)
	}

	slices.SortStableFunc(items, func(a, b RawCandidate) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
	limit := v.MaxItems
	if limit <= 0 {
		limit = defaultVideoMaxItems
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// markLiveStatus 标记直播中/预约中的视频。未配置 API 时，发布时间在未来的条目视为预约直播。
// 只有 key 被拒绝时返回 error，其它查询失败只记录日志。
func (v *VideoSource) markLiveStatus(ctx context.Context, items []RawCandidate) error {
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	for i := range items {
		if items[i].PublishedAt.After(now) {
			items[i].LiveStatus = LiveUpcoming
		}
	}

	if v.API == nil || len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ExternalID
	}
	status, err := v.API.LiveStatus(ctx, ids)
	if errors.Is(err, ErrMisconfigured) {
		return err
	}
	if err != nil {
		v.log.Warn("query live status failed", zap.Error(err))
	}
	for i := range items {
		if st, ok := status[items[i].ExternalID]; ok && st != "" {
			items[i].LiveStatus = st
		}
	}
	return nil
}
