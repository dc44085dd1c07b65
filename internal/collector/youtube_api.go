package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	youtubeAPIBaseURL        = "https://www.googleapis.com/youtube/v3"
	youtubeAPIMaxIDs         = 50
	youtubeAPIMaxResponseLen = 1 << 20
)

// ErrChannelNotFound handle 在 YouTube 上不存在
var ErrChannelNotFound = errors.New("youtube: channel not found")

// YouTubeAPI 是 YouTube Data API v3 的最小封装：频道 handle 解析与直播状态查询。
// 订阅源本身不消耗 API 配额，只有这两个辅助调用需要 key。
type YouTubeAPI struct {
	Key     string
	BaseURL string
	Client  *http.Client
}

func NewYouTubeAPI(key string) *YouTubeAPI {
	return &YouTubeAPI{Key: key, BaseURL: youtubeAPIBaseURL}
}

// ResolveHandle 把 @ANNnewsCH 这类 handle 解析为频道 ID
func (y *YouTubeAPI) ResolveHandle(ctx context.Context, handle string) (string, error) {
	q := url.Values{}
	q.Set("part", "id")
	q.Set("forHandle", handle)

	var out struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := y.get(ctx, "/channels", q, &out); err != nil {
		return "", err
	}
	if len(out.Items) == 0 || out.Items[0].ID == "" {
		return "", fmt.Errorf("%w: %s", ErrChannelNotFound, handle)
	}
	return out.Items[0].ID, nil
}

// LiveStatus 批量查询视频的 liveBroadcastContent（none / live / upcoming）
func (y *YouTubeAPI) LiveStatus(ctx context.Context, ids []string) (map[string]string, error) {
	status := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += youtubeAPIMaxIDs {
		end := min(start+youtubeAPIMaxIDs, len(ids))

		q := url.Values{}
		q.Set("part", "snippet")
		q.Set("id", strings.Join(ids[start:end], ","))

		var out struct {
			Items []struct {
				ID      string `json:"id"`
				Snippet struct {
					LiveBroadcastContent string `json:"liveBroadcastContent"`
				} `json:"snippet"`
			} `json:"items"`
		}
		if err := y.get(ctx, "/videos", q, &out); err != nil {
			return status, err
		}
		for _, it := range out.Items {
			status[it.ID] = it.Snippet.LiveBroadcastContent
		}
	}
	return status, nil
}

func (y *YouTubeAPI) get(ctx context.Context, path string, q url.Values, dst any) error {
	q.Set("key", y.Key)
	base := y.BaseURL
	if base == "" {
		base = youtubeAPIBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("youtube api: build request: %w", err)
	}
	resp, err := defaultHTTPClient(y.Client).Do(req)
	if err != nil {
		return fmt.Errorf("youtube api %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, youtubeAPIMaxResponseLen))
	if err != nil {
		return fmt.Errorf("youtube api %s: read body: %w", path, err)
	}
	// key 无效、被停用或配额项目未启用 API 都属于配置问题
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: youtube api %s: status %d: %s", ErrMisconfigured, path, resp.StatusCode, apiErrorMessage(body, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("youtube api %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("youtube api %s: decode: %w", path, err)
	}
	return nil
}

// apiErrorMessage 取出 {"error":{"message":...}} 中的说明
func apiErrorMessage(body []byte, status int) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return http.StatusText(status)
}
