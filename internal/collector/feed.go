package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// fetchFeed 拉取并解析一个 RSS/Atom 订阅源
func fetchFeed(ctx context.Context, client *http.Client, parser *gofeed.Parser, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	feed, err := parser.Parse(io.LimitReader(resp.Body, feedMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func itemTime(it *gofeed.Item) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return it.PublishedParsed.UTC()
	case it.UpdatedParsed != nil:
		return it.UpdatedParsed.UTC()
	}
	return time.Time{}
}

// extValue 读取命名空间扩展元素，例如 yt:videoId
func extValue(exts ext.Extensions, ns, name string) string {
	if exts == nil {
		return ""
	}
	if list := exts[ns][name]; len(list) > 0 {
		return list[0].Value
	}
	return ""
}

// mediaGroupChild 读取 media:group 下的子元素（YouTube Atom 的描述与缩略图都在这里）
func mediaGroupChild(exts ext.Extensions, name string) *ext.Extension {
	if exts == nil {
		return nil
	}
	groups := exts["media"]["group"]
	if len(groups) == 0 {
		return nil
	}
	if children := groups[0].Children[name]; len(children) > 0 {
		return &children[0]
	}
	return nil
}
