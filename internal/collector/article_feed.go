package collector

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/storage"
)

const defaultArticleMaxItems = 20

// ArticleSource 读取一个或多个分类订阅源（NHK、Google News 等），同一轮内按规范化链接去重
type ArticleSource struct {
	Feeds    []Feed
	MaxItems int
	Client   *http.Client

	log    *zap.Logger
	parser *gofeed.Parser
}

// NewArticleSource 解析订阅源预设；未知预设属于配置错误
func NewArticleSource(specs []string, maxItems int, logger *zap.Logger) (*ArticleSource, error) {
	feeds := make([]Feed, 0, len(specs))
	for _, spec := range specs {
		f, err := ResolveFeed(spec)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return &ArticleSource{
		Feeds:    feeds,
		MaxItems: maxItems,
		log:      logger.Named("article_source"),
	}, nil
}

func (a *ArticleSource) Kind() storage.Kind { return storage.KindArticle }

func (a *ArticleSource) Name() string { return "articles" }

func (a *ArticleSource) Discover(ctx context.Context) ([]RawCandidate, error) {
	if len(a.Feeds) == 0 {
		return nil, fmt.Errorf("%w: no article feeds configured", ErrMisconfigured)
	}
	if a.parser == nil {
		a.parser = gofeed.NewParser()
	}
	client := defaultHTTPClient(a.Client)

	seen := make(map[string]struct{})
	var out []RawCandidate
	for _, f := range a.Feeds {
		feed, err := fetchFeed(ctx, client, a.parser, f.URL)
		if err != nil {
			a.log.Warn("fetch article feed failed", zap.String("category", f.Category), zap.Error(err))
			continue
		}

		added := 0
		for _, it := range feed.Items {
			link := CanonicalLink(it.Link)
			if link == "" {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}

			out = append(out, RawCandidate{
				ExternalID:   ArticleID(link),
				Kind:         storage.KindArticle,
				Title:        strings.TrimSpace(it.Title),
				Description:  cleanHTML(it.Description),
				Link:         link,
				PublishedAt:  itemTime(it),
				ThumbnailURL: itemImage(it),
				SourceRef:    f.Category,
				Category:     f.Category,
			})
			added++
		}
		a.log.Info("article feed fetched", zap.String("category", f.Category), zap.Int("items", added))
	}

	slices.SortStableFunc(out, func(x, y RawCandidate) int {
		return y.PublishedAt.Compare(x.PublishedAt)
	})
	limit := a.MaxItems
	if limit <= 0 {
		limit = defaultArticleMaxItems
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cleanHTML 去掉描述里的 HTML 标签并解码实体，Google News 的描述是一段链接列表
func cleanHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(html.UnescapeString(s))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(html.UnescapeString(s))
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func itemImage(it *gofeed.Item) string {
	if it.Image != nil {
		return it.Image.URL
	}
	for _, enc := range it.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}
