package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/LJTian/NewsCheck/internal/storage"
)

// NHK 新旧版页面的正文容器，按顺序尝试
var DefaultSelectors = []string{
	"div._1i1d7sh0",
	"div.content--detail-body",
	"div.body-content",
	"article",
	"div.content--summary",
}

var DefaultStripSelectors = []string{"script", "style", "nav", "footer", ".related"}

type ArticleConfig struct {
	// 订阅源描述超过该长度时直接使用，不抓取页面
	MinDescriptionRunes int
	MinBodyRunes        int
	Selectors           []string
	StripSelectors      []string
	// 每次抓取页面前随机等待 [DelayMin, DelayMax)
	DelayMin time.Duration
	DelayMax time.Duration
	// 页面抓取失败时是否退回到较短的订阅源描述
	AllowShortDescription bool
}

// PageFetcher 抓取并解析一个网页
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (*goquery.Document, error)
}

var (
	errNoLink          = errors.New("article has no link")
	errNoSelector      = errors.New("no content selector matched")
	errShortDesc       = errors.New("feed description too short")
	errEmptyDesc       = errors.New("feed description empty")
	errPageNotRendered = errors.New("page returned no html")
)

// ArticleBodyExtractor 文章条目的兜底链：已存正文 → 足够长的订阅源描述 → 抓取页面正文
type ArticleBodyExtractor struct {
	cfg     ArticleConfig
	fetcher PageFetcher
	sleep   Sleeper
	log     *zap.Logger
	chain   *Chain
}

func NewArticleBodyExtractor(cfg ArticleConfig, fetcher PageFetcher, logger *zap.Logger) *ArticleBodyExtractor {
	if cfg.MinDescriptionRunes <= 0 {
		cfg.MinDescriptionRunes = 200
	}
	if cfg.MinBodyRunes <= 0 {
		cfg.MinBodyRunes = 100
	}
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = DefaultSelectors
	}
	if len(cfg.StripSelectors) == 0 {
		cfg.StripSelectors = DefaultStripSelectors
	}

	e := &ArticleBodyExtractor{
		cfg:     cfg,
		fetcher: fetcher,
		sleep:   SleepContext,
		log:     logger.Named("article_extractor"),
	}
	steps := []Step{
		{Name: "stored", Run: storedText},
		{Name: "feed_description", Run: e.feedDescription},
		{Name: "page", Run: e.page},
	}
	if cfg.AllowShortDescription {
		steps = append(steps, Step{Name: "short_description", Run: e.shortDescription})
	}
	e.chain = &Chain{Steps: steps, log: e.log}
	return e
}

func (e *ArticleBodyExtractor) WithSleeper(s Sleeper) *ArticleBodyExtractor {
	e.sleep = s
	return e
}

func (e *ArticleBodyExtractor) Extract(ctx context.Context, item *storage.Item) Result {
	return e.chain.Run(ctx, item)
}

func (e *ArticleBodyExtractor) feedDescription(_ context.Context, item *storage.Item) (string, error) {
	desc := strings.TrimSpace(item.Description)
	if utf8.RuneCountInString(desc) > e.cfg.MinDescriptionRunes {
		return desc, nil
	}
	return "", next(errShortDesc)
}

func (e *ArticleBodyExtractor) page(ctx context.Context, item *storage.Item) (string, error) {
	if item.Link == "" {
		return "", e.pageFailure(errNoLink)
	}

	delay := e.cfg.DelayMin
	if e.cfg.DelayMax > e.cfg.DelayMin {
		delay = jittered(e.cfg.DelayMin, e.cfg.DelayMax-e.cfg.DelayMin)
	}
	if err := e.sleep(ctx, delay); err != nil {
		return "", fail(err)
	}

	doc, err := e.fetcher.Fetch(ctx, item.Link)
	if err != nil {
		return "", e.pageFailure(err)
	}

	for _, sel := range e.cfg.StripSelectors {
		doc.Find(sel).Remove()
	}
	for _, sel := range e.cfg.Selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		text := nodeText(node)
		if utf8.RuneCountInString(text) > e.cfg.MinBodyRunes {
			e.log.Info("article body extracted",
				zap.String("article", item.ID), zap.String("selector", sel), zap.Int("runes", utf8.RuneCountInString(text)))
			return text, nil
		}
	}
	return "", e.pageFailure(errNoSelector)
}

func (e *ArticleBodyExtractor) shortDescription(_ context.Context, item *storage.Item) (string, error) {
	if desc := strings.TrimSpace(item.Description); desc != "" {
		return desc, nil
	}
	return "", fail(errEmptyDesc)
}

func (e *ArticleBodyExtractor) pageFailure(err error) error {
	if e.cfg.AllowShortDescription {
		return next(err)
	}
	return fail(err)
}

// nodeText 以换行连接各文本节点，去掉首尾空白
func nodeText(sel *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(parts, "\n")
}

// CollyFetcher 使用 colly 抓取文章页面
type CollyFetcher struct {
	UserAgent string
	Timeout   time.Duration
}

func (f *CollyFetcher) Fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ua := f.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)

	var doc *goquery.Document
	c.OnHTML("html", func(e *colly.HTMLElement) {
		if doc == nil && len(e.DOM.Nodes) > 0 {
			doc = goquery.NewDocumentFromNode(e.DOM.Nodes[0])
		}
	})

	if err := c.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	if doc == nil {
		return nil, errPageNotRendered
	}
	return doc, nil
}
