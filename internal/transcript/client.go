// Package transcript 读取 YouTube 视频的字幕轨道。
//
// 观看页中的 ytInitialPlayerResponse 列出了所有字幕轨道（人工/自动生成），
// 每条轨道的 baseUrl 返回 timedtext XML，追加 tlang 参数即可由 YouTube 机器翻译。
package transcript

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	ErrTranscriptsDisabled = errors.New("transcript: subtitles are disabled for this video")
	ErrVideoUnavailable    = errors.New("transcript: video unavailable")
	ErrNoTranscript        = errors.New("transcript: no transcript found")
	ErrTooManyRequests     = errors.New("transcript: too many requests")
	ErrRequestBlocked      = errors.New("transcript: request blocked")
)

// StatusError 上游返回了非预期的 HTTP 状态码
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcript: unexpected status %d from %s", e.Code, e.URL)
}

// IsTerminal 字幕被关闭或视频不可用，重试没有意义
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTranscriptsDisabled) || errors.Is(err, ErrVideoUnavailable)
}

// IsTransient 限流、被拦截、网络错误、5xx 等可以稍后再试的错误
func IsTransient(err error) bool {
	if err == nil || IsTerminal(err) || errors.Is(err, ErrNoTranscript) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Track 一条字幕轨道
type Track struct {
	BaseURL      string
	LanguageCode string
	Name         string
	Generated    bool
	Translatable bool
}

const (
	watchURL           = "https://www.youtube.com/watch"
	clientTimeout      = 20 * time.Second
	maxWatchPageBytes  = 8 << 20
	maxTimedTextBytes  = 4 << 20
	defaultAcceptLang  = "ja,en;q=0.8"
	recaptchaMarker    = `class="g-recaptcha"`
	playabilityMarker  = `"playabilityStatus":`
	captionsMarker     = `"captions":`
	videoDetailsMarker = `,"videoDetails`
	browserUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Client 通过公开观看页获取字幕，不需要 API key
type Client struct {
	HTTP           *http.Client
	WatchURL       string
	AcceptLanguage string
}

func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: clientTimeout}}
}

// ListTracks 列出视频的全部字幕轨道
func (c *Client) ListTracks(ctx context.Context, videoID string) ([]Track, error) {
	base := c.WatchURL
	if base == "" {
		base = watchURL
	}
	page, err := c.get(ctx, base+"?v="+url.QueryEscape(videoID), maxWatchPageBytes)
	if err != nil {
		return nil, err
	}
	return parseTracks(page)
}

// Fetch 下载一条字幕轨道；translateTo 非空时请求 YouTube 机器翻译
func (c *Client) Fetch(ctx context.Context, track Track, translateTo string) (string, error) {
	u := track.BaseURL
	if translateTo != "" {
		sep := "&"
		if !strings.Contains(u, "?") {
			sep = "?"
		}
		u += sep + "tlang=" + url.QueryEscape(translateTo)
	}
	body, err := c.get(ctx, u, maxTimedTextBytes)
	if err != nil {
		return "", err
	}
	text, err := parseTimedText(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty track %s", ErrNoTranscript, track.LanguageCode)
	}
	return text, nil
}

func (c *Client) get(ctx context.Context, u string, limit int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("transcript: build request: %w", err)
	}
	lang := c.AcceptLanguage
	if lang == "" {
		lang = defaultAcceptLang
	}
	req.Header.Set("Accept-Language", lang)
	req.Header.Set("User-Agent", browserUserAgent)

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: clientTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcript: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrTooManyRequests
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, URL: req.URL.Redacted()}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("transcript: read body: %w", err)
	}
	return string(body), nil
}

type captionTrackJSON struct {
	BaseURL string `json:"baseUrl"`
	Name    struct {
		SimpleText string `json:"simpleText"`
		Runs       []struct {
			Text string `json:"text"`
		} `json:"runs"`
	} `json:"name"`
	LanguageCode   string `json:"languageCode"`
	Kind           string `json:"kind"`
	IsTranslatable bool   `json:"isTranslatable"`
}

func parseTracks(page string) ([]Track, error) {
	_, after, found := strings.Cut(page, captionsMarker)
	if !found {
		switch {
		case strings.Contains(page, recaptchaMarker):
			return nil, ErrRequestBlocked
		case !strings.Contains(page, playabilityMarker):
			return nil, ErrVideoUnavailable
		default:
			return nil, ErrTranscriptsDisabled
		}
	}

	raw, _, _ := strings.Cut(after, videoDetailsMarker)
	raw = strings.ReplaceAll(raw, "\n", "")

	var captions struct {
		Renderer struct {
			CaptionTracks []captionTrackJSON `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	}
	if err := json.Unmarshal([]byte(raw), &captions); err != nil {
		return nil, fmt.Errorf("transcript: decode caption tracks: %w", err)
	}
	if len(captions.Renderer.CaptionTracks) == 0 {
		return nil, ErrTranscriptsDisabled
	}

	tracks := make([]Track, 0, len(captions.Renderer.CaptionTracks))
	for _, ct := range captions.Renderer.CaptionTracks {
		name := ct.Name.SimpleText
		if name == "" && len(ct.Name.Runs) > 0 {
			name = ct.Name.Runs[0].Text
		}
		tracks = append(tracks, Track{
			BaseURL:      ct.BaseURL,
			LanguageCode: ct.LanguageCode,
			Name:         name,
			Generated:    ct.Kind == "asr",
			Translatable: ct.IsTranslatable,
		})
	}
	return tracks, nil
}

// parseTimedText 兼容 <transcript><text> 与 format=3 的 <timedtext><body><p> 两种格式
func parseTimedText(body string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	dec.Entity = xml.HTMLEntity
	var (
		lines []string
		cur   strings.Builder
		depth int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("transcript: parse timedtext: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" || t.Name.Local == "p" {
				depth++
			}
		case xml.CharData:
			if depth > 0 {
				cur.Write(t)
			}
		case xml.EndElement:
			if (t.Name.Local == "text" || t.Name.Local == "p") && depth > 0 {
				depth--
				if depth == 0 {
					if line := cleanLine(cur.String()); line != "" {
						lines = append(lines, line)
					}
					cur.Reset()
				}
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// cleanLine 字幕文本中实体常被二次转义，且可能夹带 <font> 之类的标签
func cleanLine(s string) string {
	s = html.UnescapeString(s)
	if strings.ContainsRune(s, '<') {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
