package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	translateMaxResponseBytes = 256 * 1024
	translateChunkRunes       = 500
	translateMaxChunks        = 40
	translateClientTimeout    = 20 * time.Second

	googleTranslateURL = "https://translate.googleapis.com/translate_a/single"
	myMemoryURL        = "https://api.mymemory.translated.net/get"
)

var errEmptyTranslation = errors.New("translate: empty result")

// Translator 在字幕轨道不支持 YouTube 翻译时兜底：依次尝试 Google Translate 公开接口 → MyMemory
type Translator struct {
	HTTP        *http.Client
	GoogleURL   string
	MyMemoryURL string
}

func NewTranslator() *Translator {
	return &Translator{HTTP: &http.Client{Timeout: translateClientTimeout}}
}

// Translate 按行切块翻译，任一块两个服务都失败则整体返回错误，由调用方决定是否使用原文
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	chunks := chunkRunes(text, translateChunkRunes)
	if len(chunks) > translateMaxChunks {
		chunks = chunks[:translateMaxChunks]
	}

	var out strings.Builder
	for i, chunk := range chunks {
		translated, err := t.translateChunk(ctx, chunk, source, target)
		if err != nil {
			return "", fmt.Errorf("translate chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(translated)
	}
	return out.String(), nil
}

func (t *Translator) translateChunk(ctx context.Context, text, source, target string) (string, error) {
	out, gErr := t.viaGoogle(ctx, text, source, target)
	if gErr == nil {
		return out, nil
	}
	out, mErr := t.viaMyMemory(ctx, text, source, target)
	if mErr == nil {
		return out, nil
	}
	return "", errors.Join(gErr, mErr)
}

// viaGoogle 使用 Google Translate 公开 API（client=gtx，无需密钥）
func (t *Translator) viaGoogle(ctx context.Context, text, source, target string) (string, error) {
	if source == "" {
		source = "auto"
	}
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", source)
	q.Set("tl", target)
	q.Set("dt", "t")
	q.Set("q", text)

	base := t.GoogleURL
	if base == "" {
		base = googleTranslateURL
	}
	body, err := t.get(ctx, base+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("google-gtx: %w", err)
	}

	// 响应格式: [[["译文","原文",...],...],...]
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("google-gtx: decode: invalid json")
	}
	var result strings.Builder
	for _, seg := range gjson.GetBytes(body, "0.#.0").Array() {
		if seg.Type == gjson.String {
			result.WriteString(seg.Str)
		}
	}
	if s := strings.TrimSpace(result.String()); s != "" {
		return s, nil
	}
	return "", errEmptyTranslation
}

func (t *Translator) viaMyMemory(ctx context.Context, text, source, target string) (string, error) {
	if source == "" || source == "auto" {
		source = guessSourceLang(text)
	}
	q := url.Values{}
	q.Set("langpair", source+"|"+target)
	q.Set("q", text)

	base := t.MyMemoryURL
	if base == "" {
		base = myMemoryURL
	}
	body, err := t.get(ctx, base+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("mymemory: %w", err)
	}
	var out struct {
		ResponseData struct {
			TranslatedText string `json:"translatedText"`
		} `json:"responseData"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("mymemory: decode: %w", err)
	}
	if s := strings.TrimSpace(out.ResponseData.TranslatedText); s != "" {
		return s, nil
	}
	return "", errEmptyTranslation
}

func (t *Translator) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	client := t.HTTP
	if client == nil {
		client = &http.Client{Timeout: translateClientTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, translateMaxResponseBytes))
}

// chunkRunes 尽量在换行处切分，单行过长时按 rune 数硬切
func chunkRunes(text string, limit int) []string {
	var (
		chunks []string
		cur    []rune
	)
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		rs := []rune(strings.TrimSpace(line))
		if len(rs) == 0 {
			continue
		}
		for len(rs) > limit {
			flush()
			chunks = append(chunks, string(rs[:limit]))
			rs = rs[limit:]
		}
		if len(cur)+len(rs)+1 > limit {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, '\n')
		}
		cur = append(cur, rs...)
	}
	flush()
	return chunks
}

// guessSourceLang MyMemory 不支持 auto，按假名粗略判断日文
func guessSourceLang(s string) string {
	for _, r := range s {
		if r >= 0x3040 && r <= 0x309f || r >= 0x30a0 && r <= 0x30ff {
			return "ja"
		}
	}
	return "en"
}
