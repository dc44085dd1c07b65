package processor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/LJTian/NewsCheck/internal/collector"
)

// 标题过滤规则。关键词列表随频道编排而变化，因此全部来自配置。
type FilterRules struct {
	PromoMarkers    []string
	ExcludeKeywords []string
	// DigestPattern 定时新闻合集的标题格式，需包含 month/day 两个分组
	DigestPattern string
	DigestPhrases []string
	// RequireDigest 为 true 时只有命中合集格式的条目才算新闻（视频默认排除），
	// 文章由订阅源预先筛选，默认纳入
	RequireDigest bool
}

// DefaultDigestPattern 例：【ライブ】1/17 朝ニュースまとめ
const DefaultDigestPattern = `^【ライブ】\s*(\d{1,2})/(\d{1,2})\s*(朝|昼|夕|夜)ニュースまとめ`

// 标题中任意位置的 month/day，用于未来日期判断
var monthDayRe = regexp.MustCompile(`(?:^|[^\d/])(\d{1,2})/(\d{1,2})(?:[^\d/]|$)`)

type verdict int

const (
	pass verdict = iota
	exclude
)

type rule struct {
	name  string
	check func(c collector.RawCandidate, title string) verdict
}

// Filter 判断候选条目是否属于需要处理的新闻。给定时钟时是纯函数。
type Filter struct {
	rules []rule
	now   func() time.Time
	loc   *time.Location
}

func NewFilter(r FilterRules, now func() time.Time, loc *time.Location) (*Filter, error) {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	f := &Filter{now: now, loc: loc}

	promo := normalizeAll(r.PromoMarkers)
	for i := range promo {
		promo[i] = strings.ToLower(promo[i])
	}
	keywords := normalizeAll(r.ExcludeKeywords)
	phrases := normalizeAll(r.DigestPhrases)

	f.rules = append(f.rules,
		rule{"promo", func(_ collector.RawCandidate, title string) verdict {
			return excludeIf(containsAny(strings.ToLower(title), promo))
		}},
		rule{"keyword", func(_ collector.RawCandidate, title string) verdict {
			return excludeIf(containsAny(title, keywords))
		}},
	)

	if r.RequireDigest {
		pattern := r.DigestPattern
		if pattern == "" {
			pattern = DefaultDigestPattern
		}
		re, err := regexp.Compile(normalize(pattern))
		if err != nil {
			return nil, err
		}
		f.rules = append(f.rules, rule{"digest", func(_ collector.RawCandidate, title string) verdict {
			return excludeIf(!re.MatchString(title) && !containsAny(title, phrases))
		}})
	}

	f.rules = append(f.rules,
		rule{"future_date", func(_ collector.RawCandidate, title string) verdict {
			return excludeIf(f.isFutureDated(title))
		}},
		rule{"live", func(c collector.RawCandidate, _ string) verdict {
			return excludeIf(c.LiveStatus == collector.LiveNow || c.LiveStatus == collector.LiveUpcoming)
		}},
	)
	return f, nil
}

// InScope 依次执行规则，任一规则排除即排除；全部通过则纳入
func (f *Filter) InScope(c collector.RawCandidate) bool {
	_, ok := f.Explain(c)
	return ok
}

// Explain 返回命中排除的规则名，便于记录日志
func (f *Filter) Explain(c collector.RawCandidate) (string, bool) {
	if f == nil {
		return "", true
	}
	title := normalize(c.Title)
	for _, r := range f.rules {
		if r.check(c, title) == exclude {
			return r.name, false
		}
	}
	return "", true
}

// isFutureDated 标题中的 month/day 按跨年规则解析后严格晚于今天时返回 true。
// 与今天相差超过半年的日期归入相邻年份：1 月看到 12/31 是去年，12 月看到 1/1 是明年。
func (f *Filter) isFutureDated(title string) bool {
	m := monthDayRe.FindStringSubmatch(title)
	if len(m) != 3 {
		return false
	}
	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}

	now := f.now().In(f.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, f.loc)
	candidate := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, f.loc)

	const halfYear = 183 * 24 * time.Hour
	switch diff := candidate.Sub(today); {
	case diff > halfYear:
		candidate = candidate.AddDate(-1, 0, 0)
	case diff < -halfYear:
		candidate = candidate.AddDate(1, 0, 0)
	}
	return candidate.After(today)
}

func excludeIf(b bool) verdict {
	if b {
		return exclude
	}
	return pass
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// normalize 统一全角/半角（１/１７ → 1/17，！ → !），避免同一标题的不同写法漏判
func normalize(s string) string {
	return norm.NFKC.String(strings.TrimSpace(s))
}

func normalizeAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = normalize(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
