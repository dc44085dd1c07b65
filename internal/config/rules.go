package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelRule 订阅的 YouTube 频道，id 与 handle 至少填一个
type ChannelRule struct {
	ID     string `yaml:"id"`
	Handle string `yaml:"handle"`
	Name   string `yaml:"name"`
}

type VideoRules struct {
	Channels            []ChannelRule `yaml:"channels"`
	MaxItems            int           `yaml:"max_items"`
	PreferredLanguage   string        `yaml:"preferred_language"`
	PromoMarkers        []string      `yaml:"promo_markers"`
	ExcludeKeywords     []string      `yaml:"exclude_keywords"`
	DigestPattern       string        `yaml:"digest_pattern"`
	DigestPhrases       []string      `yaml:"digest_phrases"`
	BoilerplatePhrases  []string      `yaml:"boilerplate_phrases"`
	MinDescriptionRunes int           `yaml:"min_description_runes"`
	TranscriptDelay     time.Duration `yaml:"transcript_delay"`
	TranscriptJitter    time.Duration `yaml:"transcript_jitter"`
}

type ArticleRules struct {
	// nhk:<category>、googlenews:<topic> 或完整的 RSS 地址
	Feeds                 []string      `yaml:"feeds"`
	MaxItems              int           `yaml:"max_items"`
	PromoMarkers          []string      `yaml:"promo_markers"`
	ExcludeKeywords       []string      `yaml:"exclude_keywords"`
	Selectors             []string      `yaml:"selectors"`
	StripSelectors        []string      `yaml:"strip_selectors"`
	MinDescriptionRunes   int           `yaml:"min_description_runes"`
	MinBodyRunes          int           `yaml:"min_body_runes"`
	DelayMin              time.Duration `yaml:"delay_min"`
	DelayMax              time.Duration `yaml:"delay_max"`
	AllowShortDescription bool          `yaml:"allow_short_description"`
}

// Rules 来自 rules.yml，文件中的字段覆盖默认值，列表整体替换
type Rules struct {
	Timezone     string       `yaml:"timezone"`
	MinTextRunes int          `yaml:"min_text_runes"`
	Video        VideoRules   `yaml:"video"`
	Article      ArticleRules `yaml:"article"`
}

func DefaultRules() *Rules {
	return &Rules{
		Timezone:     "Asia/Tokyo",
		MinTextRunes: 50,
		Video: VideoRules{
			Channels: []ChannelRule{
				{ID: "UCGCZAYq5Xxojl_tSXcVJhiQ", Handle: "@ANNnewsCH", Name: "ANNnewsCH"},
			},
			MaxItems:          15,
			PreferredLanguage: "ja",
			PromoMarkers:      []string{"#shorts", "#short", "【予告】", "【切り抜き】"},
			ExcludeKeywords:   []string{"グッド！モーニング", "会見", "演説", "国会中継"},
			DigestPhrases:     []string{"ニュースまとめ"},
			BoilerplatePhrases: []string{
				"テレビ朝日がお届けする",
				"最新ニュースをライブで",
				"チャンネル登録",
				"ANNnewsCHのチャンネル",
				"#テレ朝news",
			},
			MinDescriptionRunes: 30,
			TranscriptDelay:     3 * time.Second,
			TranscriptJitter:    2 * time.Second,
		},
		Article: ArticleRules{
			Feeds:               []string{"nhk:main"},
			MaxItems:            20,
			MinDescriptionRunes: 200,
			MinBodyRunes:        100,
			DelayMin:            time.Second,
			DelayMax:            3 * time.Second,
		},
	}
}

// LoadRules 读取规则文件；文件不存在时使用默认规则
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rules, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := rules.validate(); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return rules, nil
}

// Location 规则中的时区，用于标题日期判断
func (r *Rules) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}

func (r *Rules) validate() error {
	var errs []error
	for i, ch := range r.Video.Channels {
		if ch.ID == "" && ch.Handle == "" {
			errs = append(errs, fmt.Errorf("video.channels[%d]: id or handle required", i))
		}
	}
	if r.Article.DelayMax < r.Article.DelayMin {
		errs = append(errs, errors.New("article.delay_max must not be less than delay_min"))
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}
