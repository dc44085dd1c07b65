package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/storage"
	"github.com/LJTian/NewsCheck/internal/transcript"
)

// TranscriptClient 字幕轨道的读取能力，由 transcript.Client 实现
type TranscriptClient interface {
	ListTracks(ctx context.Context, videoID string) ([]transcript.Track, error)
	Fetch(ctx context.Context, track transcript.Track, translateTo string) (string, error)
}

// Translator 轨道不支持 YouTube 翻译时使用的兜底翻译
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

var (
	_ TranscriptClient = (*transcript.Client)(nil)
	_ Translator       = (*transcript.Translator)(nil)
)

type TranscriptConfig struct {
	PreferredLanguage   string
	BoilerplatePhrases  []string
	MinDescriptionRunes int
	// 每次请求字幕前等待 Delay + [0, Jitter)
	Delay  time.Duration
	Jitter time.Duration
}

var errDescriptionTooShort = errors.New("description too short after removing boilerplate")

// TranscriptExtractor 视频条目的兜底链：已存正文 → 字幕 → 简介
type TranscriptExtractor struct {
	cfg        TranscriptConfig
	client     TranscriptClient
	translator Translator
	sleep      Sleeper
	log        *zap.Logger
	chain      *Chain
}

func NewTranscriptExtractor(cfg TranscriptConfig, client TranscriptClient, translator Translator, logger *zap.Logger) *TranscriptExtractor {
	if cfg.PreferredLanguage == "" {
		cfg.PreferredLanguage = "ja"
	}
	if cfg.MinDescriptionRunes <= 0 {
		cfg.MinDescriptionRunes = 30
	}
	e := &TranscriptExtractor{
		cfg:        cfg,
		client:     client,
		translator: translator,
		sleep:      SleepContext,
		log:        logger.Named("transcript_extractor"),
	}
	e.chain = &Chain{
		Steps: []Step{
			{Name: "stored", Run: storedText},
			{Name: "transcript", Run: e.transcript},
			{Name: "description", Run: e.description},
		},
		log: e.log,
	}
	return e
}

// WithSleeper 替换等待函数，测试中用来跳过真实延迟
func (e *TranscriptExtractor) WithSleeper(s Sleeper) *TranscriptExtractor {
	e.sleep = s
	return e
}

func (e *TranscriptExtractor) Extract(ctx context.Context, item *storage.Item) Result {
	return e.chain.Run(ctx, item)
}

// attempt 一次字幕尝试：哪条轨道、是否请求 YouTube 翻译、是否需要本地翻译
type attempt struct {
	track       transcript.Track
	translateTo string
	localize    bool
}

func (e *TranscriptExtractor) plan(tracks []transcript.Track) []attempt {
	pref := e.cfg.PreferredLanguage
	var manual, generated, others []attempt
	for _, t := range tracks {
		switch {
		case langMatches(t.LanguageCode, pref) && !t.Generated:
			manual = append(manual, attempt{track: t})
		case langMatches(t.LanguageCode, pref):
			generated = append(generated, attempt{track: t})
		case t.Translatable:
			others = append(others, attempt{track: t, translateTo: pref})
		default:
			others = append(others, attempt{track: t, localize: true})
		}
	}
	// 其它语言中人工字幕优先
	var othersManual, othersGenerated []attempt
	for _, a := range others {
		if a.track.Generated {
			othersGenerated = append(othersGenerated, a)
		} else {
			othersManual = append(othersManual, a)
		}
	}

	out := append(manual, generated...)
	out = append(out, othersManual...)
	return append(out, othersGenerated...)
}

func (e *TranscriptExtractor) transcript(ctx context.Context, item *storage.Item) (string, error) {
	if err := e.wait(ctx); err != nil {
		return "", fail(err)
	}
	tracks, err := e.client.ListTracks(ctx, item.ID)
	if err != nil {
		return "", classify(err)
	}

	var (
		errs      []error
		transient bool
	)
	for i, a := range e.plan(tracks) {
		if i > 0 {
			if err := e.wait(ctx); err != nil {
				return "", fail(err)
			}
		}
		text, err := e.client.Fetch(ctx, a.track, a.translateTo)
		if err != nil {
			if transcript.IsTerminal(err) {
				return "", failPermanent(err)
			}
			transient = transient || transcript.IsTransient(err)
			errs = append(errs, fmt.Errorf("track %s: %w", a.track.LanguageCode, err))
			continue
		}
		if a.localize {
			text = e.localize(ctx, item.ID, text, a.track.LanguageCode)
		}
		e.log.Info("transcript fetched",
			zap.String("video", item.ID),
			zap.String("lang", a.track.LanguageCode),
			zap.Bool("generated", a.track.Generated),
			zap.String("translated_to", a.translateTo))
		return text, nil
	}

	if len(errs) == 0 {
		return "", fail(transcript.ErrNoTranscript)
	}
	if transient {
		return "", next(errors.Join(errs...))
	}
	return "", fail(errors.Join(errs...))
}

// localize 本地翻译失败时保留原文
func (e *TranscriptExtractor) localize(ctx context.Context, videoID, text, source string) string {
	if e.translator == nil {
		return text
	}
	out, err := e.translator.Translate(ctx, text, source, e.cfg.PreferredLanguage)
	if err != nil || strings.TrimSpace(out) == "" {
		e.log.Warn("translate transcript failed, keep original",
			zap.String("video", videoID), zap.String("lang", source), zap.Error(err))
		return text
	}
	return out
}

func (e *TranscriptExtractor) description(_ context.Context, item *storage.Item) (string, error) {
	text := StripBoilerplate(item.Description, e.cfg.BoilerplatePhrases)
	if utf8.RuneCountInString(text) <= e.cfg.MinDescriptionRunes {
		return "", fail(errDescriptionTooShort)
	}
	e.log.Info("using description as transcript fallback", zap.String("video", item.ID))
	return text, nil
}

func (e *TranscriptExtractor) wait(ctx context.Context) error {
	return e.sleep(ctx, jittered(e.cfg.Delay, e.cfg.Jitter))
}

func classify(err error) error {
	switch {
	case transcript.IsTerminal(err):
		return failPermanent(err)
	case transcript.IsTransient(err):
		return next(err)
	default:
		return fail(err)
	}
}

// StripBoilerplate 在第一个频道宣传语出现处截断
func StripBoilerplate(text string, phrases []string) string {
	cut := len(text)
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if i := strings.Index(text, p); i >= 0 && i < cut {
			cut = i
		}
	}
	return strings.TrimSpace(text[:cut])
}

func langMatches(code, pref string) bool {
	code, pref = strings.ToLower(code), strings.ToLower(pref)
	return code == pref || strings.HasPrefix(code, pref+"-")
}
