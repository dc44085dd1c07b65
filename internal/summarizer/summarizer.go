// Package summarizer 调用生成式模型为正文生成摘要与要点。
// Summarize 不向调用方返回 error：最终失败时返回固定前缀的占位摘要，便于在数据中直接看到失败。
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/storage"
)

var (
	ErrEmptyResponse = errors.New("empty response")
	ErrBadJSON       = errors.New("response is not the expected json")
)

// Result 摘要结果，Err 非空时 Summary 为占位文本、KeyPoints 为空
type Result struct {
	Summary   string
	KeyPoints []string
	Err       error
}

func (r Result) OK() bool { return r.Err == nil }

type Config struct {
	Model      string
	MaxRetries int
	// 第 n 次重试前等待 BaseDelay*2^n + [0, Jitter)
	BaseDelay time.Duration
	Jitter    time.Duration
}

type Sleeper func(ctx context.Context, d time.Duration) error

type Summarizer struct {
	cfg     Config
	backend Completer
	sleep   Sleeper
	log     *zap.Logger
	// 最终失败写入的诊断日志，可为 nil
	diag *zap.Logger
}

func New(cfg Config, backend Completer, logger, diag *zap.Logger) *Summarizer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Summarizer{
		cfg:     cfg,
		backend: backend,
		sleep:   sleepContext,
		log:     logger.Named("summarizer"),
		diag:    diag,
	}
}

func (s *Summarizer) WithSleeper(sl Sleeper) *Summarizer {
	s.sleep = sl
	return s
}

func (s *Summarizer) Summarize(ctx context.Context, text string, kind storage.Kind) Result {
	prompt := BuildPrompt(kind, text)

	var err error
	for attempt := 0; ; attempt++ {
		var res Result
		res, err = s.once(ctx, prompt)
		if err == nil {
			if attempt > 0 {
				s.log.Info("summary succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return res
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= s.cfg.MaxRetries {
			break
		}

		delay := s.backoff(attempt)
		s.log.Warn("rate limited, backing off",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", s.cfg.MaxRetries),
			zap.Duration("delay", delay))
		if serr := s.sleep(ctx, delay); serr != nil {
			err = fmt.Errorf("%w (while backing off: %w)", err, serr)
			break
		}
	}
	return s.failure(ctx, kind, err)
}

// Ready 后端支持时检查凭据，运行前调用
func (s *Summarizer) Ready() error {
	if r, ok := s.backend.(interface{ Ready() error }); ok {
		return r.Ready()
	}
	return nil
}

func (s *Summarizer) once(ctx context.Context, prompt string) (Result, error) {
	c, err := s.complete(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return parse(c)
}

// complete 模型不存在时用 models/ 前缀重试一次
func (s *Summarizer) complete(ctx context.Context, prompt string) (Completion, error) {
	c, err := s.backend.Complete(ctx, s.cfg.Model, prompt)
	if err == nil || !errors.Is(err, ErrModelNotFound) || strings.HasPrefix(s.cfg.Model, "models/") {
		return c, err
	}

	retryModel := "models/" + s.cfg.Model
	s.log.Warn("model not found, retrying with prefix", zap.String("model", retryModel), zap.Error(err))
	c, err2 := s.backend.Complete(ctx, retryModel, prompt)
	if err2 != nil {
		return c, fmt.Errorf("%w | retry with %s: %w", err, retryModel, err2)
	}
	return c, nil
}

func (s *Summarizer) backoff(attempt int) time.Duration {
	d := s.cfg.BaseDelay << attempt
	if s.cfg.Jitter > 0 {
		d += rand.N(s.cfg.Jitter)
	}
	return d
}

// failure 记录最终失败；运行被取消时条目会被放弃，不写诊断日志
func (s *Summarizer) failure(ctx context.Context, kind storage.Kind, err error) Result {
	res := Result{Summary: SentinelSummary(err), KeyPoints: []string{}, Err: err}
	if ctx.Err() != nil {
		s.log.Info("summarize interrupted", zap.String("kind", string(kind)), zap.Error(err))
		return res
	}
	s.log.Error("summarize failed", zap.String("kind", string(kind)), zap.Error(err))
	if s.diag != nil {
		s.diag.Error("summarize failed",
			zap.String("kind", string(kind)),
			zap.String("model", s.cfg.Model),
			zap.Error(err))
	}
	return res
}

// SentinelSummary 生成失败占位摘要，错误信息截断到 60 个字符
func SentinelSummary(err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if r := []rune(msg); len(r) > 60 {
		msg = string(r[:60])
	}
	return storage.SentinelPrefix + "(" + msg + "...)"
}

type payload struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

func parse(c Completion) (Result, error) {
	text := stripFence(c.Text)
	if text == "" {
		return Result{}, emptyReason(c)
	}

	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrBadJSON, err)
	}
	summary := strings.TrimSpace(p.Summary)
	if summary == "" {
		return Result{}, fmt.Errorf("%w: summary field missing", ErrBadJSON)
	}
	points := make([]string, 0, len(p.KeyPoints))
	for _, kp := range p.KeyPoints {
		if kp = strings.TrimSpace(kp); kp != "" {
			points = append(points, kp)
		}
	}
	return Result{Summary: summary, KeyPoints: points}, nil
}

// emptyReason 根据 finish_reason 与拒答信息说明空响应的原因
func emptyReason(c Completion) error {
	var parts []string
	switch c.FinishReason {
	case "":
	case "content_filter":
		parts = append(parts, "blocked by safety filter")
	case "length":
		parts = append(parts, "hit max tokens before any output")
	default:
		parts = append(parts, "finish_reason="+c.FinishReason)
	}
	if r := strings.TrimSpace(c.Refusal); r != "" {
		parts = append(parts, "refusal: "+r)
	}
	if len(parts) == 0 {
		return ErrEmptyResponse
	}
	return fmt.Errorf("%w (%s)", ErrEmptyResponse, strings.Join(parts, "; "))
}

// stripFence 去掉模型偶尔包裹的 ```json 代码块
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
