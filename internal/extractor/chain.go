// Package extractor 获取待摘要的正文。每种条目对应一条有序的兜底链，
// 链上的每个策略要么返回文本，要么返回 *StepError 说明是交给下一个策略还是就此失败。
package extractor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/storage"
)

// Verdict 策略失败后链条的走向
type Verdict int

const (
	// Next 交给下一个策略
	Next Verdict = iota
	// Fail 本轮失败，下一轮采集会重试
	Fail
	// FailPermanent 失败且不再重试（例如字幕被关闭）
	FailPermanent
)

func (v Verdict) String() string {
	switch v {
	case Next:
		return "next"
	case Fail:
		return "fail"
	case FailPermanent:
		return "fail_permanent"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

type StepError struct {
	Verdict Verdict
	Err     error
}

func (e *StepError) Error() string { return e.Verdict.String() + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

func next(err error) error          { return &StepError{Verdict: Next, Err: err} }
func fail(err error) error          { return &StepError{Verdict: Fail, Err: err} }
func failPermanent(err error) error { return &StepError{Verdict: FailPermanent, Err: err} }

var (
	ErrExhausted    = errors.New("extractor: all strategies failed")
	errNoStoredText = errors.New("no stored raw text")
)

// Step 链上的一个策略
type Step struct {
	Name string
	Run  func(ctx context.Context, item *storage.Item) (string, error)
}

// Result 提取结果：成功时 Text 与 Step 有值，失败时 Err 非空
type Result struct {
	Text      string
	Step      string
	Err       error
	Permanent bool
}

func (r Result) OK() bool { return r.Err == nil }

// Extractor 内容提取能力，视频与文章各一个实现
type Extractor interface {
	Extract(ctx context.Context, item *storage.Item) Result
}

// Chain 依次执行策略。普通 error 视为 Next。
type Chain struct {
	Steps []Step
	log   *zap.Logger
}

func (c *Chain) Run(ctx context.Context, item *storage.Item) Result {
	var errs []error
	for _, s := range c.Steps {
		text, err := s.Run(ctx, item)
		if err == nil {
			return Result{Text: text, Step: s.Name}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Err: ctxErr}
		}

		verdict := Next
		var se *StepError
		if errors.As(err, &se) {
			verdict = se.Verdict
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		c.log.Debug("extract step failed",
			zap.String("item", item.ID),
			zap.String("step", s.Name),
			zap.Stringer("verdict", verdict),
			zap.Error(err))

		switch verdict {
		case Fail:
			return Result{Err: errors.Join(errs...)}
		case FailPermanent:
			return Result{Err: errors.Join(errs...), Permanent: true}
		}
	}
	errs = append(errs, ErrExhausted)
	return Result{Err: errors.Join(errs...)}
}

// storedText 已经提取过正文的条目（例如摘要失败待重试）不再重新抓取
func storedText(_ context.Context, item *storage.Item) (string, error) {
	if item.HasRawText() {
		return item.RawText, nil
	}
	return "", next(errNoStoredText)
}

// Sleeper 可被测试替换的等待函数
type Sleeper func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jittered 返回 [base, base+jitter) 之间的随机时长
func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + rand.N(jitter)
}
