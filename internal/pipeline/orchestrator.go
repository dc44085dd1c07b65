// Package pipeline 串联一次采集：发现 → 过滤 → 去重 → 入库 → 提取正文 → 摘要 → 写回状态。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/collector"
	"github.com/LJTian/NewsCheck/internal/extractor"
	"github.com/LJTian/NewsCheck/internal/processor"
	"github.com/LJTian/NewsCheck/internal/storage"
	"github.com/LJTian/NewsCheck/internal/summarizer"
)

const (
	DefaultMinTextRunes = 50
	maxLastErrorRunes   = 500
)

// Summarizer 由 summarizer.Summarizer 实现
type Summarizer interface {
	Summarize(ctx context.Context, text string, kind storage.Kind) summarizer.Result
}

var _ Summarizer = (*summarizer.Summarizer)(nil)

// Preflight 可选：Summarizer 实现时每轮开始前检查凭据
type Preflight interface {
	Ready() error
}

// Lane 一种条目类型的完整处理路径
type Lane struct {
	Source    collector.Source
	Filter    *processor.Filter
	Extractor extractor.Extractor
}

type Orchestrator struct {
	Lanes      []Lane
	Store      storage.ItemStore
	Summarizer Summarizer
	// 提取出的正文少于该长度时标记为 skipped
	MinTextRunes int

	log      *zap.Logger
	newRunID func() string
}

func New(store storage.ItemStore, sum Summarizer, logger *zap.Logger, lanes ...Lane) *Orchestrator {
	return &Orchestrator{
		Lanes:        lanes,
		Store:        store,
		Summarizer:   sum,
		MinTextRunes: DefaultMinTextRunes,
		log:          logger.Named("pipeline"),
		newRunID:     uuid.NewString,
	}
}

// LaneStats 单个 lane 的计数
type LaneStats struct {
	Kind          storage.Kind   `json:"kind"`
	Source        string         `json:"source"`
	Found         int            `json:"found"`
	Excluded      map[string]int `json:"excluded,omitempty"`
	New           int            `json:"new"`
	Refreshed     int            `json:"refreshed"`
	Queued        int            `json:"queued"`
	Processed     int            `json:"processed"`
	SummaryFailed int            `json:"summaryFailed"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	Abandoned     int            `json:"abandoned"`
}

// RunStats 一轮采集的汇总，供触发方记录
type RunStats struct {
	RunID     string        `json:"runId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Lanes     []LaneStats   `json:"lanes"`
}

func (s RunStats) Totals() (found, processed, failed int) {
	for _, l := range s.Lanes {
		found += l.Found
		processed += l.Processed
		failed += l.Failed + l.SummaryFailed
	}
	return
}

// RunCollectionCycle 执行一轮采集。配置或凭据错误、存储不可用会作为 error 返回，
// 单个条目的失败只体现在计数和条目状态里。
func (o *Orchestrator) RunCollectionCycle(ctx context.Context) (RunStats, error) {
	stats := RunStats{RunID: o.newRunID(), StartedAt: time.Now()}
	log := o.log.With(zap.String("run_id", stats.RunID))

	if p, ok := o.Summarizer.(Preflight); ok {
		if err := p.Ready(); err != nil {
			log.Error("summarizer not ready, cycle not started", zap.Error(err))
			return stats, fmt.Errorf("%w: summarizer: %w", collector.ErrMisconfigured, err)
		}
	}
	log.Info("collection cycle started", zap.Int("lanes", len(o.Lanes)))

	var errs []error
	for _, lane := range o.Lanes {
		ls, err := o.runLane(ctx, log, lane)
		stats.Lanes = append(stats.Lanes, ls)
		if err != nil {
			if errors.Is(err, collector.ErrMisconfigured) {
				stats.Duration = time.Since(stats.StartedAt)
				log.Error("misconfigured, aborting cycle", zap.String("source", lane.Source.Name()), zap.Error(err))
				return stats, err
			}
			log.Error("lane failed", zap.String("source", lane.Source.Name()), zap.Error(err))
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}

	stats.Duration = time.Since(stats.StartedAt)
	found, processed, failed := stats.Totals()
	log.Info("collection cycle finished",
		zap.Int("found", found),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Duration("took", stats.Duration))
	return stats, errors.Join(errs...)
}

func (o *Orchestrator) runLane(ctx context.Context, log *zap.Logger, lane Lane) (LaneStats, error) {
	kind := lane.Source.Kind()
	ls := LaneStats{Kind: kind, Source: lane.Source.Name()}
	log = log.With(zap.String("kind", string(kind)), zap.String("source", ls.Source))

	candidates, err := lane.Source.Discover(ctx)
	if err != nil {
		if errors.Is(err, collector.ErrMisconfigured) {
			return ls, fmt.Errorf("discover %s: %w", ls.Source, err)
		}
		log.Warn("discover failed, continuing with stored work", zap.Error(err))
		candidates = nil
	}
	ls.Found = len(candidates)

	known, err := o.Store.KnownIDs(ctx, kind, processor.UniqueIDs(candidates))
	if err != nil {
		return ls, fmt.Errorf("known ids: %w", err)
	}
	batch := processor.Split(lane.Filter, candidates, known)
	ls.Excluded = batch.Excluded

	for _, c := range batch.New {
		item := newItem(kind, c)
		if err := o.Store.Upsert(ctx, &item); err != nil {
			return ls, fmt.Errorf("insert %s: %w", c.ExternalID, err)
		}
		ls.New++
	}
	for _, c := range batch.Known {
		changed, err := o.refresh(ctx, kind, c)
		if err != nil {
			log.Warn("refresh metadata failed", zap.String("id", c.ExternalID), zap.Error(err))
			continue
		}
		if changed {
			ls.Refreshed++
		}
	}

	work, err := o.workSet(ctx, kind)
	if err != nil {
		return ls, fmt.Errorf("query work set: %w", err)
	}
	ls.Queued = len(work)
	log.Info("lane discovered",
		zap.Int("found", ls.Found),
		zap.Int("new", ls.New),
		zap.Int("queued", ls.Queued),
		zap.Any("excluded", ls.Excluded))

	for i := range work {
		if ctx.Err() != nil {
			ls.Abandoned += len(work) - i
			break
		}
		out, err := o.processItem(ctx, log, lane, &work[i])
		if err != nil {
			ls.Abandoned += len(work) - i
			return ls, err
		}
		switch out {
		case outcomeProcessed:
			ls.Processed++
		case outcomeSummaryFailed:
			ls.SummaryFailed++
		case outcomeSkipped:
			ls.Skipped++
		case outcomeFailed:
			ls.Failed++
		case outcomeAbandoned:
			ls.Abandoned++
		}
	}
	return ls, nil
}

// workSet 未处理、可重试的提取失败、摘要失败三类条目
func (o *Orchestrator) workSet(ctx context.Context, kind storage.Kind) ([]storage.Item, error) {
	pending, err := o.Store.QueryByState(ctx, kind, storage.StateUnprocessed, storage.StateFailedExtraction)
	if err != nil {
		return nil, err
	}
	failures, err := o.Store.QuerySummaryFailures(ctx, kind)
	if err != nil {
		return nil, err
	}

	work := make([]storage.Item, 0, len(pending)+len(failures))
	for _, it := range pending {
		if it.State == storage.StateFailedExtraction && it.NoRetry {
			continue
		}
		work = append(work, it)
	}
	return append(work, failures...), nil
}

// refresh 已知条目只更新标题、缩略图和直播状态，正文与摘要保持不变
func (o *Orchestrator) refresh(ctx context.Context, kind storage.Kind, c collector.RawCandidate) (bool, error) {
	item, err := o.Store.GetByID(ctx, kind, c.ExternalID)
	if err != nil || item == nil {
		return false, err
	}
	if item.State != storage.StateUnprocessed && item.State != storage.StateProcessed {
		return false, nil
	}

	changed := false
	if c.Title != "" && c.Title != item.Title {
		item.Title, changed = c.Title, true
	}
	if c.ThumbnailURL != "" && c.ThumbnailURL != item.Thumbnail {
		item.Thumbnail, changed = c.ThumbnailURL, true
	}
	if c.LiveStatus != "" && item.Extra["live_status"] != c.LiveStatus {
		if item.Extra == nil {
			item.Extra = map[string]any{}
		}
		item.Extra["live_status"], changed = c.LiveStatus, true
	}
	if !changed {
		return false, nil
	}
	return true, o.Store.Upsert(ctx, item)
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSummaryFailed
	outcomeSkipped
	outcomeFailed
	outcomeAbandoned
)

// processItem 处理单个条目并原子地写入结果。panic 只影响当前条目；
// 返回 error 表示整轮应当停止（模型凭据被拒绝），此时条目保持原样。
func (o *Orchestrator) processItem(ctx context.Context, log *zap.Logger, lane Lane, item *storage.Item) (out outcome, err error) {
	log = log.With(zap.String("id", item.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("item processing panicked", zap.Any("panic", r), zap.Stack("stack"))
			out, err = outcomeFailed, nil
		}
	}()

	res := lane.Extractor.Extract(ctx, item)
	if ctx.Err() != nil {
		log.Info("run cancelled, item left as is", zap.String("state", string(item.State)))
		return outcomeAbandoned, nil
	}
	item.Attempts++

	if !res.OK() {
		item.State = storage.StateFailedExtraction
		item.RawText = ""
		item.Summary = ""
		item.ExtractedBy = ""
		item.NoRetry = res.Permanent
		item.LastError = truncateRunes(res.Err.Error(), maxLastErrorRunes)
		if err := o.save(ctx, item, nil); err != nil {
			log.Error("save extraction failure", zap.Error(err))
		}
		log.Warn("extraction failed", zap.Bool("permanent", res.Permanent), zap.Error(res.Err))
		return outcomeFailed, nil
	}

	text := strings.TrimSpace(res.Text)
	item.RawText = text
	item.ExtractedBy = res.Step
	item.NoRetry = false
	item.LastError = ""

	if n := utf8.RuneCountInString(text); n < o.MinTextRunes {
		item.State = storage.StateSkipped
		item.Summary = ""
		if err := o.save(ctx, item, nil); err != nil {
			log.Error("save skipped item", zap.Error(err))
			return outcomeFailed, nil
		}
		log.Info("text too short, skipped", zap.Int("runes", n), zap.String("step", res.Step))
		return outcomeSkipped, nil
	}

	sum := o.Summarizer.Summarize(ctx, text, item.Kind)
	if ctx.Err() != nil {
		log.Info("run cancelled during summarization, item left as is")
		return outcomeAbandoned, nil
	}
	if errors.Is(sum.Err, summarizer.ErrUnauthorized) {
		log.Error("summarizer credentials rejected, item left as is", zap.Error(sum.Err))
		return outcomeAbandoned, fmt.Errorf("%w: summarize %s: %w", collector.ErrMisconfigured, item.ID, sum.Err)
	}

	item.State = storage.StateProcessed
	item.Summary = sum.Summary
	if sum.Err != nil {
		item.LastError = truncateRunes(sum.Err.Error(), maxLastErrorRunes)
	}
	if err := o.save(ctx, item, sum.KeyPoints); err != nil {
		log.Error("save summary", zap.Error(err))
		return outcomeFailed, nil
	}
	if !sum.OK() {
		log.Warn("summary failed, will retry next run", zap.Error(sum.Err))
		return outcomeSummaryFailed, nil
	}
	log.Info("item processed", zap.String("step", res.Step), zap.Int("key_points", len(sum.KeyPoints)))
	return outcomeProcessed, nil
}

// save 条目与要点在同一事务内写入
func (o *Orchestrator) save(ctx context.Context, item *storage.Item, points []string) error {
	return o.Store.Atomically(ctx, func(tx storage.ItemStore) error {
		if err := tx.Upsert(ctx, item); err != nil {
			return err
		}
		return tx.ReplaceKeyPoints(ctx, item.Kind, item.ID, points)
	})
}

func newItem(kind storage.Kind, c collector.RawCandidate) storage.Item {
	extra := map[string]any{}
	if c.Category != "" {
		extra["category"] = c.Category
	}
	if c.LiveStatus != "" {
		extra["live_status"] = c.LiveStatus
	}
	return storage.Item{
		Kind:        kind,
		ID:          c.ExternalID,
		Title:       c.Title,
		SourceRef:   c.SourceRef,
		Link:        c.Link,
		Description: c.Description,
		Thumbnail:   c.ThumbnailURL,
		PublishedAt: c.PublishedAt,
		State:       storage.StateUnprocessed,
		Extra:       extra,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
