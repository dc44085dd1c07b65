package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/collector"
	"github.com/LJTian/NewsCheck/internal/extractor"
	"github.com/LJTian/NewsCheck/internal/processor"
	"github.com/LJTian/NewsCheck/internal/storage"
	"github.com/LJTian/NewsCheck/internal/summarizer"
)

type fakeSource struct {
	kind       storage.Kind
	candidates []collector.RawCandidate
	err        error
}

func (s *fakeSource) Kind() storage.Kind { return s.kind }
func (s *fakeSource) Name() string       { return "fake-" + string(s.kind) }
func (s *fakeSource) Discover(context.Context) ([]collector.RawCandidate, error) {
	return s.candidates, s.err
}

type fakeExtractor struct {
	results map[string]extractor.Result
	panics  map[string]bool
	calls   map[string]int
}

func (e *fakeExtractor) Extract(_ context.Context, item *storage.Item) extractor.Result {
	if e.calls == nil {
		e.calls = map[string]int{}
	}
	e.calls[item.ID]++
	if e.panics[item.ID] {
		panic("boom")
	}
	if item.HasRawText() {
		return extractor.Result{Text: item.RawText, Step: "stored"}
	}
	if r, ok := e.results[item.ID]; ok {
		return r
	}
	return extractor.Result{Text: longText(item.ID), Step: "page"}
}

type fakeSummarizer struct {
	fail  map[string]bool
	calls int
	texts []string
}

func (s *fakeSummarizer) Summarize(_ context.Context, text string, _ storage.Kind) summarizer.Result {
	s.calls++
	s.texts = append(s.texts, text)
	for key := range s.fail {
		if strings.Contains(text, key) {
			err := errors.New("rate limited: 429")
			return summarizer.Result{Summary: summarizer.SentinelSummary(err), KeyPoints: []string{}, Err: err}
		}
	}
	return summarizer.Result{Summary: "summary of " + strings.Fields(text)[0], KeyPoints: []string{"point 1", "point 2"}}
}

func longText(id string) string {
	return id + strings.Repeat(" 本文のテキストです。", 10)
}

func candidate(id, title string) collector.RawCandidate {
	return collector.RawCandidate{
		ExternalID:  id,
		Kind:        storage.KindArticle,
		Title:       title,
		Link:        "https://example.com/" + id,
		PublishedAt: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	store *storage.MemoryStore
	src   *fakeSource
	ext   *fakeExtractor
	sum   *fakeSummarizer
	orch  *Orchestrator
}

func newFixture(t *testing.T, candidates ...collector.RawCandidate) *fixture {
	t.Helper()
	filter, err := processor.NewFilter(processor.FilterRules{ExcludeKeywords: []string{"天気"}},
		func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) }, time.UTC)
	if err != nil {
		t.Fatalf("NewFilter error: %v", err)
	}
	f := &fixture{
		store: storage.NewMemoryStore(),
		src:   &fakeSource{kind: storage.KindArticle, candidates: candidates},
		ext:   &fakeExtractor{results: map[string]extractor.Result{}, panics: map[string]bool{}},
		sum:   &fakeSummarizer{fail: map[string]bool{}},
	}
	f.orch = New(f.store, f.sum, zap.NewNop(), Lane{Source: f.src, Filter: filter, Extractor: f.ext})
	f.orch.newRunID = func() string { return "run-test" }
	return f
}

func (f *fixture) item(t *testing.T, id string) *storage.Item {
	t.Helper()
	it, err := f.store.GetByID(context.Background(), storage.KindArticle, id)
	if err != nil || it == nil {
		t.Fatalf("GetByID(%s) = %v, %v", id, it, err)
	}
	return it
}

func TestRunProcessesNewItems(t *testing.T) {
	f := newFixture(t,
		candidate("a1", "経済対策を閣議決定"),
		candidate("a2", "あすの天気"),
		candidate("a1", "経済対策を閣議決定"),
	)
	stats, err := f.orch.RunCollectionCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCollectionCycle error: %v", err)
	}
	if stats.RunID != "run-test" || len(stats.Lanes) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ls := stats.Lanes[0]
	if ls.Found != 3 || ls.New != 1 || ls.Processed != 1 || ls.Excluded["keyword"] != 1 {
		t.Fatalf("lane stats = %+v", ls)
	}

	it := f.item(t, "a1")
	if it.State != storage.StateProcessed || it.Summary == "" || len(it.KeyPoints) != 2 {
		t.Fatalf("item = %+v", it)
	}
	if it.ExtractedBy != "page" || it.Attempts != 1 {
		t.Fatalf("item = %+v", it)
	}
	if known, _ := f.store.KnownIDs(context.Background(), storage.KindArticle, []string{"a2"}); known["a2"] {
		t.Fatalf("excluded item must not be stored")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"), candidate("a2", "株価"))
	if _, err := f.orch.RunCollectionCycle(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := *f.item(t, "a1")
	calls := f.sum.calls

	stats, err := f.orch.RunCollectionCycle(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	ls := stats.Lanes[0]
	if ls.New != 0 || ls.Queued != 0 || ls.Refreshed != 0 {
		t.Fatalf("second run should do nothing: %+v", ls)
	}
	if f.sum.calls != calls {
		t.Fatalf("processed items were summarized again")
	}
	after := f.item(t, "a1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Summary != before.Summary || len(after.KeyPoints) != len(before.KeyPoints) {
		t.Fatalf("item changed between runs:\n%+v\n%+v", before, *after)
	}
	items, _ := f.store.ListItems(context.Background(), storage.ItemFilter{})
	if len(items) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(items))
	}
}

func TestExtractionFailureIsRetriedNextRun(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"))
	f.ext.results["a1"] = extractor.Result{Err: errors.New("no content selector matched")}

	stats, _ := f.orch.RunCollectionCycle(context.Background())
	if stats.Lanes[0].Failed != 1 || f.sum.calls != 0 {
		t.Fatalf("stats = %+v summarizer calls = %d", stats.Lanes[0], f.sum.calls)
	}
	it := f.item(t, "a1")
	if it.State != storage.StateFailedExtraction || it.RawText != "" || it.LastError == "" || it.NoRetry {
		t.Fatalf("item = %+v", it)
	}

	delete(f.ext.results, "a1")
	stats, _ = f.orch.RunCollectionCycle(context.Background())
	if stats.Lanes[0].Processed != 1 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	if it := f.item(t, "a1"); it.State != storage.StateProcessed || it.LastError != "" || it.Attempts != 2 {
		t.Fatalf("item = %+v", it)
	}
}

func TestPermanentExtractionFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, candidate("v1", "経済対策"))
	f.ext.results["v1"] = extractor.Result{Err: errors.New("transcripts disabled"), Permanent: true}

	f.orch.RunCollectionCycle(context.Background())
	if it := f.item(t, "v1"); !it.NoRetry {
		t.Fatalf("item = %+v", it)
	}
	f.orch.RunCollectionCycle(context.Background())
	if f.ext.calls["v1"] != 1 {
		t.Fatalf("permanent failure retried: calls = %d", f.ext.calls["v1"])
	}
}

func TestShortTextIsSkipped(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"))
	f.ext.results["a1"] = extractor.Result{Text: "短い本文", Step: "feed_description"}

	stats, _ := f.orch.RunCollectionCycle(context.Background())
	if stats.Lanes[0].Skipped != 1 || f.sum.calls != 0 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	if it := f.item(t, "a1"); it.State != storage.StateSkipped || it.Summary != "" {
		t.Fatalf("item = %+v", it)
	}

	f.orch.RunCollectionCycle(context.Background())
	if f.ext.calls["a1"] != 1 {
		t.Fatalf("skipped item must not be retried")
	}
}

func TestSummaryFailureRetriedWithStoredText(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"))
	f.sum.fail["a1"] = true

	stats, _ := f.orch.RunCollectionCycle(context.Background())
	if stats.Lanes[0].SummaryFailed != 1 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	it := f.item(t, "a1")
	if it.State != storage.StateProcessed || !storage.IsSentinelSummary(it.Summary) || len(it.KeyPoints) != 0 {
		t.Fatalf("item = %+v", it)
	}
	if !it.HasRawText() {
		t.Fatalf("raw text must be kept for the retry")
	}

	delete(f.sum.fail, "a1")
	stats, _ = f.orch.RunCollectionCycle(context.Background())
	if stats.Lanes[0].Processed != 1 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	it = f.item(t, "a1")
	if storage.IsSentinelSummary(it.Summary) || len(it.KeyPoints) != 2 {
		t.Fatalf("item = %+v", it)
	}
	if f.sum.texts[0] != f.sum.texts[1] {
		t.Fatalf("retry should reuse the stored text")
	}
}

func TestPanicOnlyAffectsOneItem(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"), candidate("a2", "株価"))
	f.ext.panics["a1"] = true

	stats, err := f.orch.RunCollectionCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCollectionCycle error: %v", err)
	}
	if stats.Lanes[0].Failed != 1 || stats.Lanes[0].Processed != 1 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	if it := f.item(t, "a1"); it.State != storage.StateUnprocessed {
		t.Fatalf("panicked item should keep its state, got %s", it.State)
	}
}

func TestMisconfiguredSourceIsHardError(t *testing.T) {
	f := newFixture(t)
	f.src.err = fmt.Errorf("%w: no channels configured", collector.ErrMisconfigured)

	_, err := f.orch.RunCollectionCycle(context.Background())
	if !errors.Is(err, collector.ErrMisconfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestCancelledRunWritesNothing(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"))
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.Summarizer = summarizerFunc(func(context.Context, string, storage.Kind) summarizer.Result {
		cancel()
		return summarizer.Result{Summary: "late", KeyPoints: []string{"x"}}
	})

	stats, err := f.orch.RunCollectionCycle(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if stats.Lanes[0].Abandoned != 1 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	if it := f.item(t, "a1"); it.State != storage.StateUnprocessed || it.Summary != "" {
		t.Fatalf("item = %+v", it)
	}
}

func TestKnownItemMetadataRefreshed(t *testing.T) {
	c := candidate("a1", "経済対策")
	f := newFixture(t, c)
	f.orch.RunCollectionCycle(context.Background())
	summary := f.item(t, "a1").Summary

	c.ThumbnailURL = "https://img.example.com/new.jpg"
	f.src.candidates = []collector.RawCandidate{c}
	stats, _ := f.orch.RunCollectionCycle(context.Background())
	if stats.Lanes[0].Refreshed != 1 {
		t.Fatalf("stats = %+v", stats.Lanes[0])
	}
	it := f.item(t, "a1")
	if it.Thumbnail != c.ThumbnailURL || it.Summary != summary || it.State != storage.StateProcessed {
		t.Fatalf("item = %+v", it)
	}
}

type summarizerFunc func(context.Context, string, storage.Kind) summarizer.Result

func (f summarizerFunc) Summarize(ctx context.Context, text string, kind storage.Kind) summarizer.Result {
	return f(ctx, text, kind)
}

type completerFunc func(ctx context.Context, model, prompt string) (summarizer.Completion, error)

func (f completerFunc) Complete(ctx context.Context, model, prompt string) (summarizer.Completion, error) {
	return f(ctx, model, prompt)
}

func TestRejectedLLMCredentialsAbortRun(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"), candidate("a2", "株価が上昇"))
	calls := 0
	backend := completerFunc(func(context.Context, string, string) (summarizer.Completion, error) {
		calls++
		return summarizer.Completion{}, fmt.Errorf("%w: 401 Unauthorized: API key not valid", summarizer.ErrUnauthorized)
	})
	f.orch.Summarizer = summarizer.New(summarizer.Config{MaxRetries: 3}, backend, zap.NewNop(), nil)

	stats, err := f.orch.RunCollectionCycle(context.Background())
	if !errors.Is(err, collector.ErrMisconfigured) || !errors.Is(err, summarizer.ErrUnauthorized) {
		t.Fatalf("err = %v, want misconfigured + unauthorized", err)
	}
	if calls != 1 {
		t.Fatalf("backend calls = %d, want 1", calls)
	}
	if ls := stats.Lanes[0]; ls.Abandoned != 2 || ls.SummaryFailed != 0 || ls.Processed != 0 {
		t.Fatalf("lane stats = %+v", ls)
	}
	for _, id := range []string{"a1", "a2"} {
		if it := f.item(t, id); it.State != storage.StateUnprocessed || it.Summary != "" || it.HasRawText() {
			t.Fatalf("%s should be untouched: %+v", id, it)
		}
	}
}

func TestMissingLLMKeyFailsBeforeDiscovery(t *testing.T) {
	f := newFixture(t, candidate("a1", "経済対策"))
	f.orch.Summarizer = summarizer.New(summarizer.Config{},
		summarizer.NewOpenAIBackend("", "http://127.0.0.1:0", time.Second), zap.NewNop(), nil)

	stats, err := f.orch.RunCollectionCycle(context.Background())
	if !errors.Is(err, collector.ErrMisconfigured) {
		t.Fatalf("err = %v, want ErrMisconfigured", err)
	}
	if len(stats.Lanes) != 0 || len(f.ext.calls) != 0 {
		t.Fatalf("nothing should run: stats=%+v extract calls=%v", stats, f.ext.calls)
	}
	if it, _ := f.store.GetByID(context.Background(), storage.KindArticle, "a1"); it != nil {
		t.Fatalf("item should not be stored: %+v", it)
	}
}
