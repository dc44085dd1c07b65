package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReplaceKeyPointsReplacesWholeSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if err := m.Upsert(ctx, &Item{Kind: KindVideo, ID: "v1", Title: "t", State: StateProcessed}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := m.ReplaceKeyPoints(ctx, KindVideo, "v1", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("ReplaceKeyPoints error: %v", err)
	}
	if err := m.ReplaceKeyPoints(ctx, KindVideo, "v1", []string{"x", " ", "y"}); err != nil {
		t.Fatalf("ReplaceKeyPoints error: %v", err)
	}

	it, err := m.GetByID(ctx, KindVideo, "v1")
	if err != nil || it == nil {
		t.Fatalf("GetByID = %v, %v", it, err)
	}
	got := it.Points()
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("key points = %q, want [x y]", got)
	}
	if it.KeyPoints[1].Position != 1 {
		t.Fatalf("position = %d, want 1", it.KeyPoints[1].Position)
	}
}

func TestUpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	first := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return first }

	if err := m.Upsert(ctx, &Item{Kind: KindArticle, ID: "a1", State: StateUnprocessed}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	m.now = func() time.Time { return first.Add(time.Hour) }
	// 再次写入时即使调用方带了别的 CreatedAt，也不应覆盖
	if err := m.Upsert(ctx, &Item{Kind: KindArticle, ID: "a1", State: StateProcessed, CreatedAt: first.Add(48 * time.Hour)}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	it, _ := m.GetByID(ctx, KindArticle, "a1")
	if !it.CreatedAt.Equal(first) {
		t.Fatalf("CreatedAt = %v, want %v", it.CreatedAt, first)
	}
	if !it.UpdatedAt.Equal(first.Add(time.Hour)) {
		t.Fatalf("UpdatedAt = %v", it.UpdatedAt)
	}
	if it.State != StateProcessed {
		t.Fatalf("State = %q", it.State)
	}
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.Upsert(ctx, &Item{Kind: KindVideo, ID: "v1", State: StateUnprocessed})

	boom := errors.New("boom")
	err := m.Atomically(ctx, func(tx ItemStore) error {
		if err := tx.Upsert(ctx, &Item{Kind: KindVideo, ID: "v1", State: StateProcessed, Summary: "s"}); err != nil {
			return err
		}
		if err := tx.ReplaceKeyPoints(ctx, KindVideo, "v1", []string{"p"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomically err = %v, want boom", err)
	}

	it, _ := m.GetByID(ctx, KindVideo, "v1")
	if it.State != StateUnprocessed || it.Summary != "" || len(it.KeyPoints) != 0 {
		t.Fatalf("state not rolled back: %+v", it)
	}
}

func TestQuerySummaryFailuresAndKnownIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.Upsert(ctx, &Item{Kind: KindVideo, ID: "ok", State: StateProcessed, Summary: "普通の要約"})
	_ = m.Upsert(ctx, &Item{Kind: KindVideo, ID: "bad", State: StateProcessed, Summary: SentinelPrefix + "(429...)"})
	_ = m.Upsert(ctx, &Item{Kind: KindArticle, ID: "bad", State: StateProcessed, Summary: SentinelPrefix})

	list, err := m.QuerySummaryFailures(ctx, KindVideo)
	if err != nil {
		t.Fatalf("QuerySummaryFailures error: %v", err)
	}
	if len(list) != 1 || list[0].ID != "bad" || list[0].Kind != KindVideo {
		t.Fatalf("unexpected failures: %+v", list)
	}

	known, _ := m.KnownIDs(ctx, KindVideo, []string{"ok", "missing"})
	if !known["ok"] || known["missing"] {
		t.Fatalf("KnownIDs = %v", known)
	}
}

func TestListItemsFiltersByStateAndRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	_ = m.Upsert(ctx, &Item{Kind: KindVideo, ID: "a", State: StateProcessed, PublishedAt: base.Add(time.Hour)})
	_ = m.Upsert(ctx, &Item{Kind: KindVideo, ID: "b", State: StateProcessed, PublishedAt: base.Add(30 * time.Hour)})
	_ = m.Upsert(ctx, &Item{Kind: KindVideo, ID: "c", State: StateFailedExtraction, PublishedAt: base.Add(2 * time.Hour)})

	list, err := m.ListItems(ctx, ItemFilter{
		States: []State{StateProcessed},
		From:   base,
		To:     base.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("ListItems error: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("ListItems = %+v, want only a", list)
	}
}
