package processor

import (
	"testing"
	"time"

	"github.com/LJTian/NewsCheck/internal/collector"
)

func TestDedupeStableAndByIDOnly(t *testing.T) {
	items := []collector.RawCandidate{
		{ExternalID: "a", Title: "同じタイトル"},
		{ExternalID: "b", Title: "同じタイトル"},
		{ExternalID: "a", Title: "a の重複"},
		{ExternalID: "c", Title: "既知"},
		{ExternalID: "", Title: "ID なし"},
		{ExternalID: "d", Title: "d"},
	}

	out := Dedupe(items, map[string]bool{"c": true})
	if len(out) != 3 {
		t.Fatalf("expected 3 items after dedupe, got %d: %+v", len(out), out)
	}
	wantIDs := []string{"a", "b", "d"}
	for i, id := range wantIDs {
		if out[i].ExternalID != id {
			t.Fatalf("out[%d] = %q, want %q", i, out[i].ExternalID, id)
		}
	}
	// 保留第一次出现的条目
	if out[0].Title != "同じタイトル" {
		t.Fatalf("first occurrence should win: %q", out[0].Title)
	}
}

func TestUniqueIDs(t *testing.T) {
	ids := UniqueIDs([]collector.RawCandidate{{ExternalID: "x"}, {ExternalID: "x"}, {ExternalID: "y"}})
	if len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Fatalf("UniqueIDs = %v", ids)
	}
}

func TestSplitSeparatesNewAndKnown(t *testing.T) {
	f := videoFilter(t, time.Date(2025, 1, 17, 20, 0, 0, 0, jst))
	items := []collector.RawCandidate{
		{ExternalID: "n1", Title: "【ライブ】1/17 朝ニュースまとめ"},
		{ExternalID: "k1", Title: "【ライブ】1/16 夜ニュースまとめ"},
		{ExternalID: "k1", Title: "【ライブ】1/16 夜ニュースまとめ"},
		{ExternalID: "x1", Title: "切り抜き動画"},
	}

	b := Split(f, items, map[string]bool{"k1": true})
	if len(b.New) != 1 || b.New[0].ExternalID != "n1" {
		t.Fatalf("New = %+v", b.New)
	}
	if len(b.Known) != 1 || b.Known[0].ExternalID != "k1" {
		t.Fatalf("Known = %+v", b.Known)
	}
	if b.Excluded["digest"] != 1 {
		t.Fatalf("Excluded = %v", b.Excluded)
	}
}
