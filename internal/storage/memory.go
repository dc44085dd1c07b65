package storage

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

type itemKey struct {
	kind Kind
	id   string
}

// MemoryStore 进程内实现，用于本地试跑（STORE_DRIVER=memory）与测试。
// Atomically 通过快照实现回滚。
type MemoryStore struct {
	mu       sync.Mutex
	items    map[itemKey]Item
	points   map[itemKey][]string
	channels map[string]Channel
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[itemKey]Item),
		points:   make(map[itemKey][]string),
		channels: make(map[string]Channel),
		now:      time.Now,
	}
}

func (m *MemoryStore) GetByID(ctx context.Context, kind Kind, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.GetByID(ctx, kind, id)
}

func (m *MemoryStore) Upsert(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.Upsert(ctx, item)
}

func (m *MemoryStore) QueryByState(ctx context.Context, kind Kind, states ...State) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.QueryByState(ctx, kind, states...)
}

func (m *MemoryStore) QuerySummaryFailures(ctx context.Context, kind Kind) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.QuerySummaryFailures(ctx, kind)
}

func (m *MemoryStore) ReplaceKeyPoints(ctx context.Context, kind Kind, id string, points []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.ReplaceKeyPoints(ctx, kind, id, points)
}

func (m *MemoryStore) KnownIDs(ctx context.Context, kind Kind, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memTx{m}.KnownIDs(ctx, kind, ids)
}

// Atomically 在整个回调期间持有锁；回调返回错误或 panic 时恢复快照
func (m *MemoryStore) Atomically(ctx context.Context, fn func(tx ItemStore) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := maps.Clone(m.items)
	points := maps.Clone(m.points)
	defer func() {
		if r := recover(); r != nil {
			m.items, m.points = items, points
			panic(r)
		}
		if err != nil {
			m.items, m.points = items, points
		}
	}()
	return fn(memTx{m})
}

func (m *MemoryStore) ListItems(_ context.Context, f ItemFilter) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for k, it := range m.items {
		if f.Kind != "" && it.Kind != f.Kind {
			continue
		}
		if len(f.States) > 0 && !slices.Contains(f.States, it.State) {
			continue
		}
		if !f.From.IsZero() && it.PublishedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !it.PublishedAt.Before(f.To) {
			continue
		}
		out = append(out, m.withPoints(k, it))
	}
	sortNewestFirst(out)
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) EnsureChannel(_ context.Context, ch Channel) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.channels[ch.Code]; ok {
		existing.Name, existing.BaseURL = ch.Name, ch.BaseURL
		m.channels[ch.Code] = existing
		return &existing, nil
	}
	if ch.Status == "" {
		ch.Status = "active"
	}
	ch.ID = uint(len(m.channels) + 1)
	ch.CreatedAt = m.now()
	ch.UpdatedAt = ch.CreatedAt
	m.channels[ch.Code] = ch
	return &ch, nil
}

func (m *MemoryStore) withPoints(k itemKey, it Item) Item {
	pts := m.points[k]
	it.KeyPoints = make([]KeyPoint, len(pts))
	for i, p := range pts {
		it.KeyPoints[i] = KeyPoint{ItemKind: k.kind, ItemID: k.id, Position: i, Point: p}
	}
	return it
}

// memTx 是不加锁的内部视图，调用方负责持有 MemoryStore.mu
type memTx struct{ m *MemoryStore }

func (t memTx) GetByID(_ context.Context, kind Kind, id string) (*Item, error) {
	k := itemKey{kind, id}
	it, ok := t.m.items[k]
	if !ok {
		return nil, nil
	}
	it = t.m.withPoints(k, it)
	return &it, nil
}

func (t memTx) Upsert(_ context.Context, item *Item) error {
	normalizeItem(item)
	k := itemKey{item.Kind, item.ID}
	now := t.m.now()
	if prev, ok := t.m.items[k]; ok {
		item.CreatedAt = prev.CreatedAt
	} else if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	stored := *item
	stored.KeyPoints = nil
	stored.Extra = maps.Clone(item.Extra)
	t.m.items[k] = stored
	return nil
}

func (t memTx) QueryByState(_ context.Context, kind Kind, states ...State) ([]Item, error) {
	var out []Item
	for k, it := range t.m.items {
		if it.Kind == kind && slices.Contains(states, it.State) {
			out = append(out, t.m.withPoints(k, it))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (t memTx) QuerySummaryFailures(_ context.Context, kind Kind) ([]Item, error) {
	var out []Item
	for k, it := range t.m.items {
		if it.Kind == kind && it.State == StateProcessed && IsSentinelSummary(it.Summary) {
			out = append(out, t.m.withPoints(k, it))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (t memTx) ReplaceKeyPoints(_ context.Context, kind Kind, id string, points []string) error {
	rows := buildKeyPoints(kind, id, points)
	pts := make([]string, len(rows))
	for i, r := range rows {
		pts[i] = r.Point
	}
	t.m.points[itemKey{kind, id}] = pts
	return nil
}

func (t memTx) KnownIDs(_ context.Context, kind Kind, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := t.m.items[itemKey{kind, id}]; ok {
			known[id] = true
		}
	}
	return known, nil
}

func (t memTx) Atomically(ctx context.Context, fn func(tx ItemStore) error) error {
	return fn(t)
}

func sortNewestFirst(items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int {
		if c := b.PublishedAt.Compare(a.PublishedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
