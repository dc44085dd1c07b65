package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ItemStore 是流水线需要的最小持久化能力。每个方法都以 (Kind, ID) 定位单个条目，
// Atomically 内的写入要么全部生效要么全部回滚。
type ItemStore interface {
	// GetByID 条目不存在时返回 (nil, nil)
	GetByID(ctx context.Context, kind Kind, id string) (*Item, error)
	Upsert(ctx context.Context, item *Item) error
	QueryByState(ctx context.Context, kind Kind, states ...State) ([]Item, error)
	// QuerySummaryFailures 返回已处理但摘要为失败占位文本的条目
	QuerySummaryFailures(ctx context.Context, kind Kind) ([]Item, error)
	ReplaceKeyPoints(ctx context.Context, kind Kind, id string, points []string) error
	KnownIDs(ctx context.Context, kind Kind, ids []string) (map[string]bool, error)
	Atomically(ctx context.Context, fn func(tx ItemStore) error) error
}

// Repository 在 ItemStore 之上补充读接口和渠道登记
type Repository interface {
	ItemStore
	ListItems(ctx context.Context, f ItemFilter) ([]Item, error)
	EnsureChannel(ctx context.Context, ch Channel) (*Channel, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// 以下字段在 upsert 冲突时更新；created_at 只在首次插入时写入
var upsertColumns = []string{
	"title", "source_ref", "link", "description", "thumbnail",
	"raw_text", "summary", "published_at", "state",
	"extracted_by", "last_error", "attempts", "no_retry", "extra", "updated_at",
}

const (
	listCacheTTL    = 5 * time.Minute
	maxListLimit    = 500
	defaultListSize = 50
)

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client
	log   *zap.Logger
}

func NewStore(dsn, redisAddr string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.AutoMigrate(&Channel{}, &Item{}, &KeyPoint{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	s := &Store{DB: db, log: logger}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed", zap.String("addr", redisAddr), zap.Error(err))
		}
		s.Redis = rdb
	}
	return s, nil
}

func (s *Store) GetByID(ctx context.Context, kind Kind, id string) (*Item, error) {
	var it Item
	err := s.DB.WithContext(ctx).
		Preload("KeyPoints", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("kind = ? AND id = ?", kind, id).
		First(&it).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s/%s: %w", kind, id, err)
	}
	return &it, nil
}

func (s *Store) Upsert(ctx context.Context, item *Item) error {
	normalizeItem(item)
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	err := s.DB.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "id"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).
		Create(item).Error
	if err != nil {
		return fmt.Errorf("upsert item %s/%s: %w", item.Kind, item.ID, err)
	}
	return nil
}

func (s *Store) QueryByState(ctx context.Context, kind Kind, states ...State) ([]Item, error) {
	var list []Item
	err := s.preloaded(ctx).
		Where("kind = ? AND state IN ?", kind, states).
		Order("published_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("query %s by state: %w", kind, err)
	}
	return list, nil
}

func (s *Store) QuerySummaryFailures(ctx context.Context, kind Kind) ([]Item, error) {
	var list []Item
	err := s.preloaded(ctx).
		Where("kind = ? AND state = ? AND summary LIKE ?", kind, StateProcessed, SentinelPrefix+"%").
		Order("published_at DESC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("query %s summary failures: %w", kind, err)
	}
	return list, nil
}

// ReplaceKeyPoints 先删后插，保证不会残留上一轮的要点
func (s *Store) ReplaceKeyPoints(ctx context.Context, kind Kind, id string, points []string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("item_kind = ? AND item_id = ?", kind, id).Delete(&KeyPoint{}).Error; err != nil {
			return fmt.Errorf("delete key points %s/%s: %w", kind, id, err)
		}
		rows := buildKeyPoints(kind, id, points)
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert key points %s/%s: %w", kind, id, err)
		}
		return nil
	})
}

func (s *Store) KnownIDs(ctx context.Context, kind Kind, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}
	var found []string
	if err := s.DB.WithContext(ctx).Model(&Item{}).
		Where("kind = ? AND id IN ?", kind, ids).
		Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("known ids %s: %w", kind, err)
	}
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

func (s *Store) Atomically(ctx context.Context, fn func(tx ItemStore) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx, Redis: s.Redis, log: s.log})
	})
}

// ListItems 按类型、状态、发布时间区间查询，并使用 Redis 做简单缓存
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	f.Limit = clampLimit(f.Limit)
	cacheKey := listCacheKey(f)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []Item
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	db := s.preloaded(ctx)
	if f.Kind != "" {
		db = db.Where("kind = ?", f.Kind)
	}
	if len(f.States) > 0 {
		db = db.Where("state IN ?", f.States)
	}
	if !f.From.IsZero() {
		db = db.Where("published_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		db = db.Where("published_at < ?", f.To)
	}

	var list []Item
	if err := db.Order("published_at DESC").Limit(f.Limit).Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	// 不做主动失效，依赖短 TTL 自然过期
	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			if err := s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err(); err != nil {
				s.log.Debug("cache list items failed", zap.Error(err))
			}
		}
	}
	return list, nil
}

func (s *Store) preloaded(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx).
		Preload("KeyPoints", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") })
}

func listCacheKey(f ItemFilter) string {
	states := make([]string, len(f.States))
	for i, st := range f.States {
		states[i] = string(st)
	}
	return fmt.Sprintf("items:list:%s:%s:%d:%d:%d",
		f.Kind, strings.Join(states, ","), unixOrZero(f.From), unixOrZero(f.To), f.Limit)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListSize
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func buildKeyPoints(kind Kind, id string, points []string) []KeyPoint {
	rows := make([]KeyPoint, 0, len(points))
	for _, p := range points {
		p = toValidUTF8(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		rows = append(rows, KeyPoint{ItemKind: kind, ItemID: id, Position: len(rows), Point: p})
	}
	return rows
}

// normalizeItem 规范 UTF-8 并按字段长度截断，避免 PostgreSQL 写入失败
func normalizeItem(it *Item) {
	it.Title = truncateRunesDB(toValidUTF8(it.Title), 512)
	it.SourceRef = truncateRunesDB(it.SourceRef, 128)
	it.Link = truncateRunesDB(it.Link, 1024)
	it.Thumbnail = truncateRunesDB(it.Thumbnail, 1024)
	it.Description = toValidUTF8(it.Description)
	it.RawText = toValidUTF8(it.RawText)
	it.Summary = toValidUTF8(it.Summary)
	it.LastError = truncateRunesDB(toValidUTF8(it.LastError), 512)
}

func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunesDB 按 rune 数截断字符串，确保不会超过数据库字段长度
func truncateRunesDB(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
