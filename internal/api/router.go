package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/pipeline"
	"github.com/LJTian/NewsCheck/internal/scheduler"
	"github.com/LJTian/NewsCheck/internal/storage"
)

// ItemReader 读接口需要的存储能力
type ItemReader interface {
	GetByID(ctx context.Context, kind storage.Kind, id string) (*storage.Item, error)
	ListItems(ctx context.Context, f storage.ItemFilter) ([]storage.Item, error)
}

// Trigger 手动触发采集，由 scheduler.Scheduler 实现
type Trigger interface {
	RunOnce(ctx context.Context) (pipeline.RunStats, error)
	Last() *scheduler.LastRun
}

var _ Trigger = (*scheduler.Scheduler)(nil)

// 日报按日本时间划分日期
var jst = time.FixedZone("JST", 9*60*60)

type Server struct {
	items   ItemReader
	trigger Trigger
	log     *zap.Logger
}

func NewServer(items ItemReader, trigger Trigger, logger *zap.Logger) *Server {
	return &Server{items: items, trigger: trigger, log: logger.Named("api")}
}

func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/items", s.listItems)
		v1.GET("/items/:kind/:id", s.getItem)
		v1.GET("/daily", s.daily)
		v1.POST("/collect", s.collect)
		v1.GET("/collect/last", s.lastCollect)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listItems(c *gin.Context) {
	f := storage.ItemFilter{Kind: storage.Kind(c.Query("kind"))}
	if f.Kind != "" && !f.Kind.Valid() {
		badRequest(c, "unknown kind")
		return
	}
	for _, raw := range strings.Split(c.Query("state"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		st := storage.State(raw)
		if !st.Valid() {
			badRequest(c, "unknown state: "+raw)
			return
		}
		f.States = append(f.States, st)
	}

	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		badRequest(c, "invalid from")
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		badRequest(c, "invalid to")
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	f.Limit = limit

	items, err := s.items.ListItems(c.Request.Context(), f)
	if err != nil {
		s.internalError(c, "list items", err)
		return
	}
	ok(c, items)
}

func (s *Server) getItem(c *gin.Context) {
	kind := storage.Kind(c.Param("kind"))
	if !kind.Valid() {
		badRequest(c, "unknown kind")
		return
	}
	item, err := s.items.GetByID(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		s.internalError(c, "get item", err)
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "not_found",
			"message": "item not found",
		})
		return
	}
	ok(c, item)
}

// daily 返回某一天（日本时间）已处理的条目，摘要失败的占位文本原样返回
func (s *Server) daily(c *gin.Context) {
	date := c.Query("date")
	var day time.Time
	if date == "" {
		now := time.Now().In(jst)
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, jst)
	} else {
		var err error
		day, err = time.ParseInLocation("2006-01-02", date, jst)
		if err != nil {
			badRequest(c, "date must be YYYY-MM-DD")
			return
		}
	}

	f := storage.ItemFilter{
		Kind:   storage.Kind(c.Query("kind")),
		States: []storage.State{storage.StateProcessed},
		From:   day,
		To:     day.AddDate(0, 0, 1),
		Limit:  500,
	}
	if f.Kind != "" && !f.Kind.Valid() {
		badRequest(c, "unknown kind")
		return
	}

	items, err := s.items.ListItems(c.Request.Context(), f)
	if err != nil {
		s.internalError(c, "daily items", err)
		return
	}
	ok(c, gin.H{"date": day.Format("2006-01-02"), "items": items})
}

func (s *Server) collect(c *gin.Context) {
	if s.trigger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "unavailable",
			"message": "collection trigger not configured",
		})
		return
	}
	stats, err := s.trigger.RunOnce(c.Request.Context())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "already_running",
			"message": err.Error(),
		})
		return
	}
	if err != nil {
		s.log.Error("manual collect failed", zap.String("run_id", stats.RunID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "collect_failed",
			"message": err.Error(),
			"data":    stats,
		})
		return
	}
	ok(c, stats)
}

func (s *Server) lastCollect(c *gin.Context) {
	if s.trigger == nil {
		ok(c, nil)
		return
	}
	ok(c, s.trigger.Last())
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    "ok",
		"message": "success",
		"data":    data,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "bad_request",
		"message": msg,
	})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "internal_error",
		"message": "internal server error",
	})
}

// parseTime 接受 RFC3339 或 YYYY-MM-DD（日本时间零点），空串表示不限制
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", v, jst)
}
