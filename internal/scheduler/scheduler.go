package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/pipeline"
)

// ErrAlreadyRunning 同一时间只允许一轮采集
var ErrAlreadyRunning = errors.New("collection cycle already running")

// Runner 由 pipeline.Orchestrator 实现
type Runner interface {
	RunCollectionCycle(ctx context.Context) (pipeline.RunStats, error)
}

var _ Runner = (*pipeline.Orchestrator)(nil)

// LastRun 最近一次采集的结果
type LastRun struct {
	Stats    pipeline.RunStats `json:"stats"`
	Error    string            `json:"error,omitempty"`
	Finished time.Time         `json:"finished"`
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	lock   Locker
	log    *zap.Logger

	// 启动后延迟执行首轮采集
	StartupDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	first  *time.Timer

	mu   sync.Mutex
	last *LastRun
}

func New(spec string, runner Runner, lock Locker, logger *zap.Logger) (*Scheduler, error) {
	if lock == nil {
		lock = &LocalLock{}
	}
	c := cron.New()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:         c,
		runner:       runner,
		lock:         lock,
		log:          logger.Named("scheduler"),
		StartupDelay: 15 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}

	_, err := c.AddFunc(spec, s.runScheduled)
	if err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	// 延迟执行首轮采集，避免与服务启动争抢资源
	s.first = time.AfterFunc(s.StartupDelay, s.runScheduled)
}

// Stop 停止定时任务并取消正在进行的采集，等待 cron 中的任务退出
func (s *Scheduler) Stop() {
	s.cancel()
	if s.first != nil {
		s.first.Stop()
	}
	<-s.cron.Stop().Done()
}

// RunOnce 对外暴露的单次执行入口，手动触发与定时任务共用同一把锁
func (s *Scheduler) RunOnce(ctx context.Context) (pipeline.RunStats, error) {
	release, ok, err := s.lock.TryLock(ctx)
	if err != nil {
		return pipeline.RunStats{}, err
	}
	if !ok {
		return pipeline.RunStats{}, ErrAlreadyRunning
	}
	defer release()

	stats, err := s.runner.RunCollectionCycle(ctx)

	last := &LastRun{Stats: stats, Finished: time.Now()}
	if err != nil {
		last.Error = err.Error()
	}
	s.mu.Lock()
	s.last = last
	s.mu.Unlock()
	return stats, err
}

// Last 返回最近一次采集结果，尚未运行时返回 nil
func (s *Scheduler) Last() *LastRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

func (s *Scheduler) runScheduled() {
	if s.ctx.Err() != nil {
		return
	}
	s.log.Info("start collect job")
	stats, err := s.RunOnce(s.ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.log.Info("previous collect job still running, skip")
	case err != nil:
		s.log.Error("collect job failed", zap.String("run_id", stats.RunID), zap.Error(err))
	default:
		found, processed, failed := stats.Totals()
		s.log.Info("collect job done",
			zap.String("run_id", stats.RunID),
			zap.Int("found", found),
			zap.Int("processed", processed),
			zap.Int("failed", failed))
	}
}
