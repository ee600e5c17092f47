package cycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"Treasury-Autopilot/internal/agent"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/pkg/logger"
)

// Submitter 是调度器依赖的提交能力，由 Service 实现。
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Run, error)
}

// Scheduler 按 cron 表达式定期提交周期。
type Scheduler struct {
	cron    *cron.Cron
	submit  Submitter
	cadence string
	mode    agent.Mode
	log     *slog.Logger
	mu      sync.Mutex
	entry   cron.EntryID
	started bool
	lastErr error
}

// NewScheduler 创建调度器。cadence 支持标准五段 cron 表达式以及 @every、@hourly 等描述符。
func NewScheduler(submit Submitter, cadence string, mode agent.Mode) (*Scheduler, error) {
	cadence = strings.TrimSpace(cadence)
	if cadence == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度周期不能为空")
	}
	if submit == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器缺少周期服务")
	}
	if mode == "" {
		mode = agent.ModeNormal
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		submit:  submit,
		cadence: cadence,
		mode:    mode,
		log:     logger.Named("cycle.scheduler"),
	}
	id, err := s.cron.AddFunc(cadence, s.tick)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法解析调度周期", xerrors.WithMetadata("cadence", cadence))
	}
	s.entry = id
	return s, nil
}

// Cadence 返回调度表达式。
func (s *Scheduler) Cadence() string { return s.cadence }

// Start 启动调度，直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器已经启动")
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("周期调度已启动", slog.String("cadence", s.cadence), slog.Time("next", s.cron.Entry(s.entry).Next))
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return ctx.Err()
}

func (s *Scheduler) tick() {
	s.Trigger(context.Background())
}

// Trigger 立即提交一次定时周期。
func (s *Scheduler) Trigger(ctx context.Context) {
	run, err := s.submit.Submit(ctx, Request{Mode: s.mode, Source: SourceScheduled})
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Error("定时提交周期失败", slog.Any("error", err))
		return
	}
	s.log.Info("定时周期已提交", slog.String("cycle_id", run.ID))
}

// LastError 返回最近一次定时提交的错误。
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
