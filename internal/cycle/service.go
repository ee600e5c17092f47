package cycle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"Treasury-Autopilot/internal/agent"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/pkg/logger"
)

// SubmissionObserver 接收周期提交事件，通常由指标模块实现。
type SubmissionObserver interface {
	ObserveSubmission(source string)
}

// Service 负责周期的提交与查询。
type Service struct {
	store       Store
	producer    Producer
	defaultMode agent.Mode
	observer    SubmissionObserver
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithDefaultMode 设置未指定模式时使用的运行模式。
func WithDefaultMode(mode agent.Mode) ServiceOption {
	return func(s *Service) {
		if mode != "" {
			s.defaultMode = mode
		}
	}
}

// WithSubmissionObserver 注册提交观察者。
func WithSubmissionObserver(o SubmissionObserver) ServiceOption {
	return func(s *Service) {
		s.observer = o
	}
}

// NewService 构造周期服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, defaultMode: agent.ModeNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// DefaultMode 返回服务的默认运行模式。
func (s *Service) DefaultMode() agent.Mode { return s.defaultMode }

// Submit 创建一个新的周期并推送到队列。相同 ID 的重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, req Request) (*Run, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期服务未初始化")
	}
	mode := req.Mode
	if mode == "" {
		mode = s.defaultMode
	}
	if _, err := agent.ParseMode(string(mode)); err != nil {
		return nil, xerrors.Wrap(CodeCycleValidation, err, "运行模式无效")
	}
	if req.Override != nil {
		action, err := agent.ParseAction(string(req.Override.ForceAction))
		if err != nil {
			return nil, xerrors.Wrap(CodeCycleValidation, err, "override 动作无效")
		}
		req.Override = &agent.Override{ForceAction: action, Reason: strings.TrimSpace(req.Override.Reason)}
	}
	source := req.Source
	if source == "" {
		source = SourceManual
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		run, err := s.store.Get(ctx, id)
		if err == nil {
			return run, nil
		}
		if !stdErrors.Is(err, ErrCycleNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	run := &Run{
		ID:       id,
		Mode:     mode,
		Override: req.Override,
		Source:   source,
		Status:   StatusPending,
	}
	if err := s.store.Create(ctx, run); err != nil {
		if stdErrors.Is(err, ErrCycleConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, messageFor(run)); err != nil {
		logger.L().Error("周期入队失败", slog.Any("error", err), slog.String("cycle_id", id))
		wrapped := xerrors.Wrap(CodeCyclePublish, err, "发布周期到队列失败")
		_ = s.store.Fail(ctx, id, CodeCyclePublish, wrapped.Error(), nil)
		return nil, wrapped
	}
	if s.observer != nil {
		s.observer.ObserveSubmission(string(source))
	}
	logger.Audit().Info("周期入队成功",
		slog.String("cycle_id", id),
		slog.String("mode", string(mode)),
		slog.String("source", string(source)),
		slog.Bool("override", req.Override != nil),
	)
	return run, nil
}

// Get 返回指定周期的状态。
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回最近的周期。
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期存储未初始化")
	}
	return s.store.List(ctx, limit)
}

// LastDecision 返回最近一次决策。
func (s *Service) LastDecision(ctx context.Context) (*agent.Decision, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期存储未初始化")
	}
	return s.store.LastDecision(ctx)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询周期状态直到结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
