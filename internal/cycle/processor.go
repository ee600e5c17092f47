package cycle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Treasury-Autopilot/internal/agent"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/execution"
	"Treasury-Autopilot/internal/observability/alerting"
	"Treasury-Autopilot/pkg/logger"
)

// Runner 定义处理器所需的编排能力。
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Decision, error)
}

// Recorder 接收周期结束事件，通常由指标模块实现。
type Recorder interface {
	ObserveCycle(action, status string, confidence float64, duration time.Duration)
	ObserveForwardedWithdrawal(outcome string)
}

type lane struct {
	runner   Runner
	executor execution.Executor
}

// Processor 从队列消费周期并交给编排器执行。
//
// 只有一个工作协程，周期之间严格串行。
type Processor struct {
	live     lane
	sim      *lane
	store    Store
	consumer Consumer
	timeout  time.Duration
	logger   *slog.Logger
	alerter  alerting.Dispatcher
	recorder Recorder
	now      func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCycleTimeout 设置单个周期的最长运行时间。
func WithCycleTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecorder 配置指标记录器。
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

// WithSimulation 为 simulation 模式的周期指定独立的编排器与执行器，二者都不应移动资金。
func WithSimulation(runner Runner, executor execution.Executor) ProcessorOption {
	return func(p *Processor) {
		if runner != nil {
			p.sim = &lane{runner: runner, executor: executor}
		}
	}
}

// WithProcessorClock 替换时间来源。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。executor 用于补发编排器没有执行的撤资指令。
func NewProcessor(runner Runner, executor execution.Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		live:     lane{runner: runner, executor: executor},
		store:    store,
		consumer: consumer,
		timeout:  5 * time.Minute,
		logger:   logger.Named("cycle"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动周期处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置周期消费者")
	}
	return p.consumer.Consume(ctx, 1, p.handle)
}

func (p *Processor) laneFor(mode agent.Mode) lane {
	if mode == agent.ModeSimulation && p.sim != nil {
		return *p.sim
	}
	return p.live
}

func (p *Processor) handle(ctx context.Context, msg Message) error {
	if p.store == nil || p.live.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.claim(ctx, msg)
	if err != nil {
		if stdErrors.Is(err, ErrCycleConflict) {
			p.logger.Debug("跳过周期", slog.String("cycle_id", msg.CycleID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取周期失败", slog.Any("error", err), slog.String("cycle_id", msg.CycleID))
		p.emitAlert(ctx, msg.CycleID, CodeCycleProcessing, err, "claim")
		return err
	}

	started := p.now()
	l := p.laneFor(run.Mode)
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	decision, runErr := l.runner.Run(runCtx, agent.Request{
		CycleID:  run.ID,
		Mode:     run.Mode,
		Override: run.Override,
	})
	cancel()
	elapsed := p.now().Sub(started)

	if runErr != nil {
		return p.handleFailure(ctx, run, decision, runErr, elapsed)
	}

	forwarded := p.forward(ctx, l, run, decision)
	p.observe(decision, StatusSucceeded, elapsed)
	if decision != nil && decision.Action == agent.ActionWithdraw {
		p.emitDecisionAlert(ctx, run, decision, forwarded)
	}
	if err := p.store.Complete(ctx, run.ID, decision, forwarded); err != nil {
		p.logger.Error("记录周期结果失败", slog.Any("error", err), slog.String("cycle_id", run.ID))
		return err
	}
	logger.Audit().Info("周期执行成功",
		slog.String("cycle_id", run.ID),
		slog.String("source", string(run.Source)),
		slog.String("action", string(actionOf(decision))),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// claim 领取周期。消息来自其他实例时，本地存储中没有记录，按消息补建。
func (p *Processor) claim(ctx context.Context, msg Message) (*Run, error) {
	run, err := p.store.Claim(ctx, msg.CycleID)
	if !stdErrors.Is(err, ErrCycleNotFound) {
		return run, err
	}
	created := &Run{
		ID:        msg.CycleID,
		Mode:      msg.Mode,
		Override:  msg.Override,
		Source:    msg.Source,
		Status:    StatusPending,
		CreatedAt: msg.SubmittedAt,
	}
	if err := p.store.Create(ctx, created); err != nil && !stdErrors.Is(err, ErrCycleConflict) {
		return nil, err
	}
	return p.store.Claim(ctx, msg.CycleID)
}

func (p *Processor) handleFailure(ctx context.Context, run *Run, decision *agent.Decision, runErr error, elapsed time.Duration) error {
	code := xerrors.CodeOf(runErr)
	if _, ok := xerrors.From(runErr); !ok {
		code = CodeCycleProcessing
	}
	p.observe(decision, StatusFailed, elapsed)
	if xerrors.ShouldAlert(runErr) || xerrors.AttributesOf(code).Alert {
		p.emitAlert(ctx, run.ID, code, runErr, "run")
	}
	if err := p.store.Fail(ctx, run.ID, code, runErr.Error(), decision); err != nil {
		p.logger.Error("标记周期失败状态出错", slog.Any("error", err), slog.String("cycle_id", run.ID))
		return err
	}
	logger.Audit().Warn("周期执行失败",
		slog.String("cycle_id", run.ID),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
	)
	return nil
}

// forward 将编排器没有执行的撤资指令交给执行器。紧急模式下编排器只给出指令，由这里完成撤资。
func (p *Processor) forward(ctx context.Context, l lane, run *Run, decision *agent.Decision) *Forwarded {
	if decision == nil || decision.Command == nil {
		return nil
	}
	cmd := decision.Command
	if cmd.Type != agent.CommandWithdraw || cmd.Executed || cmd.Amount <= 0 {
		return nil
	}
	urgency := strings.ToLower(cmd.Urgency)
	out := &Forwarded{Amount: cmd.Amount, Urgency: urgency}
	if l.executor == nil {
		out.Error = "no executor configured"
		p.recordForward("skipped")
		return out
	}
	reason := fmt.Sprintf("%s cycle %s", run.Mode, run.ID)
	if decision.Summary != "" {
		reason = decision.Summary
	}
	res, err := l.executor.Withdraw(ctx, cmd.Amount, urgency, reason)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeExecutionFailure, err, "补发撤资失败")
		out.Error = wrapped.Error()
		p.recordForward("failed")
		p.logger.Error("补发撤资失败", slog.Any("error", wrapped), slog.String("cycle_id", run.ID))
		p.emitAlert(ctx, run.ID, xerrors.CodeExecutionFailure, wrapped, "forward")
		return out
	}
	out.Status = res.Status
	if res.Receipt != "" {
		out.TxHashes = []string{res.Receipt}
	}
	p.recordForward("executed")
	logger.Audit().Info("撤资指令已补发",
		slog.String("cycle_id", run.ID),
		slog.Float64("amount", cmd.Amount),
		slog.String("urgency", urgency),
		slog.String("status", res.Status),
	)
	return out
}

func (p *Processor) observe(decision *agent.Decision, status Status, elapsed time.Duration) {
	if p.recorder == nil {
		return
	}
	var confidence float64
	if decision != nil {
		confidence = decision.Confidence
	}
	p.recorder.ObserveCycle(string(actionOf(decision)), string(status), confidence, elapsed)
}

func (p *Processor) recordForward(outcome string) {
	if p.recorder != nil {
		p.recorder.ObserveForwardedWithdrawal(outcome)
	}
}

func (p *Processor) emitDecisionAlert(ctx context.Context, run *Run, decision *agent.Decision, forwarded *Forwarded) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(CodeCycleWithdrawal)
	metadata := map[string]string{
		"mode":       string(run.Mode),
		"confidence": fmt.Sprintf("%.2f", decision.Confidence),
	}
	if forwarded != nil {
		metadata["forwarded"] = "true"
	}
	event := alerting.Event{
		Code:       CodeCycleWithdrawal,
		Message:    decision.Summary,
		Severity:   attrs.Severity,
		CycleID:    run.ID,
		Level:      "CRITICAL",
		Metadata:   metadata,
		OccurredAt: p.now().UTC(),
	}
	if event.Message == "" {
		event.Message = attrs.Message
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("cycle_id", run.ID))
	}
}

func (p *Processor) emitAlert(ctx context.Context, cycleID string, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.EventFromError(cycleID, cause)
	event.Code = code
	event.Severity = xerrors.AttributesOf(code).Severity
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("cycle_id", cycleID),
			slog.String("stage", stage),
		)
	}
}

func actionOf(d *agent.Decision) agent.Action {
	if d == nil {
		return ""
	}
	return d.Action
}
