package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"Treasury-Autopilot/internal/allocation"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/execution"
	"Treasury-Autopilot/internal/ledger"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/internal/risk"
	"Treasury-Autopilot/internal/web3"
	"Treasury-Autopilot/pkg/logger"
)

// MaxIterations 是一个周期内规划循环的上限。
const MaxIterations = 10

const (
	defaultTierATarget = "SafeVault"
	defaultTierBTarget = "Aave"
)

// RiskAssessor 生成风险报告。
type RiskAssessor interface {
	Assess(ctx context.Context, in risk.Input) (risk.Report, error)
}

// LiquidityForecaster 生成流动性报告。
type LiquidityForecaster interface {
	Forecast(ctx context.Context, in liquidity.Input) (liquidity.Report, error)
}

// Allocator 校验并执行资金部署。
type Allocator interface {
	Execute(ctx context.Context, req allocation.Request) (allocation.Outcome, error)
}

// ChainObserver 提供链上快照，仅用于记录。
type ChainObserver interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// Dependencies 是编排器依赖的协作者。Executor 只用于撤资，部署通过 Allocator 完成。
type Dependencies struct {
	Ledger    ledger.Provider
	Risk      RiskAssessor
	Liquidity LiquidityForecaster
	Allocator Allocator
	Executor  execution.Executor
	Planner   Planner
}

// Orchestrator 是决策状态机。
type Orchestrator struct {
	ledger      ledger.Provider
	risk        RiskAssessor
	liquidity   LiquidityForecaster
	allocator   Allocator
	executor    execution.Executor
	planner     Planner
	chain       ChainObserver
	policy      policy.Policy
	tierATarget string
	tierBTarget string
	periodDays  int
	horizonDays int
	now         func() time.Time
	log         *slog.Logger
	audit       *slog.Logger
}

// Option 定制 Orchestrator。
type Option func(*Orchestrator)

// WithPolicy 设置策略阈值。
func WithPolicy(p policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithTargets 设置两档资金的默认目标。
func WithTargets(tierA, tierB string) Option {
	return func(o *Orchestrator) {
		if tierA != "" {
			o.tierATarget = tierA
		}
		if tierB != "" {
			o.tierBTarget = tierB
		}
	}
}

// WithAnalysisWindow 设置现金流分析与预测的天数。
func WithAnalysisWindow(periodDays, horizonDays int) Option {
	return func(o *Orchestrator) {
		if periodDays > 0 {
			o.periodDays = periodDays
		}
		if horizonDays > 0 {
			o.horizonDays = horizonDays
		}
	}
}

// WithChainObserver 在决策理由中记录链上快照。
func WithChainObserver(c ChainObserver) Option {
	return func(o *Orchestrator) { o.chain = c }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAuditLogger 指定审计日志记录器。
func WithAuditLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.audit = l
		}
	}
}

// New 创建编排器。
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if deps.Ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本数据源")
	}
	if deps.Risk == nil || deps.Liquidity == nil || deps.Allocator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "风险、流动性与部署组件均不能为空")
	}
	o := &Orchestrator{
		ledger:      deps.Ledger,
		risk:        deps.Risk,
		liquidity:   deps.Liquidity,
		allocator:   deps.Allocator,
		executor:    deps.Executor,
		planner:     deps.Planner,
		policy:      policy.DefaultPolicy(),
		tierATarget: defaultTierATarget,
		tierBTarget: defaultTierBTarget,
		periodDays:  liquidity.DefaultAnalysisDays,
		horizonDays: liquidity.DefaultHorizonDays,
		now:         time.Now,
		log:         logger.Named("orchestrator"),
		audit:       logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.planner == nil {
		o.planner = StaticPlanner{}
	}
	if err := o.policy.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "策略配置不合法")
	}
	return o, nil
}

type state int

const (
	stateInit state = iota
	stateImmediateExit
	stateLooping
	stateTerminal
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateImmediateExit:
		return "IMMEDIATE_EXIT"
	case stateLooping:
		return "LOOPING"
	case stateTerminal:
		return "TERMINAL"
	default:
		return "DONE"
	}
}

// 报告名称，按 reportOrder 的顺序记录在 Decision.ReportsAnalyzed 中。
const (
	reportRisk       = "risk"
	reportLiquidity  = "liquidity"
	reportAllocation = "allocation"
	reportWithdrawal = "withdrawal"
)

var reportOrder = []string{reportRisk, reportLiquidity, reportAllocation, reportWithdrawal}

// cycleRun 是单个周期的累积状态，周期结束即丢弃。
type cycleRun struct {
	o     *Orchestrator
	req   Request
	cycle CycleContext
	log   *slog.Logger

	mu              sync.Mutex
	risk            *risk.Report
	cash            *liquidity.Report
	proposal        *policy.Proposal
	allocation      *allocation.Outcome
	withdrawal      *execution.WithdrawResult
	withdrawUrgency string
	mutation        string
	reports         []string

	iterations int
	summary    string
	exit       *Decision
}

func (r *cycleRun) noteReport(name string) {
	for _, existing := range r.reports {
		if existing == name {
			return
		}
	}
	r.reports = append(r.reports, name)
}

// Run 执行一个决策周期。返回的 Decision 永远非空；出错或 panic 时为置信度 0 的 HOLD。
func (o *Orchestrator) Run(ctx context.Context, req Request) (decision *Decision, err error) {
	if req.CycleID == "" {
		req.CycleID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = ModeNormal
	}
	run := &cycleRun{
		o:   o,
		req: req,
		log: o.log.With(slog.String("cycle_id", req.CycleID), slog.String("mode", string(req.Mode))),
	}

	defer func() {
		if rec := recover(); rec != nil {
			run.log.Error("决策周期发生 panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("panic: %v", rec))
			decision = run.failed(err)
		}
		o.auditDecision(decision, err)
	}()

	decision, err = run.execute(ctx)
	if err != nil {
		run.log.Error("决策周期失败", slog.Any("error", err))
		return run.failed(err), err
	}
	return decision, nil
}

func (r *cycleRun) execute(ctx context.Context) (*Decision, error) {
	st := stateInit
	var decision *Decision
	for st != stateDone {
		r.log.Debug("状态迁移", slog.String("state", st.String()))
		switch st {
		case stateInit:
			next, err := r.init(ctx)
			if err != nil {
				return nil, err
			}
			st = next
		case stateImmediateExit:
			decision = r.exit
			st = stateDone
		case stateLooping:
			if err := r.loop(ctx); err != nil {
				return nil, err
			}
			st = stateTerminal
		case stateTerminal:
			decision = r.reconcile()
			r.attachChainSnapshot(ctx, decision)
			st = stateDone
		}
	}
	return decision, nil
}

func (r *cycleRun) init(ctx context.Context) (state, error) {
	balance, err := r.o.ledger.CurrentBalance(ctx)
	if err != nil {
		return stateDone, providerError(err, "读取金库余额失败")
	}
	alloc, err := r.o.ledger.CurrentAllocations(ctx)
	if err != nil {
		return stateDone, providerError(err, "读取资金分布失败")
	}
	r.cycle = CycleContext{
		CycleID:     r.req.CycleID,
		Mode:        r.req.Mode,
		Balance:     balance,
		Allocations: alloc,
		Override:    r.req.Override,
		Policy:      r.o.policy,
		TierATarget: r.o.tierATarget,
		TierBTarget: r.o.tierBTarget,
	}
	r.log.Info("开始决策周期",
		slog.Float64("balance", balance),
		slog.Float64("tier_a", alloc.TierA),
		slog.Float64("tier_b", alloc.TierB))

	switch {
	case r.req.Mode == ModeEmergency:
		r.exit = r.emergencyDecision()
		return stateImmediateExit, nil
	case policy.EvaluateLiquidityGate(balance):
		r.exit = r.lowBalanceDecision()
		return stateImmediateExit, nil
	default:
		return stateLooping, nil
	}
}

func (r *cycleRun) loop(ctx context.Context) error {
	session, err := r.o.planner.Start(ctx, r.cycle)
	if err != nil {
		return plannerError(err)
	}
	var results []ToolResult
	for r.iterations < MaxIterations {
		r.iterations++
		step, err := session.Next(ctx, results)
		if err != nil {
			return plannerError(err)
		}
		if step.Stop || len(step.Invocations) == 0 {
			r.summary = step.Summary
			r.log.Info("规划结束", slog.Int("iterations", r.iterations))
			return nil
		}
		results, err = r.dispatch(ctx, step.Invocations)
		if err != nil {
			return err
		}
	}
	return xerrors.New(xerrors.CodeIterationsExhausted,
		fmt.Sprintf("no final decision after %d iterations", MaxIterations),
		xerrors.WithMetadata("iterations", fmt.Sprint(MaxIterations)))
}

// dispatch 并行执行只读工具，随后按顺序执行会改变头寸的工具。
func (r *cycleRun) dispatch(ctx context.Context, invocations []Invocation) ([]ToolResult, error) {
	results := make([]ToolResult, len(invocations))

	g, gctx := errgroup.WithContext(ctx)
	for i, inv := range invocations {
		if !readOnly(inv.Tool) {
			continue
		}
		i, inv := i, inv
		g.Go(func() error {
			res, err := r.invoke(gctx, inv)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, inv := range invocations {
		if readOnly(inv.Tool) {
			continue
		}
		res, err := r.invoke(ctx, inv)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// invoke 执行单个工具。致命错误直接返回，其余错误作为工具结果交给规划器。
func (r *cycleRun) invoke(ctx context.Context, inv Invocation) (ToolResult, error) {
	log := r.log.With(slog.String("tool", inv.Tool), slog.String("call_id", inv.ID))
	var (
		out any
		err error
	)
	switch inv.Tool {
	case ToolCheckRisks:
		out, err = r.checkRisks(ctx, inv.Arguments)
	case ToolAnalyzeCashflow:
		out, err = r.analyzeCashflow(ctx, inv.Arguments)
	case ToolExecuteAllocation:
		out, err = r.executeAllocation(ctx, inv.Arguments)
	case ToolExecuteWithdrawal:
		out, err = r.executeWithdrawal(ctx, inv.Arguments)
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, "unknown tool "+inv.Tool)
	}

	if err != nil {
		if fatal(ctx, err) {
			log.Error("工具调用失败，终止周期", slog.Any("error", err))
			return ToolResult{}, err
		}
		log.Warn("工具返回错误", slog.Any("error", err))
		return errorResult(inv, err), nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return errorResult(inv, err), nil
	}
	log.Info("工具调用完成")
	return ToolResult{CallID: inv.ID, Tool: inv.Tool, Output: raw}, nil
}

func errorResult(inv Invocation, err error) ToolResult {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return ToolResult{CallID: inv.ID, Tool: inv.Tool, Output: raw, Error: err.Error()}
}

func fatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeOracleUnavailable, xerrors.CodeTimeout, xerrors.CodeDataProviderUnavailable:
		return true
	}
	return false
}

func plannerError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "规划超时")
	}
	return xerrors.Wrap(xerrors.CodeOracleUnavailable, err, "规划失败")
}

func (r *cycleRun) newDecision(action Action, confidence float64) *Decision {
	return &Decision{
		ID:              uuid.NewString(),
		CycleID:         r.req.CycleID,
		Action:          action,
		Confidence:      confidence,
		ReportsAnalyzed: orderedReports(r.reports),
		Iterations:      r.iterations,
		Mode:            r.req.Mode,
		CreatedAt:       r.o.now().UTC(),
	}
}

// orderedReports 按固定顺序返回报告名称，不受并行调用完成先后影响。
func orderedReports(in []string) []string {
	out := append([]string{}, in...)
	sort.SliceStable(out, func(i, j int) bool { return reportRank(out[i]) < reportRank(out[j]) })
	return out
}

func reportRank(name string) int {
	for i, known := range reportOrder {
		if known == name {
			return i
		}
	}
	return len(reportOrder)
}

// failed 构造失败时的 HOLD 决策。
func (r *cycleRun) failed(err error) *Decision {
	d := r.newDecision(ActionHold, 0)
	d.Summary = "Cycle failed, holding all positions"
	d.Reasoning = []string{err.Error()}
	if r.withdrawal != nil {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("Withdrawal of %s already executed (%s)",
			policy.Money(r.withdrawal.Moved), r.withdrawal.Receipt))
	}
	if r.allocation != nil && r.allocation.Executed {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("Allocation of %s already executed", policy.Money(r.allocation.Moved)))
	}
	return d
}

func (r *cycleRun) attachChainSnapshot(ctx context.Context, d *Decision) {
	if r.o.chain == nil || d == nil {
		return
	}
	snap, err := r.o.chain.FetchChainSnapshot(ctx)
	if err != nil {
		d.Reasoning = append(d.Reasoning, "Chain snapshot unavailable: "+err.Error())
		return
	}
	d.Reasoning = append(d.Reasoning, fmt.Sprintf("Chain %s (id %s) at block %s", snap.Name, snap.ChainID, snap.BlockNumber))
}

func (o *Orchestrator) auditDecision(d *Decision, err error) {
	if d == nil {
		return
	}
	attrs := []any{
		slog.String("cycle_id", d.CycleID),
		slog.String("decision_id", d.ID),
		slog.String("action", string(d.Action)),
		slog.Float64("confidence", d.Confidence),
		slog.Bool("executed", d.Executed()),
		slog.String("mode", string(d.Mode)),
		slog.Int("iterations", d.Iterations),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	o.audit.Info("treasury decision", attrs...)
}
