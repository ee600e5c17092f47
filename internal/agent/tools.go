package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"Treasury-Autopilot/internal/allocation"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/internal/risk"
)

// 工具名称。
const (
	ToolCheckRisks        = "check_risks"
	ToolAnalyzeCashflow   = "analyze_cashflow"
	ToolExecuteAllocation = "execute_allocation"
	ToolExecuteWithdrawal = "execute_withdrawal"
)

type checkRisksArgs struct {
	CheckDepth string `json:"checkDepth,omitempty"`
}

type analyzeCashflowArgs struct {
	AnalysisPeriod  int `json:"analysisPeriod,omitempty"`
	ForecastHorizon int `json:"forecastHorizon,omitempty"`
}

type executeAllocationArgs struct {
	TotalAmount float64 `json:"totalAmount"`
	TierAAmount float64 `json:"tierAAmount"`
	TierBAmount float64 `json:"tierBAmount"`
	TierATarget string  `json:"tierATarget,omitempty"`
	TierBTarget string  `json:"tierBTarget"`
}

type executeWithdrawalArgs struct {
	Amount  float64 `json:"amount"`
	Urgency string  `json:"urgency"`
	Reason  string  `json:"reason"`
}

type toolSpec struct {
	name        string
	description string
	schema      string
	mutating    bool
	compiled    *jsonschema.Schema
}

var toolSpecs = []*toolSpec{
	{
		name:        ToolCheckRisks,
		description: "Check protocol health, stablecoin peg and market conditions. Call this before any capital movement.",
		schema: `{
  "type": "object",
  "properties": {
    "checkDepth": {"type": "string", "enum": ["quick", "thorough"], "description": "quick for routine checks, thorough for critical decisions"}
  },
  "additionalProperties": false
}`,
	},
	{
		name:        ToolAnalyzeCashflow,
		description: "Analyze historical cash flow, predict upcoming obligations and compute the deployable amount.",
		schema: `{
  "type": "object",
  "properties": {
    "analysisPeriod": {"type": "integer", "minimum": 1, "maximum": 365, "description": "days of history to analyze (default 90)"},
    "forecastHorizon": {"type": "integer", "minimum": 1, "maximum": 180, "description": "days ahead to forecast (default 30)"}
  },
  "additionalProperties": false
}`,
	},
	{
		name:        ToolExecuteAllocation,
		description: "Validate and execute a capital split into Tier A and Tier B. Only call after both risk and cash flow are checked.",
		mutating:    true,
		schema: `{
  "type": "object",
  "properties": {
    "totalAmount": {"type": "number", "exclusiveMinimum": 0},
    "tierAAmount": {"type": "number", "minimum": 0},
    "tierBAmount": {"type": "number", "minimum": 0},
    "tierATarget": {"type": "string", "minLength": 1},
    "tierBTarget": {"type": "string", "minLength": 1}
  },
  "required": ["totalAmount", "tierAAmount", "tierBAmount", "tierBTarget"],
  "additionalProperties": false
}`,
	},
	{
		name:        ToolExecuteWithdrawal,
		description: "Withdraw capital from the vaults. Use amount 0 to withdraw everything deployed.",
		mutating:    true,
		schema: `{
  "type": "object",
  "properties": {
    "amount": {"type": "number", "minimum": 0},
    "urgency": {"type": "string", "enum": ["low", "medium", "high"]},
    "reason": {"type": "string", "minLength": 1}
  },
  "required": ["amount", "urgency", "reason"],
  "additionalProperties": false
}`,
	},
}

func init() {
	for _, spec := range toolSpecs {
		spec.compiled = jsonschema.MustCompileString(spec.name+".json", spec.schema)
	}
}

func lookupTool(name string) (*toolSpec, bool) {
	for _, spec := range toolSpecs {
		if spec.name == name {
			return spec, true
		}
	}
	return nil, false
}

// validate 按 JSON Schema 校验参数并解码到 dst。
func (s *toolSpec) validate(raw json.RawMessage, dst any) error {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, s.name+" 参数不是合法 JSON")
	}
	if err := s.compiled.Validate(doc); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, s.name+" 参数校验失败")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, s.name+" 参数解码失败")
	}
	return nil
}

// Tools 返回提供给推理服务的工具定义。
func Tools() []llm.Tool {
	out := make([]llm.Tool, 0, len(toolSpecs))
	for _, spec := range toolSpecs {
		out = append(out, llm.Tool{
			Name:        spec.name,
			Description: spec.description,
			Parameters:  json.RawMessage(spec.schema),
		})
	}
	return out
}

func readOnly(name string) bool {
	spec, ok := lookupTool(name)
	return ok && !spec.mutating
}

func (r *cycleRun) checkRisks(ctx context.Context, raw json.RawMessage) (any, error) {
	var args checkRisksArgs
	if err := mustSpec(ToolCheckRisks).validate(raw, &args); err != nil {
		return nil, err
	}
	metrics, err := r.o.ledger.MarketMetrics(ctx)
	if err != nil {
		return nil, providerError(err, "读取行情失败")
	}
	depth := risk.Depth(args.CheckDepth)
	if depth == "" {
		depth = risk.DepthThorough
	}
	report, err := r.o.risk.Assess(ctx, risk.Input{
		CycleID: r.cycle.CycleID,
		Metrics: metrics,
		Policy:  r.cycle.Policy,
		Depth:   depth,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.risk = &report
	r.noteReport(reportRisk)
	r.mu.Unlock()
	return report, nil
}

func (r *cycleRun) analyzeCashflow(ctx context.Context, raw json.RawMessage) (any, error) {
	var args analyzeCashflowArgs
	if err := mustSpec(ToolAnalyzeCashflow).validate(raw, &args); err != nil {
		return nil, err
	}
	period := args.AnalysisPeriod
	if period <= 0 {
		period = r.o.periodDays
	}
	horizon := args.ForecastHorizon
	if horizon <= 0 {
		horizon = r.o.horizonDays
	}

	txs, err := r.o.ledger.HistoricalTransactions(ctx, period)
	if err != nil {
		return nil, providerError(err, "读取历史流水失败")
	}
	recurring, err := r.o.ledger.RecurringObligations(ctx)
	if err != nil {
		return nil, providerError(err, "读取周期支出失败")
	}
	report, err := r.o.liquidity.Forecast(ctx, liquidity.Input{
		CycleID:      r.cycle.CycleID,
		Balance:      r.cycle.Balance,
		Transactions: txs,
		Recurring:    recurring,
		PeriodDays:   period,
		HorizonDays:  horizon,
		Today:        r.o.now(),
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cash = &report
	r.noteReport(reportLiquidity)
	r.mu.Unlock()
	return report, nil
}

func (r *cycleRun) executeAllocation(ctx context.Context, raw json.RawMessage) (any, error) {
	var args executeAllocationArgs
	if err := mustSpec(ToolExecuteAllocation).validate(raw, &args); err != nil {
		return nil, err
	}
	if err := r.mutationGuard(); err != nil {
		return nil, err
	}
	switch {
	case r.risk.AlertLevel == policy.AlertCritical:
		return nil, guardError("critical_risk", "allocation refused while risk is CRITICAL")
	case r.cash == nil:
		return nil, guardError("no_liquidity_report", "allocation refused before cash flow is analyzed")
	case args.TotalAmount > r.cash.EffectiveDeployable:
		return nil, guardError("exceeds_deployable", fmt.Sprintf("allocation %s exceeds effective deployable %s",
			policy.Money(args.TotalAmount), policy.Money(r.cash.EffectiveDeployable)))
	}

	targetA := args.TierATarget
	if targetA == "" {
		targetA = r.cycle.TierATarget
	}
	proposal, err := policy.NewProposal(args.TotalAmount, args.TierAAmount, args.TierBAmount, targetA, args.TierBTarget)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "分配方案不合法")
	}

	outcome, err := r.o.allocator.Execute(ctx, allocation.Request{
		CycleID:  r.cycle.CycleID,
		Proposal: proposal,
		Policy:   r.cycle.Policy,
		Balance:  r.cycle.Balance,
	})
	if err != nil && !outcome.Validation.Passed && xerrors.CodeOf(err) != xerrors.CodeExecutionFailure {
		return nil, err
	}

	r.mu.Lock()
	r.proposal = &proposal
	r.allocation = &outcome
	if outcome.Validation.Passed {
		r.mutation = ToolExecuteAllocation
	}
	r.noteReport(reportAllocation)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !outcome.Validation.Passed {
		return nil, allocation.RejectionError(outcome.Validation.ValidationResult)
	}
	return outcome, nil
}

func (r *cycleRun) executeWithdrawal(ctx context.Context, raw json.RawMessage) (any, error) {
	var args executeWithdrawalArgs
	if err := mustSpec(ToolExecuteWithdrawal).validate(raw, &args); err != nil {
		return nil, err
	}
	if err := r.mutationGuard(); err != nil {
		return nil, err
	}
	if r.o.executor == nil {
		return nil, xerrors.New(xerrors.CodeExecutionFailure, "未配置执行器")
	}
	amount := args.Amount
	if amount <= 0 {
		amount = r.cycle.Allocations.Deployed()
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "nothing deployed to withdraw")
	}

	r.mu.Lock()
	r.mutation = ToolExecuteWithdrawal
	r.mu.Unlock()

	res, err := r.o.executor.Withdraw(ctx, amount, args.Urgency, args.Reason)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeExecutionFailure, err, "撤资执行失败")
		}
		return nil, err
	}

	r.mu.Lock()
	r.withdrawal = &res
	r.withdrawUrgency = args.Urgency
	r.noteReport(reportWithdrawal)
	r.mu.Unlock()
	return res, nil
}

// mutationGuard 保证资金变动前已有风险报告，且一个周期至多一次变动。
func (r *cycleRun) mutationGuard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.risk == nil {
		return guardError("risk_first", "capital movement refused before a risk check has completed")
	}
	if r.mutation != "" {
		return guardError("single_mutation", fmt.Sprintf("capital already moved this cycle by %s", r.mutation))
	}
	return nil
}

func guardError(guard, msg string) error {
	return xerrors.New(xerrors.CodePolicyRejection, msg, xerrors.WithMetadata("guard", guard))
}

func providerError(err error, msg string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeDataProviderUnavailable, err, msg)
}

func mustSpec(name string) *toolSpec {
	spec, ok := lookupTool(name)
	if !ok {
		panic("agent: unknown tool " + name)
	}
	return spec
}
