package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"Treasury-Autopilot/internal/ledger"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/internal/risk"
)

// CycleContext 是规划器可见的周期状态。
type CycleContext struct {
	CycleID     string
	Mode        Mode
	Balance     float64
	Allocations ledger.Allocations
	Override    *Override
	Policy      policy.Policy
	TierATarget string
	TierBTarget string
}

// Invocation 是一次工具调用请求，Arguments 为 JSON 对象。
type Invocation struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult 是工具调用的结果，Error 非空时 Output 为错误描述。
type ToolResult struct {
	CallID string          `json:"callId"`
	Tool   string          `json:"tool"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// Failed 判断工具是否返回错误。
func (r ToolResult) Failed() bool { return r.Error != "" }

// Step 是规划器的一步：停止，或者发起若干工具调用。
type Step struct {
	Stop        bool
	Summary     string
	Invocations []Invocation
}

// Session 是一次周期内的规划会话。
type Session interface {
	// Next 接收上一步的工具结果并给出下一步，首次调用时 results 为空。
	Next(ctx context.Context, results []ToolResult) (Step, error)
}

// Planner 为每个周期创建规划会话。
type Planner interface {
	Start(ctx context.Context, cycle CycleContext) (Session, error)
}

// StaticPlanner 按固定顺序调用工具：并行检查风险与现金流，随后在 CRITICAL 时
// 撤资，或在风险为 NONE 且可部署金额足够时部署，最后停止。
type StaticPlanner struct{}

// Start 实现 Planner。
func (StaticPlanner) Start(_ context.Context, cycle CycleContext) (Session, error) {
	return &staticSession{cycle: cycle}, nil
}

type staticSession struct {
	cycle CycleContext
	stage int
	risk  *risk.Report
	cash  *liquidity.Report
	notes []string
}

func (s *staticSession) Next(_ context.Context, results []ToolResult) (Step, error) {
	s.stage++
	switch s.stage {
	case 1:
		return Step{Invocations: []Invocation{
			{ID: "static-1", Tool: ToolCheckRisks, Arguments: mustArgs(checkRisksArgs{CheckDepth: string(risk.DepthThorough)})},
			{ID: "static-2", Tool: ToolAnalyzeCashflow, Arguments: mustArgs(analyzeCashflowArgs{})},
		}}, nil
	case 2:
		if failed := s.collect(results); failed {
			return s.stop(), nil
		}
		return s.act(), nil
	default:
		s.collect(results)
		return s.stop(), nil
	}
}

func (s *staticSession) collect(results []ToolResult) bool {
	failed := false
	for _, r := range results {
		if r.Failed() {
			failed = true
			s.notes = append(s.notes, fmt.Sprintf("- %s failed: %s", r.Tool, r.Error))
			continue
		}
		switch r.Tool {
		case ToolCheckRisks:
			var report risk.Report
			if err := json.Unmarshal(r.Output, &report); err == nil {
				s.risk = &report
				s.notes = append(s.notes, fmt.Sprintf("- Risk level %s, recommended %s", report.AlertLevel, report.RecommendedAction))
			}
		case ToolAnalyzeCashflow:
			var report liquidity.Report
			if err := json.Unmarshal(r.Output, &report); err == nil {
				s.cash = &report
				s.notes = append(s.notes, fmt.Sprintf("- Effective deployable %s with buffer %s",
					policy.Money(report.EffectiveDeployable), policy.Money(report.Recommendation.MinimumBuffer)))
			}
		case ToolExecuteAllocation, ToolExecuteWithdrawal:
			s.notes = append(s.notes, fmt.Sprintf("- %s completed", r.Tool))
		}
	}
	return failed
}

func (s *staticSession) act() Step {
	if s.risk == nil {
		return s.stop()
	}
	switch s.risk.AlertLevel {
	case policy.AlertCritical:
		amount := 0.0
		if s.risk.WithdrawAmount != nil {
			amount = *s.risk.WithdrawAmount
		}
		reason := "critical risk: " + strings.Join(s.risk.TriggerNames(), ",")
		return Step{Invocations: []Invocation{{
			ID:        "static-3",
			Tool:      ToolExecuteWithdrawal,
			Arguments: mustArgs(executeWithdrawalArgs{Amount: amount, Urgency: "high", Reason: reason}),
		}}}
	case policy.AlertNone:
		if s.cash == nil || s.cash.EffectiveDeployable < policy.MinimumWorthDeploying {
			return s.stop()
		}
		if o := s.cycle.Override; o != nil && o.ForceAction == ActionHold {
			s.notes = append(s.notes, "- Override HOLD requested, skipping allocation")
			return s.stop()
		}
		args, ok := splitAllocation(s.cash.EffectiveDeployable, s.cycle)
		if !ok {
			return s.stop()
		}
		return Step{Invocations: []Invocation{{ID: "static-3", Tool: ToolExecuteAllocation, Arguments: mustArgs(args)}}}
	default:
		s.notes = append(s.notes, "- Risk WARNING, holding positions")
		return s.stop()
	}
}

func (s *staticSession) stop() Step {
	summary := "Static plan complete"
	if len(s.notes) > 0 {
		summary += "\n" + strings.Join(s.notes, "\n")
	}
	return Step{Stop: true, Summary: summary}
}

// splitAllocation 按策略比例拆分可部署金额，单笔不超过上限。
func splitAllocation(deployable float64, cycle CycleContext) (executeAllocationArgs, bool) {
	p := cycle.Policy
	shareB := math.Min(1-p.MinTierAPercent, p.MaxTierBPercent)
	if shareB < 0 {
		shareB = 0
	}
	shareA := 1 - shareB

	total := math.Floor(deployable)
	if p.MaxSingleTransaction > 0 && shareA > 0 && total*shareA > p.MaxSingleTransaction {
		total = math.Floor(p.MaxSingleTransaction / shareA)
	}
	if total < policy.MinimumWorthDeploying {
		return executeAllocationArgs{}, false
	}
	tierA := math.Ceil(total * shareA)
	return executeAllocationArgs{
		TotalAmount: total,
		TierAAmount: tierA,
		TierBAmount: total - tierA,
		TierBTarget: cycle.TierBTarget,
	}, true
}

func mustArgs(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
