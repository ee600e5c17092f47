package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"Treasury-Autopilot/internal/allocation"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/ledger"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/internal/risk"
)

type fixture struct {
	ledger    *stubLedger
	risk      *stubRisk
	liquidity *stubLiquidity
	allocator *stubAllocator
	executor  *stubExecutor
}

func newFixture() *fixture {
	return &fixture{
		ledger: &stubLedger{
			balance: 2_500_000,
			alloc:   ledger.Allocations{TierA: 600_000, TierB: 200_000, Liquid: 1_700_000},
		},
		risk: &stubRisk{report: risk.Report{
			AlertLevel:        policy.AlertNone,
			RecommendedAction: risk.ActionHold,
			Urgency:           risk.UrgencyLow,
		}},
		liquidity: &stubLiquidity{report: liquidity.Report{
			Recommendation:      liquidity.Recommendation{MinimumBuffer: 1_000_000, DeployableAmount: 400_000, ConfidenceScore: 0.8},
			EffectiveDeployable: 400_000,
		}},
		allocator: &stubAllocator{outcome: allocation.Outcome{
			Validation: allocation.Result{ValidationResult: policy.ValidationResult{Passed: true}},
			Executed:   true,
			Receipts:   []string{"0xa", "0xb"},
			Moved:      400_000,
		}},
		executor: &stubExecutor{},
	}
}

func (f *fixture) orchestrator(t *testing.T, planner Planner, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(Dependencies{
		Ledger:    f.ledger,
		Risk:      f.risk,
		Liquidity: f.liquidity,
		Allocator: f.allocator,
		Executor:  f.executor,
		Planner:   planner,
	}, opts...)
	require.NoError(t, err)
	return o
}

func critical(withdraw float64) risk.Report {
	return risk.Report{
		AlertLevel:        policy.AlertCritical,
		Triggers:          []policy.Trigger{{Name: policy.TriggerDepegCritical, Severity: policy.AlertCritical}},
		RecommendedAction: risk.ActionWithdrawAll,
		WithdrawAmount:    &withdraw,
		Urgency:           risk.UrgencyHigh,
	}
}

func TestEmergencyModeWithdrawsWithoutAnalysis(t *testing.T) {
	f := newFixture()
	planner := &scriptedPlanner{}
	o := f.orchestrator(t, planner)

	d, err := o.Run(context.Background(), Request{Mode: ModeEmergency})
	require.NoError(t, err)
	require.Equal(t, ActionWithdraw, d.Action)
	require.Equal(t, 1.0, d.Confidence)
	require.NotNil(t, d.Command)
	require.Equal(t, 800_000.0, d.Command.Amount)
	require.False(t, d.Command.Executed)
	require.Zero(t, f.risk.calls.Load())
	require.Zero(t, f.liquidity.calls.Load())
	require.Zero(t, planner.started.Load())
	require.Empty(t, d.ReportsAnalyzed)
}

func TestLowBalanceHoldsRegardlessOfOverride(t *testing.T) {
	f := newFixture()
	f.ledger.balance = 5_000
	o := f.orchestrator(t, &scriptedPlanner{})

	d, err := o.Run(context.Background(), Request{
		Override: &Override{ForceAction: ActionAllocate, Reason: "deploy anyway"},
	})
	require.NoError(t, err)
	require.Equal(t, ActionHold, d.Action)
	require.Nil(t, d.Command)
	require.Contains(t, strings.Join(d.Reasoning, "\n"), "User override ALLOCATE ignored")
	require.Zero(t, f.risk.calls.Load())
	require.Zero(t, f.allocator.calls.Load())
}

func TestStaticPlannerAllocates(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, StaticPlanner{}, WithChainObserver(stubChain{}))

	d, err := o.Run(context.Background(), Request{CycleID: "cycle-1"})
	require.NoError(t, err)
	require.Equal(t, ActionAllocate, d.Action)
	require.InDelta(t, 0.5+0.3*0.8+0.2, d.Confidence, 1e-9)
	require.Equal(t, "cycle-1", d.CycleID)
	require.Equal(t, []string{reportRisk, reportLiquidity, reportAllocation}, sortedReports(d.ReportsAnalyzed))

	req := f.allocator.last
	require.Equal(t, 400_000.0, req.Proposal.TotalAmount)
	require.Equal(t, 200_000.0, req.Proposal.TierA.Amount)
	require.Equal(t, "SafeVault", req.Proposal.TierA.Target)
	require.Equal(t, "Aave", req.Proposal.TierB.Target)

	require.True(t, d.Command.Executed)
	require.Equal(t, []string{"0xa", "0xb"}, d.Command.TxHashes)
	require.Contains(t, d.Reasoning[len(d.Reasoning)-1], "Chain sim (id 1337) at block 42")
	require.Equal(t, 3, d.Iterations)
}

func TestRiskAndCashflowRunInParallel(t *testing.T) {
	f := newFixture()
	b := newBarrier(2)
	f.risk.barrier = b
	f.liquidity.barrier = b
	f.liquidity.report.EffectiveDeployable = 0
	o := f.orchestrator(t, StaticPlanner{})

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, int32(1), f.risk.calls.Load())
	require.Equal(t, int32(1), f.liquidity.calls.Load())
}

func TestCriticalRiskWithdraws(t *testing.T) {
	f := newFixture()
	f.risk.report = critical(800_000)
	o := f.orchestrator(t, StaticPlanner{})

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionWithdraw, d.Action)
	require.InDelta(t, 0.5+0.3*0.8, d.Confidence, 1e-9)
	require.Zero(t, f.allocator.calls.Load())

	require.Len(t, f.executor.withdraws, 1)
	require.Equal(t, 800_000.0, f.executor.withdraws[0].amount)
	require.Equal(t, "high", f.executor.withdraws[0].urgency)
	require.True(t, d.Command.Executed)
	require.Equal(t, []string{"0xwithdraw"}, d.Command.TxHashes)
}

func TestCriticalWithdrawAmountZeroMeansAllDeployed(t *testing.T) {
	t.Run("static planner records moved amount", func(t *testing.T) {
		f := newFixture()
		f.risk.report = critical(0)
		d, err := f.orchestrator(t, StaticPlanner{}).Run(context.Background(), Request{})
		require.NoError(t, err)
		require.Equal(t, ActionWithdraw, d.Action)
		require.Len(t, f.executor.withdraws, 1)
		require.Equal(t, 800_000.0, f.executor.withdraws[0].amount)
		require.True(t, d.Command.Executed)
		require.Equal(t, 800_000.0, d.Command.Amount)
	})

	t.Run("unexecuted command carries deployed amount", func(t *testing.T) {
		f := newFixture()
		f.risk.report = critical(0)
		planner := &scriptedPlanner{steps: []Step{
			{Invocations: []Invocation{call("r", ToolCheckRisks, nil)}},
		}}
		d, err := f.orchestrator(t, planner).Run(context.Background(), Request{})
		require.NoError(t, err)
		require.Equal(t, ActionWithdraw, d.Action)
		require.False(t, d.Command.Executed)
		require.Equal(t, 800_000.0, d.Command.Amount)
	})
}

func TestReportsAnalyzedOrderIsStable(t *testing.T) {
	f := newFixture()
	planner := &scriptedPlanner{steps: []Step{
		{Invocations: []Invocation{call("c", ToolAnalyzeCashflow, nil)}},
		{Invocations: []Invocation{call("r", ToolCheckRisks, nil)}},
	}}
	d, err := f.orchestrator(t, planner).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, []string{reportRisk, reportLiquidity}, d.ReportsAnalyzed)
}

func TestCriticalRiskWinsOverLiquidity(t *testing.T) {
	f := newFixture()
	f.risk.report = critical(300_000)
	f.liquidity.report.EffectiveDeployable = 0
	planner := &scriptedPlanner{steps: []Step{
		{Invocations: []Invocation{call("1", ToolCheckRisks, map[string]any{}), call("2", ToolAnalyzeCashflow, map[string]any{})}},
	}}
	o := f.orchestrator(t, planner)

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionWithdraw, d.Action)
	require.Equal(t, 300_000.0, d.Command.Amount)
	require.False(t, d.Command.Executed)
}

func TestLowDeployableHolds(t *testing.T) {
	f := newFixture()
	f.liquidity.report.EffectiveDeployable = 20_000
	o := f.orchestrator(t, StaticPlanner{})

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionHold, d.Action)
	require.Zero(t, f.allocator.calls.Load())
}

func TestMutationGuards(t *testing.T) {
	f := newFixture()
	f.risk.report = critical(800_000)
	allocate := call("a", ToolExecuteAllocation, executeAllocationArgs{TotalAmount: 100_000, TierAAmount: 60_000, TierBAmount: 40_000, TierBTarget: "Aave"})
	withdraw := call("w", ToolExecuteWithdrawal, executeWithdrawalArgs{Amount: 0, Urgency: "high", Reason: "depeg"})
	planner := &scriptedPlanner{steps: []Step{
		{Invocations: []Invocation{allocate}},
		{Invocations: []Invocation{call("r", ToolCheckRisks, map[string]any{"checkDepth": "quick"})}},
		{Invocations: []Invocation{allocate}},
		{Invocations: []Invocation{withdraw}},
		{Invocations: []Invocation{withdraw}},
	}}
	o := f.orchestrator(t, planner)

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionWithdraw, d.Action)
	require.Len(t, planner.seen, 5)

	require.Contains(t, planner.seen[0][0].Error, "before a risk check")
	require.False(t, planner.seen[1][0].Failed())
	require.Contains(t, planner.seen[2][0].Error, "CRITICAL")
	require.False(t, planner.seen[3][0].Failed())
	require.Contains(t, planner.seen[4][0].Error, "already moved")

	require.Len(t, f.executor.withdraws, 1)
	require.Equal(t, 800_000.0, f.executor.withdraws[0].amount)
	require.Zero(t, f.allocator.calls.Load())
}

func TestAllocationGuardsOnLiquidity(t *testing.T) {
	f := newFixture()
	allocate := call("a", ToolExecuteAllocation, executeAllocationArgs{TotalAmount: 500_000, TierAAmount: 300_000, TierBAmount: 200_000, TierBTarget: "Aave"})
	planner := &scriptedPlanner{steps: []Step{
		{Invocations: []Invocation{call("r", ToolCheckRisks, nil)}},
		{Invocations: []Invocation{allocate}},
		{Invocations: []Invocation{call("c", ToolAnalyzeCashflow, map[string]any{"analysisPeriod": 60})}},
		{Invocations: []Invocation{allocate}},
	}}
	o := f.orchestrator(t, planner)

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Contains(t, planner.seen[1][0].Error, "before cash flow")
	require.Contains(t, planner.seen[3][0].Error, "exceeds effective deployable")
	require.Zero(t, f.allocator.calls.Load())
	require.Equal(t, ActionHold, d.Action)
}

func TestPolicyRejectionIsToolError(t *testing.T) {
	f := newFixture()
	f.allocator.outcome = allocation.Outcome{Validation: allocation.Result{ValidationResult: policy.ValidationResult{
		Passed:     false,
		Violations: []string{"Tier A allocation 10.0% below minimum 50.0%"},
	}}}
	planner := &scriptedPlanner{steps: []Step{
		{Invocations: []Invocation{call("r", ToolCheckRisks, nil), call("c", ToolAnalyzeCashflow, nil)}},
		{Invocations: []Invocation{call("a", ToolExecuteAllocation, executeAllocationArgs{TotalAmount: 100_000, TierAAmount: 10_000, TierBAmount: 90_000, TierBTarget: "Aave"})}},
	}}
	o := f.orchestrator(t, planner)

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionHold, d.Action)
	require.Contains(t, planner.seen[1][0].Error, "POLICY_REJECTION")
	require.Contains(t, d.ReportsAnalyzed, reportAllocation)
}

func TestInvalidToolCalls(t *testing.T) {
	f := newFixture()
	planner := &scriptedPlanner{steps: []Step{
		{Invocations: []Invocation{
			call("x", "launch_rockets", nil),
			call("r", ToolCheckRisks, map[string]any{"checkDepth": "deep"}),
			{ID: "w", Tool: ToolExecuteWithdrawal, Arguments: []byte(`{"amount": "lots"}`)},
		}},
	}}
	o := f.orchestrator(t, planner)

	_, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, planner.seen, 1)
	for _, res := range planner.seen[0] {
		require.True(t, res.Failed(), "expected %s to fail", res.Tool)
		require.Contains(t, res.Error, "INVALID_ARGUMENT")
	}
	require.Zero(t, f.risk.calls.Load())
	require.Empty(t, f.executor.withdraws)
}

func TestIterationsExhausted(t *testing.T) {
	f := newFixture()
	planner := &scriptedPlanner{repeat: &Step{Invocations: []Invocation{call("r", ToolCheckRisks, map[string]any{"checkDepth": "quick"})}}}
	o := f.orchestrator(t, planner)

	d, err := o.Run(context.Background(), Request{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeIterationsExhausted), "got %v", err)
	require.NotNil(t, d)
	require.Equal(t, ActionHold, d.Action)
	require.Zero(t, d.Confidence)
	require.Equal(t, MaxIterations, d.Iterations)
	require.Equal(t, int32(MaxIterations), f.risk.calls.Load())
}

func TestProviderFailureHolds(t *testing.T) {
	f := newFixture()
	f.ledger.balanceErr = errors.New("connection refused")
	o := f.orchestrator(t, StaticPlanner{})

	d, err := o.Run(context.Background(), Request{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeDataProviderUnavailable), "got %v", err)
	require.Equal(t, ActionHold, d.Action)
	require.Zero(t, d.Confidence)
}

func TestOracleUnavailableFailsCycle(t *testing.T) {
	f := newFixture()
	f.risk.err = xerrors.New(xerrors.CodeOracleUnavailable, "upstream 503")
	o := f.orchestrator(t, StaticPlanner{})

	d, err := o.Run(context.Background(), Request{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeOracleUnavailable), "got %v", err)
	require.Equal(t, ActionHold, d.Action)
	require.Zero(t, d.Confidence)
	require.Zero(t, f.allocator.calls.Load())
}

func TestPanicHolds(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(t, &scriptedPlanner{panics: true})

	d, err := o.Run(context.Background(), Request{})
	require.Error(t, err)
	require.NotNil(t, d)
	require.Equal(t, ActionHold, d.Action)
	require.Zero(t, d.Confidence)
	require.Contains(t, d.Reasoning[0], "planner exploded")
}

func TestOverrideHandling(t *testing.T) {
	t.Run("withdraw confirmed during critical", func(t *testing.T) {
		f := newFixture()
		f.risk.report = critical(800_000)
		d, err := f.orchestrator(t, StaticPlanner{}).Run(context.Background(), Request{
			Override: &Override{ForceAction: ActionWithdraw, Reason: "board request"},
		})
		require.NoError(t, err)
		require.Equal(t, ActionWithdraw, d.Action)
		require.Contains(t, d.Reasoning, "User override WITHDRAW confirmed: board request")
	})

	t.Run("allocate rejected during critical", func(t *testing.T) {
		f := newFixture()
		f.risk.report = critical(800_000)
		d, err := f.orchestrator(t, StaticPlanner{}).Run(context.Background(), Request{
			Override: &Override{ForceAction: ActionAllocate, Reason: "yield"},
		})
		require.NoError(t, err)
		require.Equal(t, ActionWithdraw, d.Action)
		require.Contains(t, d.Reasoning, "User override ALLOCATE rejected: CRITICAL risk requires WITHDRAW")
	})

	t.Run("hold honoured by static planner", func(t *testing.T) {
		f := newFixture()
		d, err := f.orchestrator(t, StaticPlanner{}).Run(context.Background(), Request{
			Override: &Override{ForceAction: ActionHold, Reason: "wait"},
		})
		require.NoError(t, err)
		require.Equal(t, ActionHold, d.Action)
		require.Nil(t, d.Command)
		require.Zero(t, f.allocator.calls.Load())
		require.Contains(t, d.Reasoning, "User override HOLD confirmed: wait")
	})

	t.Run("hold rejected after capital moved", func(t *testing.T) {
		f := newFixture()
		planner := &scriptedPlanner{steps: []Step{
			{Invocations: []Invocation{call("r", ToolCheckRisks, nil), call("c", ToolAnalyzeCashflow, nil)}},
			{Invocations: []Invocation{call("a", ToolExecuteAllocation, executeAllocationArgs{TotalAmount: 400_000, TierAAmount: 200_000, TierBAmount: 200_000, TierBTarget: "Aave"})}},
		}}
		d, err := f.orchestrator(t, planner).Run(context.Background(), Request{
			Override: &Override{ForceAction: ActionHold, Reason: "wait"},
		})
		require.NoError(t, err)
		require.Equal(t, ActionAllocate, d.Action)
		require.Contains(t, d.Reasoning, "User override HOLD rejected: capital already moved this cycle")
	})

	t.Run("rebalance rejected", func(t *testing.T) {
		f := newFixture()
		f.liquidity.report.EffectiveDeployable = 0
		d, err := f.orchestrator(t, StaticPlanner{}).Run(context.Background(), Request{
			Override: &Override{ForceAction: ActionRebalance},
		})
		require.NoError(t, err)
		require.Equal(t, ActionHold, d.Action)
		require.Contains(t, strings.Join(d.Reasoning, "\n"), "User override REBALANCE rejected")
	})
}

func TestOracleSteeringLoop(t *testing.T) {
	f := newFixture()
	f.liquidity.report.EffectiveDeployable = 20_000
	client := &stubToolClient{replies: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: ToolCheckRisks, Arguments: `{"checkDepth":"thorough"}`},
			{ID: "call-2", Name: ToolAnalyzeCashflow, Arguments: `{}`},
		}},
		{Role: llm.RoleAssistant, Content: "Summary\n1. Risk is NONE\n2. Deployable is below $50,000\n3. Holding"},
	}}
	o := f.orchestrator(t, NewOracleSteering(client))

	d, err := o.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, ActionHold, d.Action)
	require.Equal(t, []string{"1. Risk is NONE", "2. Deployable is below $50,000", "3. Holding"}, d.Reasoning[:3])
	require.Equal(t, 2, d.Iterations)

	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	require.Len(t, second, 5)
	require.Equal(t, llm.RoleTool, second[3].Role)
	require.Equal(t, "call-1", second[3].ToolCallID)
	require.Equal(t, "call-2", second[4].ToolCallID)
	require.Len(t, client.requests[0].Tools, 4)
}

func TestOracleSteeringFailure(t *testing.T) {
	f := newFixture()
	client := &stubToolClient{err: errors.New("dial tcp: refused")}
	d, err := f.orchestrator(t, NewOracleSteering(client)).Run(context.Background(), Request{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeOracleUnavailable), "got %v", err)
	require.Equal(t, ActionHold, d.Action)
}

func sortedReports(in []string) []string {
	order := map[string]int{reportRisk: 0, reportLiquidity: 1, reportAllocation: 2, reportWithdrawal: 3}
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && order[out[j]] < order[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
