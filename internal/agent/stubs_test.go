package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"Treasury-Autopilot/internal/allocation"
	"Treasury-Autopilot/internal/execution"
	"Treasury-Autopilot/internal/ledger"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/internal/risk"
	"Treasury-Autopilot/internal/web3"
)

type stubLedger struct {
	balance    float64
	alloc      ledger.Allocations
	metrics    policy.Metrics
	balanceErr error
	metricsErr error
}

func (s *stubLedger) CurrentBalance(context.Context) (float64, error) {
	return s.balance, s.balanceErr
}

func (s *stubLedger) CurrentAllocations(context.Context) (ledger.Allocations, error) {
	return s.alloc, nil
}

func (s *stubLedger) HistoricalTransactions(context.Context, int) ([]liquidity.Transaction, error) {
	return nil, nil
}

func (s *stubLedger) RecurringObligations(context.Context) ([]liquidity.RecurringObligation, error) {
	return nil, nil
}

func (s *stubLedger) MarketMetrics(context.Context) (policy.Metrics, error) {
	return s.metrics, s.metricsErr
}

type stubRisk struct {
	report  risk.Report
	err     error
	calls   atomic.Int32
	barrier *barrier
}

func (s *stubRisk) Assess(ctx context.Context, _ risk.Input) (risk.Report, error) {
	s.calls.Add(1)
	if s.barrier != nil {
		if err := s.barrier.arrive(ctx); err != nil {
			return risk.Report{}, err
		}
	}
	return s.report, s.err
}

type stubLiquidity struct {
	report  liquidity.Report
	err     error
	calls   atomic.Int32
	barrier *barrier
}

func (s *stubLiquidity) Forecast(ctx context.Context, _ liquidity.Input) (liquidity.Report, error) {
	s.calls.Add(1)
	if s.barrier != nil {
		if err := s.barrier.arrive(ctx); err != nil {
			return liquidity.Report{}, err
		}
	}
	return s.report, s.err
}

type stubAllocator struct {
	outcome allocation.Outcome
	err     error
	calls   atomic.Int32
	last    allocation.Request
}

func (s *stubAllocator) Execute(_ context.Context, req allocation.Request) (allocation.Outcome, error) {
	s.calls.Add(1)
	s.last = req
	return s.outcome, s.err
}

type withdrawCall struct {
	amount  float64
	urgency string
	reason  string
}

type stubExecutor struct {
	mu        sync.Mutex
	withdraws []withdrawCall
}

func (s *stubExecutor) Deploy(context.Context, execution.Leg, execution.Leg) (execution.DeployResult, error) {
	return execution.DeployResult{}, nil
}

func (s *stubExecutor) Withdraw(_ context.Context, amount float64, urgency, reason string) (execution.WithdrawResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdraws = append(s.withdraws, withdrawCall{amount: amount, urgency: urgency, reason: reason})
	return execution.WithdrawResult{Receipt: "0xwithdraw", Status: execution.StatusConfirmed, Moved: amount}, nil
}

// barrier 要求两个调用同时到达，用于验证并行执行。
type barrier struct {
	wg sync.WaitGroup
}

func newBarrier(n int) *barrier {
	b := &barrier{}
	b.wg.Add(n)
	return b
}

func (b *barrier) arrive(ctx context.Context) error {
	b.wg.Done()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scriptedPlanner 依次返回预设的步骤，并记录每次收到的工具结果。
type scriptedPlanner struct {
	steps   []Step
	repeat  *Step
	started atomic.Int32
	seen    [][]ToolResult
	panics  bool
}

func (p *scriptedPlanner) Start(context.Context, CycleContext) (Session, error) {
	p.started.Add(1)
	return &scriptedSession{planner: p}, nil
}

type scriptedSession struct {
	planner *scriptedPlanner
	index   int
}

func (s *scriptedSession) Next(_ context.Context, results []ToolResult) (Step, error) {
	if s.planner.panics {
		panic("planner exploded")
	}
	if s.index > 0 {
		s.planner.seen = append(s.planner.seen, results)
	}
	if s.planner.repeat != nil {
		s.index++
		return *s.planner.repeat, nil
	}
	if s.index >= len(s.planner.steps) {
		return Step{Stop: true, Summary: "done"}, nil
	}
	step := s.planner.steps[s.index]
	s.index++
	return step, nil
}

func call(id, tool string, args any) Invocation {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return Invocation{ID: id, Tool: tool, Arguments: raw}
}

type stubChain struct{}

func (stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "sim", ChainID: "1337", BlockNumber: "42"}, nil
}

type stubToolClient struct {
	replies  []llm.Message
	requests []llm.ChatRequest
	err      error
}

func (s *stubToolClient) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return nil, nil
}

func (s *stubToolClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.Message, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.requests) > len(s.replies) {
		return &llm.Message{Role: llm.RoleAssistant, Content: "1. out of script"}, nil
	}
	msg := s.replies[len(s.requests)-1]
	return &msg, nil
}
