package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"Treasury-Autopilot/pkg/logger"
)

// Call 记录一次模拟执行请求。
type Call struct {
	Kind    string
	TierA   Leg
	TierB   Leg
	Amount  float64
	Urgency string
	Reason  string
}

// DryRun 只记录请求而不移动资金，用于模拟模式。
type DryRun struct {
	mu    sync.Mutex
	calls []Call
	log   *slog.Logger
}

// NewDryRun 创建模拟执行器。
func NewDryRun() *DryRun {
	return &DryRun{log: logger.Named("execution.dryrun")}
}

// Deploy 记录部署请求。
func (d *DryRun) Deploy(_ context.Context, tierA, tierB Leg) (DeployResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Kind: "deploy", TierA: tierA, TierB: tierB})
	d.mu.Unlock()

	result := DeployResult{Status: StatusSimulated, Moved: tierA.Amount + tierB.Amount}
	for _, leg := range []Leg{tierA, tierB} {
		if leg.Amount > 0 {
			result.Receipts = append(result.Receipts, "dryrun-"+uuid.NewString())
		}
	}
	d.log.Info("模拟部署",
		slog.String("tier_a_target", tierA.Target), slog.Float64("tier_a", tierA.Amount),
		slog.String("tier_b_target", tierB.Target), slog.Float64("tier_b", tierB.Amount))
	return result, nil
}

// Withdraw 记录撤资请求。
func (d *DryRun) Withdraw(_ context.Context, amount float64, urgency, reason string) (WithdrawResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Kind: "withdraw", Amount: amount, Urgency: urgency, Reason: reason})
	d.mu.Unlock()

	d.log.Info("模拟撤资", slog.Float64("amount", amount), slog.String("urgency", urgency), slog.String("reason", reason))
	return WithdrawResult{Receipt: "dryrun-" + uuid.NewString(), Status: StatusSimulated, Moved: amount}, nil
}

// Calls 返回已记录的请求。
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

var _ Executor = (*DryRun)(nil)
