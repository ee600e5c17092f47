// Package ledger supplies treasury balances, allocations, cash-flow history
// and market metrics to the decision cycle. A YAML fixture backs local and
// simulation runs; a SQL database backs production.
package ledger

import (
	"context"

	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/policy"
)

// Allocations 是当前资金分布。
type Allocations struct {
	TierA  float64 `json:"tierA" yaml:"tier_a"`
	TierB  float64 `json:"tierB" yaml:"tier_b"`
	Liquid float64 `json:"liquid" yaml:"liquid"`
}

// Deployed 返回已部署的资金合计。
func (a Allocations) Deployed() float64 {
	return a.TierA + a.TierB
}

// Provider 是账本与行情数据源，失败时返回 DATA_PROVIDER_UNAVAILABLE。
type Provider interface {
	CurrentBalance(ctx context.Context) (float64, error)
	CurrentAllocations(ctx context.Context) (Allocations, error)
	HistoricalTransactions(ctx context.Context, periodDays int) ([]liquidity.Transaction, error)
	RecurringObligations(ctx context.Context) ([]liquidity.RecurringObligation, error)
	MarketMetrics(ctx context.Context) (policy.Metrics, error)
}
