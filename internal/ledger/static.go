package ledger

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/liquidity"
	"Treasury-Autopilot/internal/policy"
)

// Market 是夹具中的行情部分。
type Market struct {
	Peg       float64                 `yaml:"peg"`
	PegSource string                  `yaml:"peg_source"`
	Protocols []policy.ProtocolHealth `yaml:"protocols"`
}

// Fixture 描述一份完整的账本快照。
type Fixture struct {
	AsOf         time.Time                       `yaml:"as_of"`
	Balance      float64                         `yaml:"balance"`
	Allocations  Allocations                     `yaml:"allocations"`
	Market       Market                          `yaml:"market"`
	Transactions []liquidity.Transaction         `yaml:"transactions"`
	Recurring    []liquidity.RecurringObligation `yaml:"recurring"`
}

// LoadFixture 从 YAML 文件读取夹具。
func LoadFixture(path string) (Fixture, error) {
	if strings.TrimSpace(path) == "" {
		return Fixture{}, fmt.Errorf("账本夹具路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("读取账本夹具失败: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(content, &f); err != nil {
		return Fixture{}, fmt.Errorf("解析账本夹具失败: %w", err)
	}
	return f, nil
}

// StaticProvider 基于内存夹具提供数据，可在运行期替换快照。
type StaticProvider struct {
	mu      sync.RWMutex
	fixture Fixture
	now     func() time.Time
}

// NewStaticProvider 使用夹具创建数据源。
func NewStaticProvider(f Fixture) *StaticProvider {
	return &StaticProvider{fixture: f, now: time.Now}
}

// LoadStaticProvider 读取 YAML 夹具并创建数据源。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	f, err := LoadFixture(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDataProviderUnavailable, err, "加载账本夹具失败")
	}
	return NewStaticProvider(f), nil
}

// Replace 替换当前快照。
func (p *StaticProvider) Replace(f Fixture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixture = f
}

// Fixture 返回当前快照的副本。
func (p *StaticProvider) Fixture() Fixture {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fixture
}

// CurrentBalance 返回金库余额。
func (p *StaticProvider) CurrentBalance(context.Context) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fixture.Balance, nil
}

// CurrentAllocations 返回资金分布。
func (p *StaticProvider) CurrentAllocations(context.Context) (Allocations, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fixture.Allocations, nil
}

// HistoricalTransactions 返回 as_of 之前 periodDays 天内的流水，按日期升序。
func (p *StaticProvider) HistoricalTransactions(_ context.Context, periodDays int) ([]liquidity.Transaction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	asOf := p.asOf()
	since := asOf.AddDate(0, 0, -periodDays)

	out := make([]liquidity.Transaction, 0, len(p.fixture.Transactions))
	for _, tx := range p.fixture.Transactions {
		if tx.Date.Before(since) || tx.Date.After(asOf) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// RecurringObligations 返回周期性支出计划。
func (p *StaticProvider) RecurringObligations(context.Context) ([]liquidity.RecurringObligation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]liquidity.RecurringObligation(nil), p.fixture.Recurring...), nil
}

// MarketMetrics 返回行情快照，组合信息来自资金分布。
func (p *StaticProvider) MarketMetrics(context.Context) (policy.Metrics, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f := p.fixture
	return policy.Metrics{
		Peg:        f.Market.Peg,
		PegSource:  f.Market.PegSource,
		Protocols:  append([]policy.ProtocolHealth(nil), f.Market.Protocols...),
		Portfolio:  portfolio(f.Allocations),
		ObservedAt: p.asOf(),
	}, nil
}

func (p *StaticProvider) asOf() time.Time {
	if !p.fixture.AsOf.IsZero() {
		return p.fixture.AsOf
	}
	return p.now().UTC()
}

func portfolio(a Allocations) policy.Portfolio {
	return policy.Portfolio{
		TotalDeployed: a.Deployed(),
		TierA:         a.TierA,
		TierB:         a.TierB,
		LiquidBalance: a.Liquid,
	}
}

var _ Provider = (*StaticProvider)(nil)
