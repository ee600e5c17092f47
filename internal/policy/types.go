package policy

import (
	"fmt"
	"math"
	"time"
)

// AlertLevel 表示风险告警级别，CRITICAL > WARNING > NONE。
type AlertLevel string

const (
	AlertNone     AlertLevel = "NONE"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Rank 返回告警级别的序号，未知值视为 NONE。
func (l AlertLevel) Rank() int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	default:
		return 0
	}
}

// Valid 判断是否为已知的告警级别。
func (l AlertLevel) Valid() bool {
	switch l {
	case AlertNone, AlertWarning, AlertCritical:
		return true
	}
	return false
}

// MaxLevel 返回两个级别中更严重的一个。
func MaxLevel(a, b AlertLevel) AlertLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	if !a.Valid() {
		return AlertNone
	}
	return a
}

// Hard limits that apply regardless of the configured policy.
const (
	HardPegFloor           = 0.995
	TVLCrashPercent        = -50.0
	LiquidityCrisisRatio   = 0.10
	CriticalBalanceFloor   = 10_000.0
	MinimumWorthDeploying  = 50_000.0
	proposalTolerance      = 0.01
	defaultTierATarget     = "SafeVault"
	percentDisplayDecimals = 1
)

// Trigger 名称。
const (
	TriggerDepegCritical    = "DEPEG_CRITICAL"
	TriggerDepegWarning     = "DEPEG_WARNING"
	TriggerPegAboveMax      = "PEG_ABOVE_MAX"
	TriggerTVLCrash         = "TVL_CRASH"
	TriggerTVLDropWarning   = "TVL_DROP_WARNING"
	TriggerLiquidityCrisis  = "LIQUIDITY_CRISIS"
	TriggerLiquidityWarning = "LIQUIDITY_WARNING"
)

// Trigger 描述一次规则命中，创建后不可修改。
type Trigger struct {
	Name      string     `json:"name"`
	Severity  AlertLevel `json:"severity"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message"`
}

// ProtocolHealth 是单个协议的健康度记录。
type ProtocolHealth struct {
	Protocol        string  `json:"protocol" yaml:"protocol"`
	TVL             float64 `json:"tvl" yaml:"tvl"`
	TVLChange24h    float64 `json:"tvlChange24h" yaml:"tvl_change_24h"`
	LiquidityRatio  float64 `json:"liquidityRatio" yaml:"liquidity_ratio"`
	UtilizationRate float64 `json:"utilizationRate" yaml:"utilization_rate"`
}

// Portfolio 记录当前的资金分布。
type Portfolio struct {
	TotalDeployed float64 `json:"totalDeployed"`
	TierA         float64 `json:"tierA"`
	TierB         float64 `json:"tierB"`
	LiquidBalance float64 `json:"liquidBalance"`
}

// Metrics 是一次评估所用的行情快照。
type Metrics struct {
	Peg        float64          `json:"peg"`
	PegSource  string           `json:"pegSource,omitempty"`
	Protocols  []ProtocolHealth `json:"protocols"`
	Portfolio  Portfolio        `json:"portfolio"`
	ObservedAt time.Time        `json:"observedAt,omitempty"`
}

// Policy 是每个周期加载一次的只读阈值集合。
type Policy struct {
	PegMin               float64  `json:"pegMin" yaml:"peg_min"`
	PegMax               float64  `json:"pegMax" yaml:"peg_max"`
	TVLDropThreshold     float64  `json:"tvlDropThreshold" yaml:"tvl_drop_threshold"`
	LiquidityRatioMin    float64  `json:"liquidityRatioMin" yaml:"liquidity_ratio_min"`
	MinTierAPercent      float64  `json:"minTierAPercent" yaml:"min_tier_a_percent"`
	MaxTierBPercent      float64  `json:"maxTierBPercent" yaml:"max_tier_b_percent"`
	MinDeploymentAmount  float64  `json:"minDeploymentAmount" yaml:"min_deployment_amount"`
	MaxSingleTransaction float64  `json:"maxSingleTransaction" yaml:"max_single_transaction"`
	AllowedTargets       []string `json:"allowedTargets" yaml:"allowed_targets"`
}

// DefaultPolicy 返回默认的策略阈值。
func DefaultPolicy() Policy {
	return Policy{
		PegMin:               0.998,
		PegMax:               1.002,
		TVLDropThreshold:     35,
		LiquidityRatioMin:    0.15,
		MinTierAPercent:      0.5,
		MaxTierBPercent:      0.5,
		MinDeploymentAmount:  MinimumWorthDeploying,
		MaxSingleTransaction: 5_000_000,
		AllowedTargets:       []string{defaultTierATarget, "Aave", "Compound"},
	}
}

// Validate 检查阈值之间的基本一致性。
func (p Policy) Validate() error {
	switch {
	case p.PegMin <= 0 || p.PegMax <= 0:
		return fmt.Errorf("peg bounds must be positive")
	case p.PegMin > p.PegMax:
		return fmt.Errorf("peg_min %.4f is above peg_max %.4f", p.PegMin, p.PegMax)
	case p.TVLDropThreshold <= 0:
		return fmt.Errorf("tvl_drop_threshold must be positive")
	case p.LiquidityRatioMin < 0 || p.LiquidityRatioMin > 1:
		return fmt.Errorf("liquidity_ratio_min must be within [0,1]")
	case p.MinTierAPercent < 0 || p.MinTierAPercent > 1:
		return fmt.Errorf("min_tier_a_percent must be within [0,1]")
	case p.MaxTierBPercent < 0 || p.MaxTierBPercent > 1:
		return fmt.Errorf("max_tier_b_percent must be within [0,1]")
	case p.MinDeploymentAmount < 0:
		return fmt.Errorf("min_deployment_amount cannot be negative")
	case p.MaxSingleTransaction <= 0:
		return fmt.Errorf("max_single_transaction must be positive")
	case len(p.AllowedTargets) == 0:
		return fmt.Errorf("allowed_targets cannot be empty")
	}
	return nil
}

// Allows 判断目标是否在白名单中。
func (p Policy) Allows(target string) bool {
	for _, allowed := range p.AllowedTargets {
		if allowed == target {
			return true
		}
	}
	return false
}

// Tier 是资金分层中的一档。
type Tier struct {
	Amount  float64 `json:"amount"`
	Percent float64 `json:"percent"`
	Target  string  `json:"target"`
}

// Proposal 是一份资金部署方案，TierA.Amount + TierB.Amount == TotalAmount。
type Proposal struct {
	TotalAmount float64 `json:"totalAmount"`
	TierA       Tier    `json:"tierA"`
	TierB       Tier    `json:"tierB"`
}

// NewProposal 根据两档金额构造方案，并校验金额之和。
func NewProposal(total, tierAAmount, tierBAmount float64, tierATarget, tierBTarget string) (Proposal, error) {
	if total <= 0 || tierAAmount < 0 || tierBAmount < 0 {
		return Proposal{}, fmt.Errorf("proposal amounts must be positive")
	}
	if math.Abs(tierAAmount+tierBAmount-total) > proposalTolerance {
		return Proposal{}, fmt.Errorf("tier amounts %.2f + %.2f do not sum to total %.2f", tierAAmount, tierBAmount, total)
	}
	return Proposal{
		TotalAmount: total,
		TierA:       Tier{Amount: tierAAmount, Percent: tierAAmount / total, Target: tierATarget},
		TierB:       Tier{Amount: tierBAmount, Percent: tierBAmount / total, Target: tierBTarget},
	}, nil
}

// ValidationResult 是规则校验的结果，Passed=false 的方案不能进入执行。
type ValidationResult struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations"`
}

// RiskEvaluation 是 EvaluateRisk 的输出。
type RiskEvaluation struct {
	Level    AlertLevel `json:"alertLevel"`
	Triggers []Trigger  `json:"triggers"`
}

// Messages 返回所有触发项的描述。
func (r RiskEvaluation) Messages() []string {
	out := make([]string, 0, len(r.Triggers))
	for _, t := range r.Triggers {
		out = append(out, t.Message)
	}
	return out
}
