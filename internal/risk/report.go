package risk

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"Treasury-Autopilot/internal/policy"
)

// Action 是风险报告推荐的动作。
type Action string

const (
	ActionHold            Action = "HOLD"
	ActionWithdrawPartial Action = "WITHDRAW_PARTIAL"
	ActionWithdrawAll     Action = "WITHDRAW_ALL"
)

func (a Action) valid() bool {
	switch a {
	case ActionHold, ActionWithdrawPartial, ActionWithdrawAll:
		return true
	}
	return false
}

// Urgency 表示处置的紧急程度。
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

func (u Urgency) valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// Depth 控制评估深度。
type Depth string

const (
	// DepthQuick 只执行规则检查。
	DepthQuick Depth = "quick"
	// DepthThorough 在规则检查之后请求推理服务。
	DepthThorough Depth = "thorough"
)

// CurrentMetrics 是报告附带的行情摘要。
type CurrentMetrics struct {
	Peg               float64 `json:"peg"`
	AvgTVLChange      float64 `json:"avgTvlChange"`
	MinLiquidityRatio float64 `json:"minLiquidityRatio"`
}

// Report 是一次风险评估的结果。
type Report struct {
	AlertLevel        policy.AlertLevel `json:"alertLevel"`
	Triggers          []policy.Trigger  `json:"triggers"`
	RecommendedAction Action            `json:"recommendedAction"`
	WithdrawAmount    *float64          `json:"withdrawAmount,omitempty"`
	Urgency           Urgency           `json:"urgency"`
	Reasoning         []string          `json:"reasoning"`
	CurrentMetrics    CurrentMetrics    `json:"currentMetrics"`
}

// TriggerNames 返回触发项名称，用于告警历史与知识检索。
func (r Report) TriggerNames() []string {
	names := make([]string, 0, len(r.Triggers))
	for _, t := range r.Triggers {
		names = append(names, t.Name)
	}
	return names
}

func summarize(m policy.Metrics) CurrentMetrics {
	cm := CurrentMetrics{Peg: m.Peg}
	if len(m.Protocols) == 0 {
		return cm
	}
	changes := make([]float64, len(m.Protocols))
	ratios := make([]float64, len(m.Protocols))
	for i, p := range m.Protocols {
		changes[i] = p.TVLChange24h
		ratios[i] = p.LiquidityRatio
	}
	cm.AvgTVLChange = stat.Mean(changes, nil)
	cm.MinLiquidityRatio = floats.Min(ratios)
	return cm
}
