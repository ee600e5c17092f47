package risk

import (
	"strings"

	"Treasury-Autopilot/internal/policy"
)

// oracleAssessment 是推理服务返回的结构，所有字段都可能缺失。
type oracleAssessment struct {
	AlertLevel        *policy.AlertLevel `json:"alertLevel"`
	Triggers          []policy.Trigger   `json:"triggers"`
	RecommendedAction *Action            `json:"recommendedAction"`
	WithdrawAmount    *float64           `json:"withdrawAmount"`
	Urgency           *Urgency           `json:"urgency"`
	Reasoning         []string           `json:"reasoning"`
}

const (
	reasonCriticalDetected  = "CRITICAL condition detected by quick checks"
	reasonWithdrawForSafety = "Immediate withdrawal recommended for safety"
	reasonIncomplete        = "incomplete"
)

// fill 以规则检查结果为下限补全推理结果。
// 快速路径就是 fill(oracleAssessment{}, ...) 在 CRITICAL 下的结果。
func fill(raw oracleAssessment, eval policy.RiskEvaluation, metrics policy.Metrics) Report {
	report := Report{
		AlertLevel:     eval.Level,
		Triggers:       mergeTriggers(eval.Triggers, raw.Triggers),
		CurrentMetrics: summarize(metrics),
	}

	floorRaised := false
	if raw.AlertLevel != nil && raw.AlertLevel.Valid() {
		report.AlertLevel = policy.MaxLevel(eval.Level, *raw.AlertLevel)
		floorRaised = raw.AlertLevel.Rank() < eval.Level.Rank()
	}

	critical := eval.Level == policy.AlertCritical
	switch {
	case raw.RecommendedAction != nil && raw.RecommendedAction.valid():
		report.RecommendedAction = *raw.RecommendedAction
	case critical:
		report.RecommendedAction = ActionWithdrawAll
	default:
		report.RecommendedAction = ActionHold
	}

	switch {
	case raw.Urgency != nil && raw.Urgency.valid():
		report.Urgency = *raw.Urgency
	case critical:
		report.Urgency = UrgencyHigh
	default:
		report.Urgency = UrgencyLow
	}

	// 撤出全部或 CRITICAL 时金额 0 表示全部已部署资金。
	withdrawAll := report.RecommendedAction == ActionWithdrawAll || report.AlertLevel == policy.AlertCritical
	switch {
	case raw.WithdrawAmount != nil && *raw.WithdrawAmount > 0:
		amount := *raw.WithdrawAmount
		report.WithdrawAmount = &amount
	case withdrawAll:
		amount := metrics.Portfolio.TotalDeployed
		report.WithdrawAmount = &amount
	case raw.WithdrawAmount != nil && *raw.WithdrawAmount == 0:
		amount := 0.0
		report.WithdrawAmount = &amount
	}

	switch {
	case len(raw.Reasoning) > 0:
		report.Reasoning = append([]string(nil), raw.Reasoning...)
	case critical:
		report.Reasoning = []string{
			reasonCriticalDetected,
			reasonWithdrawForSafety,
			"Details: " + strings.Join(eval.Messages(), "; "),
		}
	default:
		report.Reasoning = []string{reasonIncomplete}
	}

	if floorRaised {
		report.Reasoning = append(report.Reasoning,
			"Oracle level "+string(*raw.AlertLevel)+" raised to quick-check level "+string(eval.Level))
	}
	return report
}

// mergeTriggers 保留规则触发项，并追加推理服务新增的同名之外的触发项。
func mergeTriggers(gate, extra []policy.Trigger) []policy.Trigger {
	out := make([]policy.Trigger, 0, len(gate)+len(extra))
	seen := make(map[string]struct{}, len(gate))
	for _, t := range gate {
		out = append(out, t)
		seen[t.Name] = struct{}{}
	}
	for _, t := range extra {
		if t.Name == "" || !t.Severity.Valid() || t.Severity == policy.AlertNone {
			continue
		}
		if _, ok := seen[t.Name]; ok {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out
}
