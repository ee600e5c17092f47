package policy

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dustin/go-humanize"
)

// EvaluateRisk 对行情快照执行快速规则检查。
//
// 触发项按评估顺序产生：先锚定价格，再逐个协议检查 TVL 与流动性。
// 告警级别只升不降，但所有触发项都会被收集。
func EvaluateRisk(m Metrics, p Policy) RiskEvaluation {
	eval := RiskEvaluation{Level: AlertNone, Triggers: []Trigger{}}
	add := func(t Trigger) {
		eval.Triggers = append(eval.Triggers, t)
		eval.Level = MaxLevel(eval.Level, t.Severity)
	}

	switch {
	case m.Peg < HardPegFloor:
		add(Trigger{
			Name:      TriggerDepegCritical,
			Severity:  AlertCritical,
			Value:     m.Peg,
			Threshold: HardPegFloor,
			Message:   fmt.Sprintf("Peg at %s is below the hard floor %s", peg(m.Peg), peg(HardPegFloor)),
		})
	case m.Peg < p.PegMin:
		add(Trigger{
			Name:      TriggerDepegWarning,
			Severity:  AlertWarning,
			Value:     m.Peg,
			Threshold: p.PegMin,
			Message:   fmt.Sprintf("Peg at %s is below policy minimum %s", peg(m.Peg), peg(p.PegMin)),
		})
	case p.PegMax > 0 && m.Peg > p.PegMax:
		add(Trigger{
			Name:      TriggerPegAboveMax,
			Severity:  AlertWarning,
			Value:     m.Peg,
			Threshold: p.PegMax,
			Message:   fmt.Sprintf("Peg at %s is above policy maximum %s", peg(m.Peg), peg(p.PegMax)),
		})
	}

	for _, proto := range m.Protocols {
		if t, ok := tvlTrigger(proto, p); ok {
			add(t)
		}
		if t, ok := liquidityTrigger(proto, p); ok {
			add(t)
		}
	}
	return eval
}

func tvlTrigger(proto ProtocolHealth, p Policy) (Trigger, bool) {
	change := proto.TVLChange24h
	if change < TVLCrashPercent {
		return Trigger{
			Name:      TriggerTVLCrash,
			Severity:  AlertCritical,
			Value:     change,
			Threshold: TVLCrashPercent,
			Message:   fmt.Sprintf("%s TVL crashed %s in 24h", proto.Protocol, pct(change)),
		}, true
	}
	if math.Abs(change) > p.TVLDropThreshold {
		return Trigger{
			Name:      TriggerTVLDropWarning,
			Severity:  AlertWarning,
			Value:     change,
			Threshold: -p.TVLDropThreshold,
			Message:   fmt.Sprintf("%s TVL moved %s in 24h (limit ±%s)", proto.Protocol, pct(change), pct(p.TVLDropThreshold)),
		}, true
	}
	return Trigger{}, false
}

func liquidityTrigger(proto ProtocolHealth, p Policy) (Trigger, bool) {
	ratio := proto.LiquidityRatio
	if ratio < LiquidityCrisisRatio {
		return Trigger{
			Name:      TriggerLiquidityCrisis,
			Severity:  AlertCritical,
			Value:     ratio,
			Threshold: LiquidityCrisisRatio,
			Message:   fmt.Sprintf("%s liquidity ratio %s is below crisis level %s", proto.Protocol, share(ratio), share(LiquidityCrisisRatio)),
		}, true
	}
	if ratio < p.LiquidityRatioMin {
		return Trigger{
			Name:      TriggerLiquidityWarning,
			Severity:  AlertWarning,
			Value:     ratio,
			Threshold: p.LiquidityRatioMin,
			Message:   fmt.Sprintf("%s liquidity ratio %s is below policy minimum %s", proto.Protocol, share(ratio), share(p.LiquidityRatioMin)),
		}, true
	}
	return Trigger{}, false
}

// EvaluateLiquidityGate 判断金库余额是否低于临界值，低于时必须立即 HOLD。
func EvaluateLiquidityGate(treasuryBalance float64) bool {
	return treasuryBalance < CriticalBalanceFloor
}

// EvaluateAllocation 按固定顺序校验部署方案，收集全部违规项后再给出结论。
func EvaluateAllocation(prop Proposal, p Policy, balance float64) ValidationResult {
	violations := []string{}
	if prop.TotalAmount < p.MinDeploymentAmount {
		violations = append(violations, fmt.Sprintf("Total amount %s below minimum deployment %s", Money(prop.TotalAmount), Money(p.MinDeploymentAmount)))
	}
	if prop.TierA.Percent < p.MinTierAPercent {
		violations = append(violations, fmt.Sprintf("Tier A allocation %s under required %s", share(prop.TierA.Percent), share(p.MinTierAPercent)))
	}
	if prop.TierB.Percent > p.MaxTierBPercent {
		violations = append(violations, fmt.Sprintf("Tier B allocation %s exceeds maximum %s", share(prop.TierB.Percent), share(p.MaxTierBPercent)))
	}
	if prop.TierA.Amount > p.MaxSingleTransaction {
		violations = append(violations, fmt.Sprintf("Tier A amount %s exceeds max single transaction %s", Money(prop.TierA.Amount), Money(p.MaxSingleTransaction)))
	}
	if prop.TierB.Amount > p.MaxSingleTransaction {
		violations = append(violations, fmt.Sprintf("Tier B amount %s exceeds max single transaction %s", Money(prop.TierB.Amount), Money(p.MaxSingleTransaction)))
	}
	if prop.TotalAmount > balance {
		violations = append(violations, fmt.Sprintf("Total amount %s exceeds available balance %s", Money(prop.TotalAmount), Money(balance)))
	}
	if !p.Allows(prop.TierA.Target) {
		violations = append(violations, fmt.Sprintf("Tier A target %q is not an allowed target", prop.TierA.Target))
	}
	if !p.Allows(prop.TierB.Target) {
		violations = append(violations, fmt.Sprintf("Tier B target %q is not an allowed target", prop.TierB.Target))
	}
	return ValidationResult{Passed: len(violations) == 0, Violations: violations}
}

// Money 以 $1,234,567.89 的格式输出金额。
func Money(v float64) string {
	if v < 0 {
		return "-$" + humanize.CommafWithDigits(-v, 2)
	}
	return "$" + humanize.CommafWithDigits(v, 2)
}

func share(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', percentDisplayDecimals, 64) + "%"
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', percentDisplayDecimals, 64) + "%"
}

func peg(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
