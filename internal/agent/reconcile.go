package agent

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"Treasury-Autopilot/internal/policy"
)

const (
	maxReasoningSteps  = 10
	maxSummaryLength   = 200
	vaultCommandTarget = "vaults"
)

func (r *cycleRun) emergencyDecision() *Decision {
	amount := r.cycle.Allocations.Deployed()
	d := r.newDecision(ActionWithdraw, 1.0)
	d.Summary = "Emergency mode activated, immediate withdrawal of all positions"
	d.Reasoning = []string{
		"Emergency mode detected",
		"Skipping analysis for speed",
		fmt.Sprintf("Withdrawing all deployed capital: %s", policy.Money(amount)),
	}
	d.Command = &Command{
		Type:    CommandWithdraw,
		Target:  vaultCommandTarget,
		Amount:  amount,
		Urgency: "high",
	}
	r.ignoreOverride(d, "emergency mode")
	return d
}

func (r *cycleRun) lowBalanceDecision() *Decision {
	d := r.newDecision(ActionHold, 1.0)
	d.Summary = "Treasury balance critically low, holding all positions"
	d.Reasoning = []string{
		fmt.Sprintf("Treasury balance %s is below the critical floor %s",
			policy.Money(r.cycle.Balance), policy.Money(policy.CriticalBalanceFloor)),
		"Holding all positions",
	}
	r.ignoreOverride(d, "critically low balance")
	return d
}

func (r *cycleRun) ignoreOverride(d *Decision, why string) {
	if o := r.req.Override; o != nil && o.ForceAction != "" {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("User override %s ignored due to %s", o.ForceAction, why))
	}
}

// reconcile 按优先级将累积的报告归并为一个决策：
// CRITICAL 风险撤资 > 可部署金额不足持有 > 已执行的部署 > 已执行的撤资 > 持有。
func (r *cycleRun) reconcile() *Decision {
	d := r.newDecision(ActionHold, r.confidence())
	d.Summary = summarize(r.summary)
	d.Reasoning = extractReasoning(r.summary)

	switch {
	case r.risk != nil && r.risk.AlertLevel == policy.AlertCritical:
		amount := r.cycle.Allocations.Deployed()
		switch {
		case r.withdrawal != nil:
			amount = r.withdrawal.Moved
		case r.risk.WithdrawAmount != nil && *r.risk.WithdrawAmount > 0:
			amount = *r.risk.WithdrawAmount
		}
		d.Action = ActionWithdraw
		d.Command = &Command{Type: CommandWithdraw, Target: vaultCommandTarget, Amount: amount, Urgency: string(r.risk.Urgency)}
		if r.withdrawal != nil {
			d.Command.Executed = true
			d.Command.TxHashes = []string{r.withdrawal.Receipt}
		}
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("Risk is CRITICAL (%s), withdrawing %s",
			strings.Join(r.risk.TriggerNames(), ", "), policy.Money(amount)))
	case r.cash != nil && r.cash.EffectiveDeployable < policy.MinimumWorthDeploying:
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("Effective deployable %s is below %s, holding",
			policy.Money(r.cash.EffectiveDeployable), policy.Money(policy.MinimumWorthDeploying)))
		if r.withdrawal != nil {
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("Withdrawal of %s was executed this cycle (%s)",
				policy.Money(r.withdrawal.Moved), r.withdrawal.Receipt))
		}
	case r.allocation != nil && r.allocation.Validation.Passed && r.allocation.Executed && r.proposal != nil:
		p := r.proposal
		d.Action = ActionAllocate
		d.Command = &Command{
			Type:     CommandDeploy,
			Target:   p.TierA.Target + "+" + p.TierB.Target,
			Amount:   p.TotalAmount,
			TierA:    p.TierA.Amount,
			TierB:    p.TierB.Amount,
			Executed: true,
			TxHashes: append([]string(nil), r.allocation.Receipts...),
		}
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("Allocated %s: Tier A %s to %s, Tier B %s to %s",
			policy.Money(p.TotalAmount), policy.Money(p.TierA.Amount), p.TierA.Target,
			policy.Money(p.TierB.Amount), p.TierB.Target))
	case r.withdrawal != nil:
		d.Action = ActionWithdraw
		d.Command = &Command{
			Type:     CommandWithdraw,
			Target:   vaultCommandTarget,
			Amount:   r.withdrawal.Moved,
			Urgency:  r.withdrawUrgency,
			Executed: true,
			TxHashes: []string{r.withdrawal.Receipt},
		}
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("Withdrawal of %s executed", policy.Money(r.withdrawal.Moved)))
	default:
		d.Reasoning = append(d.Reasoning, "No capital movement warranted, holding")
	}

	r.applyOverride(d)
	return d
}

// confidence 为 0.5 基线，加上流动性置信度的 0.3 倍与风险级别加成，上限 1。
func (r *cycleRun) confidence() float64 {
	c := 0.5
	if r.cash != nil {
		c += 0.3 * r.cash.Recommendation.ConfidenceScore
	}
	if r.risk != nil {
		switch r.risk.AlertLevel {
		case policy.AlertNone:
			c += 0.2
		case policy.AlertWarning:
			c += 0.1
		}
	}
	return math.Min(c, 1.0)
}

// applyOverride 显式确认或拒绝用户指定的动作。
func (r *cycleRun) applyOverride(d *Decision) {
	o := r.req.Override
	if o == nil || o.ForceAction == "" {
		return
	}
	reason := strings.TrimSpace(o.Reason)
	if reason == "" {
		reason = "no reason given"
	}
	critical := r.risk != nil && r.risk.AlertLevel == policy.AlertCritical

	switch {
	case o.ForceAction == d.Action:
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("User override %s confirmed: %s", o.ForceAction, reason))
	case critical:
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("User override %s rejected: CRITICAL risk requires WITHDRAW", o.ForceAction))
	case o.ForceAction == ActionHold:
		// 未变动资金时决策已是 HOLD，走到这里说明本周期已执行过变动。
		d.Reasoning = append(d.Reasoning, "User override HOLD rejected: capital already moved this cycle")
	default:
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("User override %s rejected: not supported by the decision hierarchy (decided %s)",
			o.ForceAction, d.Action))
	}
}

var stepPattern = regexp.MustCompile(`^(\d+\.|(?i:step\s+\d+)|-|•)`)

// extractReasoning 从规划摘要中提取编号或列表行，没有时退回到段落。
func extractReasoning(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && stepPattern.MatchString(line) {
			steps = append(steps, line)
		}
	}
	if len(steps) == 0 {
		for _, para := range strings.Split(text, "\n\n") {
			if para = strings.TrimSpace(para); len(para) > 20 {
				steps = append(steps, para)
			}
			if len(steps) == 5 {
				break
			}
		}
	}
	if len(steps) > maxReasoningSteps {
		steps = steps[:maxReasoningSteps]
	}
	return steps
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= maxSummaryLength {
		return text
	}
	return string(runes[:maxSummaryLength]) + "..."
}
