package risk

import (
	"fmt"
	"strings"

	"Treasury-Autopilot/internal/observability/alerting"
	"Treasury-Autopilot/internal/policy"
)

const systemPrompt = `You are the risk sentinel of a treasury management system.
Safety always wins over yield. Respond with a single JSON object and nothing else.`

func buildPrompt(in Input, eval policy.RiskEvaluation, recent []alerting.Record) string {
	m := in.Metrics
	p := in.Policy
	var b strings.Builder

	fmt.Fprintf(&b, "## Current metrics\nPeg: %.4f", m.Peg)
	if m.PegSource != "" {
		fmt.Fprintf(&b, " (source: %s)", m.PegSource)
	}
	b.WriteString("\n\nProtocol health:\n")
	for _, proto := range m.Protocols {
		fmt.Fprintf(&b, "- %s: TVL %s (24h change %+.1f%%), liquidity %.1f%%, utilization %.1f%%\n",
			strings.ToUpper(proto.Protocol), policy.Money(proto.TVL), proto.TVLChange24h,
			proto.LiquidityRatio*100, proto.UtilizationRate*100)
	}

	pf := m.Portfolio
	fmt.Fprintf(&b, "\nPortfolio:\n- Total deployed: %s\n- Tier A: %s\n- Tier B: %s\n- Liquid: %s\n",
		policy.Money(pf.TotalDeployed), policy.Money(pf.TierA), policy.Money(pf.TierB), policy.Money(pf.LiquidBalance))

	fmt.Fprintf(&b, "\n## Policy\n- Peg must stay within %.4f and %.4f\n- TVL move above %.0f%% is a WARNING\n- Liquidity ratio below %.2f is a WARNING\n- Tier B may not exceed %.0f%%\n",
		p.PegMin, p.PegMax, p.TVLDropThreshold, p.LiquidityRatioMin, p.MaxTierBPercent*100)

	fmt.Fprintf(&b, "\n## Quick check\nLevel: %s\n", eval.Level)
	for _, t := range eval.Triggers {
		fmt.Fprintf(&b, "- [%s] %s\n", t.Severity, t.Message)
	}

	if len(recent) > 0 {
		b.WriteString("\n## Recent alerts\n")
		for _, rec := range recent {
			fmt.Fprintf(&b, "- %s %s %s: %s\n", rec.RecordedAt.Format("2006-01-02 15:04"), rec.Level,
				strings.Join(rec.Triggers, ","), rec.Summary)
		}
	}

	b.WriteString(`
## Decision framework
CRITICAL (immediate action): peg below 0.995, TVL drop above 50%, liquidity below 10%. Recommend WITHDRAW_ALL.
WARNING (monitor): peg between 0.995 and the policy minimum, TVL move above the policy threshold, liquidity below the policy minimum.
Multiple warnings escalate severity. Your level may not be lower than the quick-check level.

## Output
{
  "alertLevel": "NONE|WARNING|CRITICAL",
  "triggers": [{"name": "", "severity": "WARNING|CRITICAL", "value": 0, "threshold": 0, "message": ""}],
  "recommendedAction": "HOLD|WITHDRAW_PARTIAL|WITHDRAW_ALL",
  "withdrawAmount": 0,
  "urgency": "LOW|MEDIUM|HIGH",
  "reasoning": ["at least three steps"]
}
`)
	return b.String()
}
