package risk

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/observability/alerting"
	"Treasury-Autopilot/internal/policy"
)

type stubOracle struct {
	content string
	err     error
	calls   int
	last    llm.Request
}

func (s *stubOracle) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

func healthyMetrics() policy.Metrics {
	return policy.Metrics{
		Peg: 1.0,
		Protocols: []policy.ProtocolHealth{
			{Protocol: "aave", TVL: 5e9, TVLChange24h: -2, LiquidityRatio: 0.3, UtilizationRate: 0.7},
			{Protocol: "compound", TVL: 2e9, TVLChange24h: 4, LiquidityRatio: 0.25, UtilizationRate: 0.6},
		},
		Portfolio: policy.Portfolio{TotalDeployed: 1_000_000, TierA: 700_000, TierB: 300_000, LiquidBalance: 250_000},
	}
}

func TestCriticalPegSkipsOracle(t *testing.T) {
	oracle := &stubOracle{content: `{"alertLevel":"NONE"}`}
	a := NewAssessor(oracle)

	m := healthyMetrics()
	m.Peg = 0.992
	m.Protocols = []policy.ProtocolHealth{{Protocol: "aave", TVL: 5e9, TVLChange24h: -15, LiquidityRatio: 0.18}}

	report, err := a.Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if oracle.calls != 0 {
		t.Fatalf("oracle must not be consulted on CRITICAL, got %d calls", oracle.calls)
	}
	if report.AlertLevel != policy.AlertCritical || report.RecommendedAction != ActionWithdrawAll {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Urgency != UrgencyHigh || report.WithdrawAmount == nil || *report.WithdrawAmount != 1_000_000 {
		t.Fatalf("unexpected urgency or amount: %+v", report)
	}
	if len(report.Reasoning) != 3 || !strings.HasPrefix(report.Reasoning[2], "Details: ") {
		t.Fatalf("unexpected reasoning: %v", report.Reasoning)
	}
}

func TestFastPathEqualsEmptyOracleFill(t *testing.T) {
	m := healthyMetrics()
	m.Peg = 0.99
	m.Protocols[1].LiquidityRatio = 0.05
	eval := policy.EvaluateRisk(m, policy.DefaultPolicy())
	if eval.Level != policy.AlertCritical {
		t.Fatalf("precondition: expected CRITICAL, got %s", eval.Level)
	}

	fast, err := NewAssessor(nil).Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy()})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	var empty oracleAssessment
	if err := llm.ParseJSON("{}", &empty); err != nil {
		t.Fatalf("parse: %v", err)
	}
	filled := fill(empty, eval, m)
	if !reflect.DeepEqual(fast, filled) {
		t.Fatalf("fast path and default fill differ:\nfast:   %+v\nfilled: %+v", fast, filled)
	}
}

func TestOracleMissingFieldsAreDefaulted(t *testing.T) {
	oracle := &stubOracle{content: "```json\n{}\n```"}
	m := healthyMetrics()
	m.Peg = 0.997

	report, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if oracle.calls != 1 {
		t.Fatalf("expected one oracle call, got %d", oracle.calls)
	}
	if report.AlertLevel != policy.AlertWarning || report.RecommendedAction != ActionHold || report.Urgency != UrgencyLow {
		t.Fatalf("unexpected defaults: %+v", report)
	}
	if report.WithdrawAmount != nil {
		t.Fatalf("HOLD should carry no withdraw amount")
	}
	if !reflect.DeepEqual(report.Reasoning, []string{"incomplete"}) {
		t.Fatalf("unexpected reasoning: %v", report.Reasoning)
	}
	if len(report.Triggers) != 1 || report.Triggers[0].Name != policy.TriggerDepegWarning {
		t.Fatalf("expected quick-check trigger, got %+v", report.Triggers)
	}
	if !strings.Contains(oracle.last.Prompt, "[WARNING]") {
		t.Fatalf("prompt should include preliminary triggers")
	}
}

func TestGateLevelIsAFloor(t *testing.T) {
	oracle := &stubOracle{content: `{"alertLevel":"NONE","recommendedAction":"HOLD","urgency":"LOW","reasoning":["looks fine"]}`}
	m := healthyMetrics()
	m.Protocols[0].TVLChange24h = -40

	report, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if report.AlertLevel != policy.AlertWarning {
		t.Fatalf("oracle must not downgrade below the quick check, got %s", report.AlertLevel)
	}
	last := report.Reasoning[len(report.Reasoning)-1]
	if !strings.Contains(last, "raised to quick-check level WARNING") {
		t.Fatalf("expected floor note, got %v", report.Reasoning)
	}
}

func TestOracleMayEscalate(t *testing.T) {
	oracle := &stubOracle{content: `Here you go: {"alertLevel":"CRITICAL","recommendedAction":"WITHDRAW_PARTIAL","withdrawAmount":250000,"urgency":"MEDIUM","reasoning":["a","b","c"]}`}
	m := healthyMetrics()
	m.Peg = 0.997

	report, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if report.AlertLevel != policy.AlertCritical || report.RecommendedAction != ActionWithdrawPartial {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.WithdrawAmount == nil || *report.WithdrawAmount != 250000 {
		t.Fatalf("unexpected withdraw amount: %v", report.WithdrawAmount)
	}
}

func TestZeroWithdrawAllMeansDeployed(t *testing.T) {
	oracle := &stubOracle{content: `{"alertLevel":"CRITICAL","recommendedAction":"WITHDRAW_ALL","withdrawAmount":0,"urgency":"HIGH","reasoning":["exit"]}`}
	m := healthyMetrics()
	m.Peg = 0.997

	report, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if report.WithdrawAmount == nil || *report.WithdrawAmount != m.Portfolio.TotalDeployed {
		t.Fatalf("expected full deployed amount, got %v", report.WithdrawAmount)
	}
}

func TestMalformedOracleIsRecovered(t *testing.T) {
	oracle := &stubOracle{content: "I cannot answer that"}
	report, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: healthyMetrics(), Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if err != nil {
		t.Fatalf("malformed output must be recovered locally: %v", err)
	}
	if report.AlertLevel != policy.AlertNone || report.RecommendedAction != ActionHold {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !strings.Contains(strings.Join(report.Reasoning, " "), "malformed") {
		t.Fatalf("expected malformed note: %v", report.Reasoning)
	}
}

func TestOracleUnavailablePropagates(t *testing.T) {
	oracle := &stubOracle{err: errors.New("connection refused")}
	_, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: healthyMetrics(), Policy: policy.DefaultPolicy(), Depth: DepthThorough})
	if !xerrors.HasCode(err, xerrors.CodeOracleUnavailable) {
		t.Fatalf("expected ORACLE_UNAVAILABLE, got %v", err)
	}
}

func TestQuickDepthSkipsOracle(t *testing.T) {
	oracle := &stubOracle{content: `{}`}
	m := healthyMetrics()
	m.Protocols[1].LiquidityRatio = 0.12

	report, err := NewAssessor(oracle).Assess(context.Background(), Input{Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthQuick})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if oracle.calls != 0 {
		t.Fatalf("quick depth must not consult the oracle")
	}
	if report.AlertLevel != policy.AlertWarning || report.RecommendedAction != ActionHold {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestHistoryRecordsAlertsAndFeedsPrompt(t *testing.T) {
	history := alerting.NewMemoryHistory(10)
	oracle := &stubOracle{content: `{}`}
	a := NewAssessor(oracle, WithHistory(history))
	ctx := context.Background()

	m := healthyMetrics()
	m.Peg = 0.997
	if _, err := a.Assess(ctx, Input{CycleID: "c1", Metrics: m, Policy: policy.DefaultPolicy(), Depth: DepthThorough}); err != nil {
		t.Fatalf("assess: %v", err)
	}
	recent, _ := history.Recent(ctx, 0)
	if len(recent) != 1 || recent[0].CycleID != "c1" || recent[0].Level != "WARNING" {
		t.Fatalf("unexpected history: %+v", recent)
	}

	if _, err := a.Assess(ctx, Input{CycleID: "c2", Metrics: healthyMetrics(), Policy: policy.DefaultPolicy(), Depth: DepthThorough}); err != nil {
		t.Fatalf("assess: %v", err)
	}
	if !strings.Contains(oracle.last.Prompt, "Recent alerts") || !strings.Contains(oracle.last.Prompt, "DEPEG_WARNING") {
		t.Fatalf("prompt should include recent alerts:\n%s", oracle.last.Prompt)
	}
	recent, _ = history.Recent(ctx, 0)
	if len(recent) != 1 {
		t.Fatalf("NONE reports must not be recorded, got %d", len(recent))
	}
}

func TestCurrentMetricsSummary(t *testing.T) {
	cm := summarize(healthyMetrics())
	if cm.AvgTVLChange != 1 || cm.MinLiquidityRatio != 0.25 || cm.Peg != 1 {
		t.Fatalf("unexpected summary: %+v", cm)
	}
	if got := summarize(policy.Metrics{Peg: 1}); got.MinLiquidityRatio != 0 {
		t.Fatalf("empty protocols should yield zero ratio: %+v", got)
	}
}
