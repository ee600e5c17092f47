package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/knowledge"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/pkg/logger"
)

const (
	agentName            = "liquidity"
	defaultTimeout       = 60 * time.Second
	DefaultAnalysisDays  = 90
	DefaultHorizonDays   = 30
	reasoningIncomplete  = "incomplete"
	recentTransactionCap = 10
)

// Recommendation 是推理服务给出的缓冲与可部署金额。
type Recommendation struct {
	MinimumBuffer    float64 `json:"minimumBuffer"`
	DeployableAmount float64 `json:"deployableAmount"`
	ConfidenceScore  float64 `json:"confidenceScore"`
	Reasoning        string  `json:"reasoning"`
}

// Report 是一次流动性预测的结果，EffectiveDeployable 是经过安全下限修正后下游实际使用的金额。
type Report struct {
	Obligations         []Obligation   `json:"upcomingObligations"`
	Stats               Stats          `json:"analysis"`
	Recommendation      Recommendation `json:"recommendations"`
	Warnings            []string       `json:"warnings"`
	EffectiveDeployable float64        `json:"effectiveDeployable"`
}

// Input 是一次预测所需的数据。
type Input struct {
	CycleID      string
	Balance      float64
	Transactions []Transaction
	Recurring    []RecurringObligation
	PeriodDays   int
	HorizonDays  int
	Today        time.Time
}

type oracleForecast struct {
	UpcomingObligations *[]Obligation `json:"upcomingObligations"`
	MinimumBuffer       *float64      `json:"minimumBuffer"`
	DeployableAmount    *float64      `json:"deployableAmount"`
	ConfidenceScore     *float64      `json:"confidenceScore"`
	Reasoning           *string       `json:"reasoning"`
	Warnings            []string      `json:"warnings"`
}

// Forecaster 结合历史统计与推理服务生成流动性报告。
type Forecaster struct {
	oracle    llm.Client
	knowledge knowledge.Provider
	timeout   time.Duration
	log       *slog.Logger
}

// Option 用于定制 Forecaster。
type Option func(*Forecaster)

// WithTimeout 设置推理调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(f *Forecaster) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithKnowledge 注入参考笔记。
func WithKnowledge(p knowledge.Provider) Option {
	return func(f *Forecaster) { f.knowledge = p }
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(f *Forecaster) {
		if l != nil {
			f.log = l
		}
	}
}

// NewForecaster 创建流动性预测器。
func NewForecaster(oracle llm.Client, opts ...Option) *Forecaster {
	f := &Forecaster{oracle: oracle, timeout: defaultTimeout, log: logger.Named("liquidity")}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Forecast 计算统计值并请求推理服务，结果无论如何都会经过安全下限修正。
func (f *Forecaster) Forecast(ctx context.Context, in Input) (Report, error) {
	if in.PeriodDays <= 0 {
		in.PeriodDays = DefaultAnalysisDays
	}
	if in.HorizonDays <= 0 {
		in.HorizonDays = DefaultHorizonDays
	}
	if in.Today.IsZero() {
		in.Today = time.Now().UTC()
	}
	log := f.log.With(slog.String("cycle_id", in.CycleID))

	stats := ComputeStats(in.Transactions, in.PeriodDays)
	projected := ProjectObligations(in.Recurring, in.Today, in.HorizonDays)

	var raw oracleForecast
	var notes []string
	if f.oracle == nil {
		notes = append(notes, "Oracle not configured, conservative defaults applied")
	} else {
		parsed, err := f.consult(ctx, in, stats, projected)
		switch {
		case err == nil:
			raw = parsed
		case xerrors.CodeOf(err) == xerrors.CodeOracleMalformed:
			log.Warn("流动性推理结果无法解析，使用保守默认值", slog.Any("error", err))
			notes = append(notes, "Oracle response was malformed, conservative defaults applied")
		default:
			log.Error("流动性推理调用失败", slog.Any("error", err))
			return Report{}, err
		}
	}

	report := fillForecast(raw, in.Balance, stats, projected)
	report.Warnings = append(report.Warnings, notes...)
	log.Info("流动性预测完成",
		slog.Float64("deployable", report.Recommendation.DeployableAmount),
		slog.Float64("effective_deployable", report.EffectiveDeployable),
		slog.Float64("buffer", report.Recommendation.MinimumBuffer))
	return report, nil
}

func (f *Forecaster) consult(ctx context.Context, in Input, stats Stats, projected []Obligation) (oracleForecast, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.oracle.Complete(callCtx, llm.Request{
		Agent:       agentName,
		System:      "You are a treasury cashflow analyst. Respond with a single JSON object and nothing else.",
		Prompt:      buildPrompt(in, stats, projected),
		Knowledge:   knowledge.Cards(f.knowledge, agentName, categories(in.Recurring)...),
		Temperature: 0.3,
		MaxTokens:   1000,
	})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil && xerrors.CodeOf(err) != xerrors.CodeTimeout {
			return oracleForecast{}, xerrors.Wrap(xerrors.CodeTimeout, err, "流动性推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return oracleForecast{}, err
		}
		return oracleForecast{}, xerrors.Wrap(xerrors.CodeOracleUnavailable, err, "流动性推理调用失败")
	}
	var raw oracleForecast
	if err := llm.ParseJSON(resp.Content, &raw); err != nil {
		return oracleForecast{}, err
	}
	return raw, nil
}

// fillForecast 补全缺失字段并计算 EffectiveDeployable。
func fillForecast(raw oracleForecast, balance float64, stats Stats, projected []Obligation) Report {
	report := Report{Stats: stats, Warnings: []string{}}

	if raw.UpcomingObligations != nil {
		report.Obligations = append([]Obligation{}, (*raw.UpcomingObligations)...)
	} else {
		report.Obligations = append([]Obligation{}, projected...)
	}

	rec := Recommendation{MinimumBuffer: balance, Reasoning: reasoningIncomplete}
	if raw.MinimumBuffer != nil && *raw.MinimumBuffer >= 0 {
		rec.MinimumBuffer = *raw.MinimumBuffer
	}
	if raw.DeployableAmount != nil {
		rec.DeployableAmount = *raw.DeployableAmount
	}
	if raw.ConfidenceScore != nil {
		rec.ConfidenceScore = clamp01(*raw.ConfidenceScore)
	}
	if raw.Reasoning != nil && strings.TrimSpace(*raw.Reasoning) != "" {
		rec.Reasoning = *raw.Reasoning
	}
	report.Recommendation = rec
	report.Warnings = append(report.Warnings, raw.Warnings...)

	effective, reason := EffectiveDeployable(balance, rec.DeployableAmount, rec.MinimumBuffer)
	report.EffectiveDeployable = effective
	if reason != "" && rec.DeployableAmount > 0 {
		report.Warnings = append(report.Warnings, "Deployable amount clamped to 0: "+reason)
	}
	return report
}

// EffectiveDeployable 应用安全下限：可部署金额低于最小值、为非正数，
// 或部署后剩余余额低于缓冲时返回 0 以及原因。
func EffectiveDeployable(balance, deployable, buffer float64) (float64, string) {
	switch {
	case deployable <= 0:
		return 0, "no deployable amount"
	case deployable < policy.MinimumWorthDeploying:
		return 0, fmt.Sprintf("%s is below the %s worth deploying", policy.Money(deployable), policy.Money(policy.MinimumWorthDeploying))
	case balance-deployable < buffer:
		return 0, fmt.Sprintf("remaining %s would fall under the %s buffer", policy.Money(balance-deployable), policy.Money(buffer))
	}
	return deployable, ""
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func categories(schedules []RecurringObligation) []string {
	out := make([]string, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, category(s))
	}
	return out
}

func buildPrompt(in Input, stats Stats, projected []Obligation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Treasury balance: %s\n\n## Historical analysis (%d days)\n", policy.Money(in.Balance), in.PeriodDays)
	fmt.Fprintf(&b, "- Average monthly expenses: %s\n- Average monthly income: %s\n- Daily burn rate: %s\n- Volatility (std dev): %s\n",
		policy.Money(stats.AvgMonthlyExpenses), policy.Money(stats.AvgMonthlyIncome), policy.Money(stats.BurnRate), policy.Money(stats.Volatility))

	b.WriteString("\n## Recurring obligations\n")
	for _, o := range in.Recurring {
		fmt.Fprintf(&b, "- %s: %s (%s, next: %s)\n", o.Name, policy.Money(o.Amount), o.Frequency, o.NextDue.Format(dateLayout))
	}
	fmt.Fprintf(&b, "\n## Scheduled within %d days (total %s)\n", in.HorizonDays, policy.Money(Total(projected)))
	for _, o := range projected {
		fmt.Fprintf(&b, "- %s %s %s\n", o.Date, o.Category, policy.Money(o.Amount))
	}

	b.WriteString("\n## Recent transactions\n")
	txs := in.Transactions
	if len(txs) > recentTransactionCap {
		txs = txs[len(txs)-recentTransactionCap:]
	}
	for _, tx := range txs {
		sign := "+"
		if tx.Type == TxExpense {
			sign = "-"
		}
		fmt.Fprintf(&b, "%s: %s%s (%s)\n", tx.Date.Format(dateLayout), sign, policy.Money(math.Abs(tx.Amount)), tx.Category)
	}

	fmt.Fprintf(&b, `
## Task
Predict obligations for the next %d days, the minimum liquid buffer and the deployable amount.
Buffer must cover all obligations plus a margin: 1.2x under $20k volatility, 1.5x up to $50k, 2.0x above.
If the deployable amount is below $50,000 recommend 0.

Current date: %s

## Output
{"upcomingObligations":[{"date":"YYYY-MM-DD","amount":0,"category":"","confidence":0.9,"source":"recurring|predicted|scheduled"}],
 "minimumBuffer":0,"deployableAmount":0,"confidenceScore":0.8,"reasoning":"","warnings":[]}
`, in.HorizonDays, in.Today.Format(dateLayout))
	return b.String()
}
