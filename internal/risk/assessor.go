package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/knowledge"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/observability/alerting"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/pkg/logger"
)

const (
	agentName      = "risk"
	defaultTimeout = 60 * time.Second
	historyWindow  = 5
)

// Input 是一次评估所需的上下文。
type Input struct {
	CycleID string
	Metrics policy.Metrics
	Policy  policy.Policy
	Depth   Depth
}

// Assessor 结合规则检查与推理服务生成风险报告。
type Assessor struct {
	oracle    llm.Client
	history   alerting.History
	knowledge knowledge.Provider
	timeout   time.Duration
	log       *slog.Logger
}

// Option 用于定制 Assessor。
type Option func(*Assessor)

// WithTimeout 设置单次推理调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(a *Assessor) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithHistory 注入告警历史。
func WithHistory(h alerting.History) Option {
	return func(a *Assessor) { a.history = h }
}

// WithKnowledge 注入参考笔记。
func WithKnowledge(p knowledge.Provider) Option {
	return func(a *Assessor) { a.knowledge = p }
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Assessor) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAssessor 创建风险评估器，oracle 可以为空，此时只能执行规则检查。
func NewAssessor(oracle llm.Client, opts ...Option) *Assessor {
	a := &Assessor{
		oracle:  oracle,
		timeout: defaultTimeout,
		log:     logger.Named("risk"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Assess 生成风险报告。
//
// 规则检查为 CRITICAL 时直接返回撤资建议，不调用推理服务。推理服务不可用时
// 返回错误，由调用方回落到 HOLD；返回内容无法解析时按空结果补全。
func (a *Assessor) Assess(ctx context.Context, in Input) (Report, error) {
	eval := policy.EvaluateRisk(in.Metrics, in.Policy)
	log := a.log.With(slog.String("cycle_id", in.CycleID))

	var report Report
	switch {
	case eval.Level == policy.AlertCritical:
		log.Warn("规则检查发现 CRITICAL 风险，跳过推理", slog.Any("triggers", eval.Messages()))
		report = fill(oracleAssessment{}, eval, in.Metrics)
	case in.Depth == DepthQuick || a.oracle == nil:
		report = fill(oracleAssessment{Reasoning: []string{
			"Quick check only, oracle not consulted",
			"Quick-check level " + string(eval.Level) + " with " + triggerSummary(eval),
		}}, eval, in.Metrics)
	default:
		raw, err := a.consult(ctx, in, eval)
		if err != nil {
			if xerrors.CodeOf(err) != xerrors.CodeOracleMalformed {
				log.Error("风险推理调用失败", slog.Any("error", err))
				return Report{}, err
			}
			log.Warn("风险推理结果无法解析，使用规则检查结果", slog.Any("error", err))
			report = fill(oracleAssessment{}, eval, in.Metrics)
			report.Reasoning = append(report.Reasoning, "Oracle response was malformed, quick-check defaults applied")
			break
		}
		report = fill(raw, eval, in.Metrics)
	}

	a.record(ctx, in.CycleID, report)
	log.Info("风险评估完成",
		slog.String("level", string(report.AlertLevel)),
		slog.String("action", string(report.RecommendedAction)),
		slog.Int("triggers", len(report.Triggers)))
	return report, nil
}

func (a *Assessor) consult(ctx context.Context, in Input, eval policy.RiskEvaluation) (oracleAssessment, error) {
	var recent []alerting.Record
	if a.history != nil {
		records, err := a.history.Recent(ctx, historyWindow)
		if err != nil {
			a.log.Warn("读取告警历史失败", slog.Any("error", err))
		}
		recent = records
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.oracle.Complete(callCtx, llm.Request{
		Agent:       agentName,
		System:      systemPrompt,
		Prompt:      buildPrompt(in, eval, recent),
		Knowledge:   knowledge.Cards(a.knowledge, agentName, triggerNames(eval)...),
		Temperature: 0.2,
		MaxTokens:   1500,
	})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil && xerrors.CodeOf(err) != xerrors.CodeTimeout {
			return oracleAssessment{}, xerrors.Wrap(xerrors.CodeTimeout, err, "风险推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return oracleAssessment{}, err
		}
		return oracleAssessment{}, xerrors.Wrap(xerrors.CodeOracleUnavailable, err, "风险推理调用失败")
	}

	var raw oracleAssessment
	if err := llm.ParseJSON(resp.Content, &raw); err != nil {
		return oracleAssessment{}, err
	}
	return raw, nil
}

func (a *Assessor) record(ctx context.Context, cycleID string, report Report) {
	if a.history == nil || report.AlertLevel == policy.AlertNone {
		return
	}
	rec := alerting.Record{
		CycleID:  cycleID,
		Level:    string(report.AlertLevel),
		Triggers: report.TriggerNames(),
		Summary:  string(report.RecommendedAction) + " (" + string(report.Urgency) + ")",
	}
	if err := a.history.Append(ctx, rec); err != nil {
		a.log.Warn("写入告警历史失败", slog.Any("error", err))
	}
}

func triggerNames(eval policy.RiskEvaluation) []string {
	names := make([]string, 0, len(eval.Triggers))
	for _, t := range eval.Triggers {
		names = append(names, t.Name)
	}
	return names
}

func triggerSummary(eval policy.RiskEvaluation) string {
	if len(eval.Triggers) == 0 {
		return "no triggers"
	}
	return "triggers: " + strings.Join(eval.Messages(), "; ")
}
