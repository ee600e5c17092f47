// Package allocation gates a proposed capital split before any funds move.
//
// Policy rules decide first and their violations are final. Only a proposal
// that passes every rule is shown to the oracle, which may reject it but can
// never approve something the rules refused.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/execution"
	"Treasury-Autopilot/internal/knowledge"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/pkg/logger"
)

const (
	agentName      = "allocation"
	defaultTimeout = 45 * time.Second
)

// Request 是一次部署校验的输入。
type Request struct {
	CycleID  string
	Proposal policy.Proposal
	Policy   policy.Policy
	Balance  float64
}

// Review 是推理服务的二次审核意见。
type Review struct {
	Approved    bool     `json:"approved"`
	Confidence  float64  `json:"confidence"`
	Concerns    []string `json:"concerns"`
	Adjustments []string `json:"adjustments"`
	Reasoning   string   `json:"reasoning"`
}

// Result 是两阶段校验的结论，Passed=false 时绝不执行。
type Result struct {
	policy.ValidationResult
	Review *Review `json:"review,omitempty"`
}

// Outcome 是 Execute 的结果。
type Outcome struct {
	Validation Result   `json:"validation"`
	Executed   bool     `json:"executed"`
	Receipts   []string `json:"receipts,omitempty"`
	Status     string   `json:"status,omitempty"`
	Moved      float64  `json:"moved"`
}

type oracleReview struct {
	Approved    *bool    `json:"approved"`
	Confidence  *float64 `json:"confidence"`
	Concerns    []string `json:"concerns"`
	Adjustments []string `json:"adjustments"`
	Reasoning   *string  `json:"reasoning"`
}

// Validator 执行规则校验与推理审核，并在通过后调用执行器。
type Validator struct {
	oracle    llm.Client
	executor  execution.Executor
	knowledge knowledge.Provider
	timeout   time.Duration
	log       *slog.Logger
}

// Option 用于定制 Validator。
type Option func(*Validator)

// WithTimeout 设置审核调用的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithKnowledge 注入参考笔记。
func WithKnowledge(p knowledge.Provider) Option {
	return func(v *Validator) { v.knowledge = p }
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.log = l
		}
	}
}

// NewValidator 创建校验器。oracle 为空时跳过二次审核。
func NewValidator(oracle llm.Client, executor execution.Executor, opts ...Option) *Validator {
	v := &Validator{oracle: oracle, executor: executor, timeout: defaultTimeout, log: logger.Named("allocation")}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate 先执行规则校验，通过后再请求推理服务审核。
func (v *Validator) Validate(ctx context.Context, req Request) (Result, error) {
	result := Result{ValidationResult: policy.EvaluateAllocation(req.Proposal, req.Policy, req.Balance)}
	log := v.log.With(slog.String("cycle_id", req.CycleID))
	if !result.Passed {
		log.Info("部署方案未通过规则校验", slog.Any("violations", result.Violations))
		return result, nil
	}
	if v.oracle == nil {
		return result, nil
	}

	review, err := v.review(ctx, req)
	if err != nil {
		log.Error("部署方案审核失败", slog.Any("error", err))
		return Result{}, err
	}
	result.Review = &review
	if !review.Approved {
		result.Passed = false
		result.Violations = append(result.Violations, review.Concerns...)
		if len(review.Concerns) == 0 {
			result.Violations = append(result.Violations, "Allocation not approved by oracle review")
		}
		log.Info("部署方案被审核拒绝", slog.Any("concerns", review.Concerns))
	}
	return result, nil
}

// Execute 校验通过后才调用执行器部署资金。
func (v *Validator) Execute(ctx context.Context, req Request) (Outcome, error) {
	validation, err := v.Validate(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{Validation: validation}
	if !validation.Passed {
		return outcome, nil
	}
	if v.executor == nil {
		return outcome, xerrors.New(xerrors.CodeExecutionFailure, "未配置执行器")
	}

	res, err := v.executor.Deploy(ctx,
		execution.Leg{Target: req.Proposal.TierA.Target, Amount: req.Proposal.TierA.Amount},
		execution.Leg{Target: req.Proposal.TierB.Target, Amount: req.Proposal.TierB.Amount})
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeExecutionFailure, err, "部署执行失败")
		}
		return outcome, err
	}
	outcome.Executed = true
	outcome.Receipts = res.Receipts
	outcome.Status = res.Status
	outcome.Moved = res.Moved
	v.log.Info("部署已执行",
		slog.String("cycle_id", req.CycleID),
		slog.Float64("moved", res.Moved),
		slog.Int("receipts", len(res.Receipts)))
	return outcome, nil
}

// RejectionError 将未通过的校验结果转换为 POLICY_REJECTION 错误。
func RejectionError(result policy.ValidationResult) error {
	if result.Passed {
		return nil
	}
	return xerrors.New(xerrors.CodePolicyRejection,
		"allocation rejected: "+strings.Join(result.Violations, "; "),
		xerrors.WithMetadata("violations", strconv.Itoa(len(result.Violations))))
}

func (v *Validator) review(ctx context.Context, req Request) (Review, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.oracle.Complete(callCtx, llm.Request{
		Agent:       agentName,
		System:      "You review treasury allocations before execution. Reject when uncertain. Respond with a single JSON object.",
		Prompt:      buildPrompt(req),
		Knowledge:   knowledge.Cards(v.knowledge, agentName, req.Proposal.TierA.Target, req.Proposal.TierB.Target),
		Temperature: 0.2,
		MaxTokens:   800,
	})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil && xerrors.CodeOf(err) != xerrors.CodeTimeout {
			return Review{}, xerrors.Wrap(xerrors.CodeTimeout, err, "部署审核超时")
		}
		if _, ok := xerrors.From(err); ok {
			return Review{}, err
		}
		return Review{}, xerrors.Wrap(xerrors.CodeOracleUnavailable, err, "部署审核调用失败")
	}

	var raw oracleReview
	if err := llm.ParseJSON(resp.Content, &raw); err != nil {
		return Review{Concerns: []string{"Oracle review response was malformed"}}, nil
	}
	review := Review{Concerns: raw.Concerns, Adjustments: raw.Adjustments}
	if raw.Approved != nil {
		review.Approved = *raw.Approved
	}
	if raw.Confidence != nil {
		review.Confidence = *raw.Confidence
	}
	if raw.Reasoning != nil {
		review.Reasoning = *raw.Reasoning
	}
	return review, nil
}

func buildPrompt(req Request) string {
	p := req.Proposal
	pol := req.Policy
	var b strings.Builder
	fmt.Fprintf(&b, "## Proposed allocation\nTotal: %s\n", policy.Money(p.TotalAmount))
	fmt.Fprintf(&b, "Tier A (safe): %s (%.1f%%) -> %s\n", policy.Money(p.TierA.Amount), p.TierA.Percent*100, p.TierA.Target)
	fmt.Fprintf(&b, "Tier B (yield): %s (%.1f%%) -> %s\n", policy.Money(p.TierB.Amount), p.TierB.Percent*100, p.TierB.Target)
	fmt.Fprintf(&b, "\n## Policy\n- Minimum tier A: %.1f%%\n- Maximum tier B: %.1f%%\n- Minimum deployment: %s\n- Max single transaction: %s\n- Allowed targets: %s\n",
		pol.MinTierAPercent*100, pol.MaxTierBPercent*100, policy.Money(pol.MinDeploymentAmount),
		policy.Money(pol.MaxSingleTransaction), strings.Join(pol.AllowedTargets, ", "))
	fmt.Fprintf(&b, "\nCurrent balance: %s\n", policy.Money(req.Balance))
	b.WriteString(`
Rule checks already passed. Consider whether the split is reasonable and whether fees or market conditions argue against it.

{"approved": true, "confidence": 0.9, "concerns": [], "adjustments": [], "reasoning": ""}
`)
	return b.String()
}
