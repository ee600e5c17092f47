package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/llm"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/pkg/logger"
)

const (
	steeringAgent       = "orchestrator"
	steeringTemperature = 0.2
	steeringMaxTokens   = 2000
	steeringTimeout     = 90 * time.Second
)

// OracleSteering 让推理服务通过函数调用决定下一步调用哪些工具。
type OracleSteering struct {
	client  llm.ToolClient
	timeout time.Duration
	log     *slog.Logger
}

// SteeringOption 定制 OracleSteering。
type SteeringOption func(*OracleSteering)

// WithSteeringTimeout 设置单轮对话的超时时间。
func WithSteeringTimeout(d time.Duration) SteeringOption {
	return func(s *OracleSteering) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSteeringLogger 指定日志记录器。
func WithSteeringLogger(l *slog.Logger) SteeringOption {
	return func(s *OracleSteering) {
		if l != nil {
			s.log = l
		}
	}
}

// NewOracleSteering 创建基于函数调用的规划器。
func NewOracleSteering(client llm.ToolClient, opts ...SteeringOption) *OracleSteering {
	s := &OracleSteering{
		client:  client,
		timeout: steeringTimeout,
		log:     logger.Named("steering"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 实现 Planner。
func (s *OracleSteering) Start(_ context.Context, cycle CycleContext) (Session, error) {
	if s.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置推理服务")
	}
	return &steeringSession{
		owner: s,
		cycle: cycle,
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: steeringSystemPrompt},
			{Role: llm.RoleUser, Content: buildSteeringContext(cycle)},
		},
		log: s.log.With(slog.String("cycle_id", cycle.CycleID)),
	}, nil
}

type steeringSession struct {
	owner    *OracleSteering
	cycle    CycleContext
	messages []llm.Message
	log      *slog.Logger
}

func (s *steeringSession) Next(ctx context.Context, results []ToolResult) (Step, error) {
	for _, res := range results {
		s.messages = append(s.messages, llm.Message{
			Role:       llm.RoleTool,
			Name:       res.Tool,
			ToolCallID: res.CallID,
			Content:    string(res.Output),
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.owner.timeout)
	defer cancel()
	reply, err := s.owner.client.Chat(callCtx, llm.ChatRequest{
		Agent:       steeringAgent,
		Messages:    s.messages,
		Tools:       Tools(),
		Temperature: steeringTemperature,
		MaxTokens:   steeringMaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Step{}, xerrors.Wrap(xerrors.CodeTimeout, err, "规划推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return Step{}, err
		}
		return Step{}, xerrors.Wrap(xerrors.CodeOracleUnavailable, err, "规划推理失败")
	}
	if reply == nil {
		return Step{}, xerrors.New(xerrors.CodeOracleUnavailable, "推理服务没有返回消息")
	}

	msg := *reply
	if msg.Role == "" {
		msg.Role = llm.RoleAssistant
	}
	s.messages = append(s.messages, msg)

	if len(msg.ToolCalls) == 0 {
		return Step{Stop: true, Summary: msg.Content}, nil
	}
	step := Step{Invocations: make([]Invocation, 0, len(msg.ToolCalls))}
	names := make([]string, 0, len(msg.ToolCalls))
	for _, call := range msg.ToolCalls {
		step.Invocations = append(step.Invocations, Invocation{
			ID:        call.ID,
			Tool:      call.Name,
			Arguments: []byte(call.Arguments),
		})
		names = append(names, call.Name)
	}
	s.log.Info("推理服务请求调用工具", slog.Any("tools", names))
	return step, nil
}

const steeringSystemPrompt = `You are the manager of a treasury autopilot. Decide whether to ALLOCATE, WITHDRAW or HOLD by calling the available tools.

## Decision framework
1. Call analyze_cashflow and check_risks first. They can be requested together.
2. If risk is CRITICAL, call execute_withdrawal immediately.
3. If risk is NONE and the effective deployable amount is at least $50,000, call execute_allocation.
4. If the effective deployable amount is below $50,000, hold and call no execution tool.
5. If risk is WARNING, use judgment: reduce the allocation or hold.
6. Capital may move at most once per cycle. Never allocate more than the effective deployable amount.

When you are done, reply without tool calls and explain your reasoning as a numbered list. Safety first: if uncertain, HOLD.`

func buildSteeringContext(c CycleContext) string {
	var b strings.Builder
	p := c.Policy
	fmt.Fprintf(&b, "## Current system state\nTreasury balance: %s\n", policy.Money(c.Balance))
	fmt.Fprintf(&b, "Current allocations:\n- Tier A (%s): %s\n- Tier B (DeFi): %s\n- Liquid: %s\n",
		c.TierATarget, policy.Money(c.Allocations.TierA), policy.Money(c.Allocations.TierB), policy.Money(c.Allocations.Liquid))
	fmt.Fprintf(&b, "Mode: %s\n", c.Mode)
	if c.Override != nil && c.Override.ForceAction != "" {
		fmt.Fprintf(&b, "\nUSER OVERRIDE REQUESTED: %s (%s). It is applied only if the decision framework allows it.\n",
			c.Override.ForceAction, c.Override.Reason)
	}
	fmt.Fprintf(&b, "\n## Policy rules (never violate)\n- Minimum Tier A: %.0f%%\n- Maximum Tier B: %.0f%%\n- Minimum deployment: %s\n- Max single transaction: %s\n- Allowed targets: %s\n- Default Tier B target: %s\n",
		p.MinTierAPercent*100, p.MaxTierBPercent*100, policy.Money(p.MinDeploymentAmount),
		policy.Money(p.MaxSingleTransaction), strings.Join(p.AllowedTargets, ", "), c.TierBTarget)
	b.WriteString("\nBegin by analyzing cash flow and risk.")
	return b.String()
}
