// Package cycle tracks treasury decision cycles: it accepts cycle requests,
// queues them for a single worker, runs the orchestrator and keeps the
// resulting runs in memory.
package cycle

import (
	"time"

	"Treasury-Autopilot/internal/agent"
	xerrors "Treasury-Autopilot/internal/errors"
)

// Status 表示周期在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否已经结束。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Source 标识周期的触发来源。
type Source string

const (
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
)

// Forwarded 记录处理器在编排之外补发的撤资指令。
type Forwarded struct {
	Amount   float64  `json:"amount"`
	Urgency  string   `json:"urgency"`
	Status   string   `json:"status,omitempty"`
	TxHashes []string `json:"txHashes,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Run 描述一次周期的运行记录。
type Run struct {
	ID        string          `json:"id"`
	Mode      agent.Mode      `json:"mode"`
	Override  *agent.Override `json:"override,omitempty"`
	Source    Source          `json:"source"`
	Status    Status          `json:"status"`
	LastError string          `json:"lastError,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Decision  *agent.Decision `json:"decision,omitempty"`
	Forwarded *Forwarded      `json:"forwarded,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Override != nil {
		o := *r.Override
		out.Override = &o
	}
	if r.Forwarded != nil {
		f := *r.Forwarded
		f.TxHashes = append([]string(nil), r.Forwarded.TxHashes...)
		out.Forwarded = &f
	}
	// Decision 生成后不再修改，可以共享。
	return &out
}

// Request 是提交周期时的参数。
type Request struct {
	ID       string          `json:"id,omitempty"`
	Mode     agent.Mode      `json:"mode,omitempty"`
	Override *agent.Override `json:"override,omitempty"`
	Source   Source          `json:"source,omitempty"`
}

const (
	CodeCycleNotFound   xerrors.Code = "CYCLE_NOT_FOUND"
	CodeCycleConflict   xerrors.Code = "CYCLE_CONFLICT"
	CodeCycleValidation xerrors.Code = "CYCLE_VALIDATION_FAILED"
	CodeCyclePublish    xerrors.Code = "CYCLE_PUBLISH_FAILED"
	CodeCycleProcessing xerrors.Code = "CYCLE_PROCESSING_FAILED"
	CodeCycleWithdrawal xerrors.Code = "CYCLE_WITHDRAWAL"
)

var (
	// ErrCycleNotFound 表示指定的周期不存在。
	ErrCycleNotFound = xerrors.New(CodeCycleNotFound, "cycle not found")
	// ErrCycleConflict 表示周期在当前状态下无法进行所请求的操作。
	ErrCycleConflict = xerrors.New(CodeCycleConflict, "cycle conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeCycleNotFound, xerrors.Attributes{
		Message:  "cycle not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCycleConflict, xerrors.Attributes{
		Message:  "cycle conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeCycleValidation, xerrors.Attributes{
		Message:  "cycle request invalid",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCyclePublish, xerrors.Attributes{
		Message:   "failed to publish cycle",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeCycleProcessing, xerrors.Attributes{
		Message:  "cycle processing failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeCycleWithdrawal, xerrors.Attributes{
		Message:  "capital withdrawal decided",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
