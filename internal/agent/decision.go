package agent

import (
	"fmt"
	"strings"
	"time"
)

// Action 是一个周期的最终动作。
type Action string

const (
	ActionAllocate  Action = "ALLOCATE"
	ActionWithdraw  Action = "WITHDRAW"
	ActionHold      Action = "HOLD"
	ActionRebalance Action = "REBALANCE"
)

// ParseAction 解析动作名称，大小写不敏感。
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionAllocate, ActionWithdraw, ActionHold, ActionRebalance:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Mode 是运行模式。
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeEmergency  Mode = "emergency"
	ModeSimulation Mode = "simulation"
)

// ParseMode 解析运行模式，空字符串视为 normal。
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNormal, nil
	case ModeNormal, ModeEmergency, ModeSimulation:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Override 是用户对本周期动作的要求，只会被确认或拒绝，不会被静默执行。
type Override struct {
	ForceAction Action `json:"forceAction"`
	Reason      string `json:"reason"`
}

// Command 类型。
const (
	CommandDeploy   = "deploy"
	CommandWithdraw = "withdraw"
)

// Command 是决策附带的执行指令。Executed 表示本周期内已经完成执行。
type Command struct {
	Type     string   `json:"type"`
	Target   string   `json:"target"`
	Amount   float64  `json:"amount"`
	TierA    float64  `json:"tierA,omitempty"`
	TierB    float64  `json:"tierB,omitempty"`
	Urgency  string   `json:"urgency,omitempty"`
	Executed bool     `json:"executed"`
	TxHashes []string `json:"txHashes,omitempty"`
}

// Decision 是一个周期的唯一输出，生成后不再修改。
type Decision struct {
	ID              string    `json:"id"`
	CycleID         string    `json:"cycleId"`
	Action          Action    `json:"action"`
	Confidence      float64   `json:"confidence"`
	Reasoning       []string  `json:"reasoning"`
	Command         *Command  `json:"command,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	ReportsAnalyzed []string  `json:"reportsAnalyzed"`
	Iterations      int       `json:"iterations"`
	Mode            Mode      `json:"mode"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Executed 判断本周期是否实际移动过资金。
func (d *Decision) Executed() bool {
	return d != nil && d.Command != nil && d.Command.Executed
}

// Request 是一次周期运行的参数。
type Request struct {
	CycleID  string    `json:"cycleId,omitempty"`
	Mode     Mode      `json:"mode"`
	Override *Override `json:"override,omitempty"`
}
