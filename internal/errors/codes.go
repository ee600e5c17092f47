package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 决策链路上的错误码。
const (
	// CodePolicyRejection 规则校验不通过，永不重试。
	CodePolicyRejection Code = "POLICY_REJECTION"
	// CodeOracleMalformed 推理服务返回了缺失字段或无法解析的内容，由调用方本地降级。
	CodeOracleMalformed Code = "ORACLE_MALFORMED"
	// CodeOracleUnavailable 推理服务不可达，整个周期回落到 HOLD。
	CodeOracleUnavailable Code = "ORACLE_UNAVAILABLE"
	// CodeIterationsExhausted 编排循环达到上限仍未停止。
	CodeIterationsExhausted Code = "ITERATIONS_EXHAUSTED"
	// CodeDataProviderUnavailable 账本或行情数据源不可用。
	CodeDataProviderUnavailable Code = "DATA_PROVIDER_UNAVAILABLE"
	// CodeExecutionFailure 链上执行失败。
	CodeExecutionFailure Code = "EXECUTION_FAILURE"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		CodePolicyRejection:         {Message: "proposal rejected by policy", Severity: SeverityInfo},
		CodeOracleMalformed:         {Message: "oracle response malformed", Severity: SeverityWarning},
		CodeOracleUnavailable:       {Message: "oracle unavailable", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeIterationsExhausted:     {Message: "orchestration iterations exhausted", Severity: SeverityWarning, Alert: true},
		CodeDataProviderUnavailable: {Message: "data provider unavailable", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeExecutionFailure:        {Message: "execution failed", Severity: SeverityCritical, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
