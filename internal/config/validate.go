package config

import (
	"fmt"
	"strings"

	"Treasury-Autopilot/internal/auth"
	xerrors "Treasury-Autopilot/internal/errors"
)

var (
	modes          = []string{"normal", "emergency", "simulation"}
	planners       = []string{"static", "oracle"}
	providers      = []string{"openai", "mistral", "script", "none"}
	ledgerDrivers  = []string{"static", "sqlite", "mysql"}
	queueDrivers   = []string{"memory", "redis", "rabbitmq"}
	historyDrivers = []string{"memory", "redis"}
	authModes      = []string{"disabled", "token"}
)

// Validate 检查配置取值是否合法。
func (c *Config) Validate() error {
	var problems []string
	check := func(field, value string, allowed []string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		problems = append(problems, fmt.Sprintf("%s 取值 %q 不在 %s 之中", field, value, strings.Join(allowed, "/")))
	}
	check("runtime.mode", c.Runtime.Mode, modes)
	check("orchestrator.planner", c.Orchestrator.Planner, planners)
	check("oracle.provider", c.Oracle.Provider, providers)
	check("ledger.driver", c.Ledger.Driver, ledgerDrivers)
	check("queue.driver", c.Queue.Driver, queueDrivers)
	check("alerting.history", c.Alerting.History, historyDrivers)
	check("auth.mode", string(c.Auth.Mode), authModes)

	if err := c.Policy.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Orchestrator.Planner == "oracle" && (c.Oracle.Provider == "script" || c.Oracle.Provider == "none") {
		problems = append(problems, "oracle 规划器需要支持工具调用的推理服务 (openai/mistral)")
	}
	if c.Ledger.Driver == "static" && c.Ledger.Fixture == "" {
		problems = append(problems, "ledger.driver=static 需要 ledger.fixture")
	}
	if c.Ledger.Driver == "mysql" && c.Ledger.DSN == "" {
		problems = append(problems, "ledger.driver=mysql 需要 ledger.dsn 或 TREASURY_LEDGER_DSN")
	}
	if c.Oracle.Provider == "script" && c.Oracle.Script.ScriptPath == "" {
		problems = append(problems, "oracle.provider=script 需要 oracle.script.script_path")
	}
	if c.Queue.Driver == "redis" && c.Queue.Redis.Address == "" {
		problems = append(problems, "queue.driver=redis 需要 queue.redis.address")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		problems = append(problems, "queue.driver=rabbitmq 需要 queue.rabbitmq.url")
	}
	if c.Alerting.History == "redis" && c.Alerting.Redis.Address == "" {
		problems = append(problems, "alerting.history=redis 需要 alerting.redis.address")
	}
	if c.Auth.Mode == auth.ModeToken && len(c.Auth.Tokens) == 0 {
		problems = append(problems, "auth.mode=token 需要至少一个 auth.tokens")
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "配置无效: "+strings.Join(problems, "; "))
	}
	return nil
}
