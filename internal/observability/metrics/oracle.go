package metrics

import (
	"context"
	"time"

	"Treasury-Autopilot/internal/llm"
)

// OracleObserver 返回可注册到 HTTP 推理客户端的观察函数。
func (m *Metrics) OracleObserver() func(agent string, elapsed time.Duration, err error) {
	return func(agent string, elapsed time.Duration, err error) {
		m.ObserveOracleCall(agent, err, elapsed)
	}
}

// InstrumentedClient 为不支持观察者的推理客户端记录调用次数与延迟。
type InstrumentedClient struct {
	next    llm.Client
	metrics *Metrics
}

// InstrumentClient 包装推理客户端。metrics 为空时原样返回。
func InstrumentClient(client llm.Client, m *Metrics) llm.Client {
	if client == nil || m == nil {
		return client
	}
	return &InstrumentedClient{next: client, metrics: m}
}

// Complete 实现 llm.Client。
func (c *InstrumentedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	c.metrics.ObserveOracleCall(req.Agent, err, time.Since(start))
	return resp, err
}

var _ llm.Client = (*InstrumentedClient)(nil)
