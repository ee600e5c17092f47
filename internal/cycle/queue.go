package cycle

import (
	"context"
	"encoding/json"
	"time"

	"Treasury-Autopilot/internal/agent"
)

// Message 是投递到队列中的周期请求，以 JSON 编码。
//
// 消息携带完整请求，消费端的存储中没有对应记录时可以据此补建。
type Message struct {
	CycleID     string          `json:"cycleId"`
	Mode        agent.Mode      `json:"mode"`
	Override    *agent.Override `json:"override,omitempty"`
	Source      Source          `json:"source"`
	SubmittedAt time.Time       `json:"submittedAt"`
}

func messageFor(run *Run) Message {
	return Message{
		CycleID:     run.ID,
		Mode:        run.Mode,
		Override:    run.Override,
		Source:      run.Source,
		SubmittedAt: run.CreatedAt,
	}
}

func encodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeMessage(body []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(body, &msg)
	return msg, err
}

// Handler 处理来自消息队列的周期请求。
type Handler func(ctx context.Context, msg Message) error

// Producer 负责向队列投递周期。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 负责从队列中消费周期。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
