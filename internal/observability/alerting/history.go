package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultHistoryLimit 是历史记录默认保留的条数。
const DefaultHistoryLimit = 50

// Record 是一条风险告警历史。
type Record struct {
	CycleID    string    `json:"cycleId,omitempty"`
	Level      string    `json:"level"`
	Triggers   []string  `json:"triggers,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// History 保存最近的风险告警，最新的在前。
type History interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, n int) ([]Record, error)
}

// MemoryHistory 是进程内的有界历史。
type MemoryHistory struct {
	mu      sync.RWMutex
	limit   int
	records []Record
}

// NewMemoryHistory 创建内存历史，limit<=0 时使用默认值。
func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryHistory{limit: limit}
}

// Append 记录一条告警。
func (h *MemoryHistory) Append(_ context.Context, rec Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	rec.Triggers = append([]string(nil), rec.Triggers...)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append([]Record{rec}, h.records...)
	if len(h.records) > h.limit {
		h.records = h.records[:h.limit]
	}
	return nil
}

// Recent 返回最近的 n 条告警。
func (h *MemoryHistory) Recent(_ context.Context, n int) ([]Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]Record, n)
	copy(out, h.records[:n])
	return out, nil
}

// RedisHistoryConfig 描述 Redis 历史的连接参数。
type RedisHistoryConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Limit    int
}

// RedisHistory 使用 Redis list 保存告警历史，多个实例之间共享。
type RedisHistory struct {
	client redis.Cmdable
	closer func() error
	key    string
	limit  int
}

// NewRedisHistory 连接 Redis 并返回历史实例。
func NewRedisHistory(ctx context.Context, cfg RedisHistoryConfig) (*RedisHistory, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	h := NewRedisHistoryWithClient(client, cfg.Key, cfg.Limit)
	h.closer = client.Close
	return h, nil
}

// NewRedisHistoryWithClient 使用已有客户端构造历史实例。
func NewRedisHistoryWithClient(client redis.Cmdable, key string, limit int) *RedisHistory {
	if key == "" {
		key = "treasury:alerts"
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &RedisHistory{client: client, key: key, limit: limit}
}

// Append 通过 LPUSH + LTRIM 记录告警。
func (h *RedisHistory) Append(ctx context.Context, rec Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化告警历史失败: %w", err)
	}
	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, h.key, payload)
		pipe.LTrim(ctx, h.key, 0, int64(h.limit-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入告警历史失败: %w", err)
	}
	return nil
}

// Recent 通过 LRANGE 读取最近的告警。
func (h *RedisHistory) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 || n > h.limit {
		n = h.limit
	}
	values, err := h.client.LRange(ctx, h.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取告警历史失败: %w", err)
	}
	out := make([]Record, 0, len(values))
	for _, raw := range values {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (h *RedisHistory) Close() error {
	if h == nil || h.closer == nil {
		return nil
	}
	return h.closer()
}

var (
	_ History = (*MemoryHistory)(nil)
	_ History = (*RedisHistory)(nil)
)
