// Package knowledge serves treasury playbook notes that are appended to
// oracle prompts. Notes are static and loaded once from a JSON file.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"Treasury-Autopilot/internal/llm"
)

// Provider 定义按主题检索笔记的接口。
type Provider interface {
	Query(topic string, signals ...string) []Snippet
}

// Snippet 是一条可引用的运营笔记。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Topics   []string `json:"topics"`
	Keywords []string `json:"keywords"`
}

// StaticProvider 通过加载 JSON 文件提供静态检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 文件加载笔记。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var entries []Snippet
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回属于该主题、且关键字命中任一信号的笔记。
// 没有关键字的笔记对该主题总是生效。
func (p *StaticProvider) Query(topic string, signals ...string) []Snippet {
	if p == nil {
		return nil
	}
	topic = normalize(topic)
	haystack := make([]string, 0, len(signals))
	for _, s := range signals {
		if s = normalize(s); s != "" {
			haystack = append(haystack, s)
		}
	}

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !hasTopic(item, topic) || !matchesSignals(item, haystack) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func hasTopic(item Snippet, topic string) bool {
	if len(item.Topics) == 0 {
		return true
	}
	for _, t := range item.Topics {
		if normalize(t) == topic {
			return true
		}
	}
	return false
}

func matchesSignals(item Snippet, haystack []string) bool {
	if len(item.Keywords) == 0 {
		return true
	}
	for _, keyword := range item.Keywords {
		keyword = normalize(keyword)
		if keyword == "" {
			continue
		}
		for _, s := range haystack {
			if strings.Contains(s, keyword) {
				return true
			}
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Cards 将笔记转换为提示词参考资料。
func Cards(p Provider, topic string, signals ...string) []llm.KnowledgeCard {
	if p == nil {
		return nil
	}
	snippets := p.Query(topic, signals...)
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

var _ Provider = (*StaticProvider)(nil)
