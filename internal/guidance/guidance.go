// Package guidance 提供 info 事件使用的静态引导文案。
package guidance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ZKPay-Chain/internal/backend"
)

// DefaultInfo 是自由文本消息提到证明时的回复。
const DefaultInfo = "For zkML Gateway workflows, please use the Gateway prompts in the sidebar."

// Provider 定义引导文案检索的通用接口。
type Provider interface {
	Query(message string) []Snippet
}

// Snippet 描述一段可直接发送给客户端的引导文案。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过内置或 JSON 文件中的条目提供检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态引导实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 1
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载条目，并在末尾追加内置条目作为兜底。
func LoadStaticProvider(path string, catalog *backend.Catalog, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("引导文案文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析引导文案路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取引导文案文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析引导文案文件失败: %w", err)
	}

	return NewStaticProvider(append(entries, builtinSnippets(catalog)...), maxResults), nil
}

// Builtin 返回只包含内置条目的实例：每个目录函数一条用法说明，
// 最后是匹配 "proof" 的通用提示。
func Builtin(catalog *backend.Catalog, maxResults int) *StaticProvider {
	return NewStaticProvider(builtinSnippets(catalog), maxResults)
}

func builtinSnippets(catalog *backend.Catalog) []Snippet {
	var items []Snippet
	if catalog != nil {
		for _, spec := range catalog.Functions() {
			items = append(items, Snippet{
				Title:    spec.Name,
				Content:  Usage(spec),
				Keywords: []string{spec.Name},
				Tags:     []string{string(spec.Kind)},
			})
		}
	}
	items = append(items, Snippet{
		Title:    "gateway",
		Content:  DefaultInfo,
		Keywords: []string{"proof"},
	})
	return items
}

// Usage 渲染函数签名，例如 prove_kyc(subject_id: i64, kyc_level: i32) [generic]。
func Usage(spec backend.FunctionSpec) string {
	params := make([]string, 0, len(spec.Params))
	for _, p := range spec.Params {
		text := fmt.Sprintf("%s: %s", p.Name, p.Type)
		switch {
		case p.Variadic:
			text += fmt.Sprintf("... (min %d)", p.MinCount)
		case p.Optional:
			text += "?"
		}
		params = append(params, text)
	}
	usage := fmt.Sprintf("%s(%s) [%s]", spec.Name, strings.Join(params, ", "), spec.Kind)
	if spec.Description != "" {
		usage += " " + spec.Description
	}
	return usage
}

// Query 根据消息文本进行不区分大小写的关键字匹配。
func (p *StaticProvider) Query(message string) []Snippet {
	if p == nil {
		return nil
	}

	message = strings.ToLower(strings.TrimSpace(message))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, message) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

// Answer 把检索结果合并为一条 info 文本，没有命中时返回 DefaultInfo。
func Answer(p Provider, message string) string {
	if p == nil {
		return DefaultInfo
	}
	snippets := p.Query(message)
	if len(snippets) == 0 {
		return DefaultInfo
	}
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n")
}

func matches(snippet Snippet, message string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(message, normalized) {
			return true
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if strings.Contains(message, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
