// Package chunker 将抽取出的纯文本切分为有序、有界的分块。
//
// 支持两种策略：
//   - words：按空白切词后每 N 个词合并为一块，块内以单个空格连接。
//     连续空白被折叠，首尾空白被丢弃，因此
//     strings.Join(chunks, " ") == strings.Join(strings.Fields(text), " ")。
//   - chars：按字符（rune）窗口切分，窗口内优先在最后一个空白之后断开，
//     不做任何规范化，strings.Join(chunks, "") == text。
//     纯空白的片段并入相邻分块，因此分块可能仅因空白而略超上限。
//
// 两种策略下，空文本或纯空白文本都不产生分块，短于上限的文本恰好产生一个分块。
package chunker

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Policy 指定分块策略。
type Policy string

const (
	PolicyWords Policy = "words"
	PolicyChars Policy = "chars"
)

const defaultAvgCharsPerToken = 4

// Chunker 按配置的策略切分文本。零值不可用，请使用 New。
type Chunker struct {
	policy           Policy
	maxTokens        int
	avgCharsPerToken int
}

// Option 配置 Chunker。
type Option func(*Chunker)

// WithAvgCharsPerToken 设置 chars 策略下每个 token 的平均字符数。
func WithAvgCharsPerToken(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.avgCharsPerToken = n
		}
	}
}

// New 创建 Chunker。maxTokens 在 words 策略下即每块词数，
// 在 chars 策略下乘以平均字符数得到每块字符上限。
func New(policy Policy, maxTokens int, opts ...Option) (*Chunker, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxTokens)
	}
	switch policy {
	case PolicyWords, PolicyChars:
	case "":
		policy = PolicyWords
	default:
		return nil, fmt.Errorf("unknown chunking policy %q", policy)
	}
	c := &Chunker{policy: policy, maxTokens: maxTokens, avgCharsPerToken: defaultAvgCharsPerToken}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy 返回当前策略。
func (c *Chunker) Policy() Policy { return c.policy }

// MaxSize 返回单块的上限，words 策略下为词数，chars 策略下为字符数。
func (c *Chunker) MaxSize() int {
	if c.policy == PolicyChars {
		return c.maxTokens * c.avgCharsPerToken
	}
	return c.maxTokens
}

// Chunk 切分文本，返回按原文顺序排列的分块；下标即 chunk_index。
func (c *Chunker) Chunk(text string) []string {
	if c.policy == PolicyChars {
		return ByChars(text, c.MaxSize())
	}
	return ByWords(text, c.maxTokens)
}

// EstimateTokens 估算一个分块的 token 数。
func (c *Chunker) EstimateTokens(chunk string) int {
	if c.policy == PolicyChars {
		n := utf8.RuneCountInString(chunk)
		return int(math.Ceil(float64(n) / float64(c.avgCharsPerToken)))
	}
	return len(strings.Fields(chunk))
}

// ByWords 每 maxWords 个词合并为一块。
func ByWords(text string, maxWords int) []string {
	if maxWords <= 0 {
		return nil
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(words)+maxWords-1)/maxWords)
	for start := 0; start < len(words); start += maxWords {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

// ByChars 以最多 maxChars 个字符为窗口切分，窗口内有空白时在最后一个空白之后断开。
func ByChars(text string, maxChars int) []string {
	if maxChars <= 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); {
		end := start + maxChars
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		cut := end
		for i := end - 1; i > start; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i + 1
				break
			}
		}
		pieces = append(pieces, string(runes[start:cut]))
		start = cut
	}
	return mergeBlank(pieces)
}

// mergeBlank 把纯空白片段并入前一块（开头的并入后一块），保持拼接结果不变。
func mergeBlank(pieces []string) []string {
	out := make([]string, 0, len(pieces))
	pending := ""
	for _, p := range pieces {
		if strings.TrimSpace(p) == "" {
			if len(out) > 0 {
				out[len(out)-1] += p
			} else {
				pending += p
			}
			continue
		}
		out = append(out, pending+p)
		pending = ""
	}
	return out
}
