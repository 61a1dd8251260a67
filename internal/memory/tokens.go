// Package memory implements the four-layer conversation memory pipeline:
// context window fitting, pruning, compaction, and long-term episodic
// storage with vector retrieval.
package memory

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/nexus-core/pkg/models"
)

// charsPerToken approximates token counts when no encoder is available.
const charsPerToken = 4

// TokenCounter estimates token usage for messages.
type TokenCounter interface {
	CountText(text string) int
	CountMessages(messages []*models.Message) int
}

// TiktokenCounter counts with a real BPE encoding, falling back to a
// character heuristic when the encoding is unavailable (e.g. offline).
type TiktokenCounter struct {
	encoder *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given encoding name. Empty name
// selects cl100k_base.
func NewTokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{encoder: enc}
}

// CountText returns the token count of one string.
func (c *TiktokenCounter) CountText(text string) int {
	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// CountMessages sums token counts over a message list, including tool call
// payloads and a small per-message framing overhead.
func (c *TiktokenCounter) CountMessages(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += c.CountText(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += c.CountText(tc.Name) + c.CountText(string(tc.Input))
		}
		for _, tr := range m.ToolResults {
			total += c.CountText(tr.Content)
		}
	}
	return total
}

func heuristicCount(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
