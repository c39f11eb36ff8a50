package providers

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/loom/pkg/models"
)

// estimateDivisor is the chars-per-token approximation used when no real
// tokenizer is available. Typical for English text.
const estimateDivisor = 4

// EstimateRequestTokens approximates the prompt size of a request. OpenAI
// models use tiktoken when an encoding is available; everything else falls
// back to character counting. The result is an estimate either way and is
// marked as such in usage accounting.
func EstimateRequestTokens(req *Request) int {
	enc := encodingFor(req.Model)

	total := countTokens(enc, req.System)
	for _, msg := range req.Messages {
		total += countTokens(enc, string(msg.Role))
		total += countTokens(enc, msg.Content)
		for _, tc := range msg.ToolCalls {
			total += countTokens(enc, tc.Name)
			total += countTokens(enc, string(tc.Arguments))
		}
	}
	for _, tool := range req.Tools {
		total += countTokens(enc, tool.Name)
		total += countTokens(enc, tool.Description)
		total += countTokens(enc, string(tool.InputSchema))
	}
	return total
}

// EstimateTextTokens approximates the token count of output text.
func EstimateTextTokens(model, text string) int {
	return countTokens(encodingFor(model), text)
}

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model families (Claude, local models) have no published
		// encoding; cache the nil so we do not re-resolve per call.
		enc = nil
	}
	encCache[model] = enc
	return enc
}

func countTokens(enc *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len(text) / estimateDivisor
	if n == 0 {
		n = 1
	}
	return n
}

// usageThrottle rate-limits provisional usage chunks so a fast stream does
// not flood subscribers.
type usageThrottle struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func newUsageThrottle(interval time.Duration) *usageThrottle {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &usageThrottle{interval: interval, now: time.Now}
}

// maybe returns a provisional usage chunk when enough time has passed since
// the previous one, else nil.
func (t *usageThrottle) maybe(promptTokens, completionTokens int) *Chunk {
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return nil
	}
	t.last = now
	return &Chunk{Usage: &models.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Estimated:        true,
	}}
}
