// Package tokens estimates token counts for usage reporting when the
// inference backend does not report usage itself.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Token overhead for chat formatting, per OpenAI's accounting:
// 3 tokens per message plus 1 for the role, and 3 to prime the reply.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// charsPerToken is the fallback ratio when no codec is available.
const charsPerToken = 4.0

// Message is the part of a chat message that contributes to prompt tokens.
type Message struct {
	Role    string
	Content string
}

// Counter counts tokens with tiktoken encodings. Backends served here run
// open-weight models whose tokenizers are not bundled, so counts are
// estimates computed with the closest tiktoken encoding.
type Counter struct {
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// getCodec returns the cached codec for the encoding that fits model.
func (c *Counter) getCodec(model string) (tokenizer.Codec, error) {
	encoding := modelToEncoding(model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encoding names.
//
// Encoding reference:
// - Cl100kBase: GPT-4, GPT-3.5-turbo and Llama 2 era vocabularies
// - O200kBase: everything else, the closest fit for current large vocabularies
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	case strings.Contains(model, "llama-2"), strings.Contains(model, "llama2"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText counts tokens in text. When no codec can be loaded it falls back
// to a character based estimate.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.getCodec(model)
	if err != nil {
		return estimate(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return estimate(text)
	}
	return len(ids)
}

// CountMessages counts prompt tokens for a chat request, including the
// per-message formatting overhead.
func (c *Counter) CountMessages(model string, messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += c.CountText(model, msg.Content)
	}
	return total + replyPriming
}

func estimate(text string) int {
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}
