package stream

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/usagepanda/usagepanda-proxy/internal/api"
)

// fallbackEncoding is used for models tiktoken does not know.
const fallbackEncoding = "cl100k_base"

// Counter computes token usage for a streamed completion.
type Counter interface {
	Usage(model string, prompts []string, completion string) api.Usage
}

// TokenCounter counts tokens with the model's tiktoken encoding. Encodings
// are loaded once per model and shared.
type TokenCounter struct {
	logger *zap.Logger
	load   func(model string) (*tiktoken.Tiktoken, error)

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewTokenCounter creates a TokenCounter.
func NewTokenCounter(logger *zap.Logger) *TokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCounter{
		logger:   logger,
		load:     loadEncoding,
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

// Usage counts prompt and completion tokens. When no encoding can be loaded
// the usage is zero.
func (c *TokenCounter) Usage(model string, prompts []string, completion string) api.Usage {
	enc := c.encoder(model)
	if enc == nil {
		return api.Usage{}
	}
	var u api.Usage
	for _, p := range prompts {
		u.PromptTokens += len(enc.Encode(p, nil, nil))
	}
	u.CompletionTokens = len(enc.Encode(completion, nil, nil))
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func (c *TokenCounter) encoder(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	enc, err := c.load(model)
	if err != nil {
		c.logger.Warn("failed to load token encoding; usage not counted", zap.String("model", model), zap.Error(err))
		return nil
	}
	c.encoders[model] = enc
	return enc
}
