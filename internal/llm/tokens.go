package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultHistoryTokens bounds the past exchanges resent with every chat message.
const DefaultHistoryTokens = 2048

const runesPerToken = 4

// Tokenizer counts tokens with a tiktoken encoding. Gemini does not publish its
// vocabulary, so cl100k_base serves as an estimate. The encoding is loaded on
// first use; when it cannot be loaded the count falls back to four runes per token.
type Tokenizer struct {
	encoding string
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenizer(logger *zap.Logger) *Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tokenizer{encoding: tiktoken.MODEL_CL100K_BASE, logger: logger}
}

func (t *Tokenizer) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("Failed to load tokenizer, approximating token counts",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return (len([]rune(text)) + runesPerToken - 1) / runesPerToken
	}
	return len(t.enc.Encode(text, nil, nil))
}

type historyOptions struct {
	limit  int
	tokens *Tokenizer
}

// Option configures a backend.
type Option func(*historyOptions)

// WithHistoryLimit bounds the tokens of past exchanges resent with each chat
// message. Zero or less keeps the whole history.
func WithHistoryLimit(tokens int) Option {
	return func(o *historyOptions) { o.limit = tokens }
}

func WithTokenizer(t *Tokenizer) Option {
	return func(o *historyOptions) { o.tokens = t }
}

func newHistoryOptions(logger *zap.Logger, opts []Option) historyOptions {
	o := historyOptions{limit: DefaultHistoryTokens}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tokens == nil {
		o.tokens = NewTokenizer(logger)
	}
	return o
}

// keepRecent returns how many of the trailing exchanges fit within limit
// tokens. The newest exchange is always kept. A limit of zero or less keeps
// everything.
func keepRecent(sizes []int, limit int) int {
	if limit <= 0 || len(sizes) == 0 {
		return len(sizes)
	}
	total, n := 0, 0
	for i := len(sizes) - 1; i >= 0; i-- {
		total += sizes[i]
		if total > limit && n > 0 {
			break
		}
		n++
	}
	return n
}
