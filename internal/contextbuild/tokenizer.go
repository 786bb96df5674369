package contextbuild

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer token 计数器：tiktoken 精确计数，离线时退化为启发式估算
// Tokenizer counts tokens with tiktoken, degrading to a heuristic
// estimate when the BPE tables are unavailable offline.
type Tokenizer struct {
	encoder  *tiktoken.Tiktoken
	fallback bool
	mu       sync.RWMutex
}

var (
	defaultTokenizer     *Tokenizer
	defaultTokenizerOnce sync.Once
)

// DefaultTokenizer returns the shared cl100k_base tokenizer.
func DefaultTokenizer() *Tokenizer {
	defaultTokenizerOnce.Do(func() {
		defaultTokenizer = NewTokenizer("cl100k_base")
	})
	return defaultTokenizer
}

func NewTokenizer(encoding string) *Tokenizer {
	t := &Tokenizer{}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		t.fallback = true
		return t
	}
	t.encoder = enc
	return t
}

// CountText returns the token count for one text block.
func (t *Tokenizer) CountText(text string) int {
	if text == "" {
		return 0
	}
	if t.fallback {
		return heuristicTokenCount(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.encoder.Encode(text, nil, nil))
}

// IsPrecise reports whether tiktoken counting is active.
func (t *Tokenizer) IsPrecise() bool {
	return !t.fallback
}

// heuristicTokenCount 估算：CJK 约 1.5 token/字，ASCII 约 4 字符/token
// heuristicTokenCount estimates roughly 1.5 tokens per CJK rune and 4
// ASCII chars per token.
func heuristicTokenCount(text string) int {
	cjk := 0
	ascii := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			ascii++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(ascii)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
