package tokens

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator 精确 token 计数器，支持 tiktoken 和启发式回退。
// Estimator provides precise token counting with tiktoken and a heuristic
// fallback for offline environments without a BPE cache. Used for prompt
// accounting around the skill sub-loop and the end-of-run summary.
type Estimator struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.RWMutex
}

var (
	defaultEstimator     *Estimator
	defaultEstimatorOnce sync.Once
)

// Default returns the shared estimator instance.
func Default() *Estimator {
	defaultEstimatorOnce.Do(func() {
		defaultEstimator = New("cl100k_base")
	})
	return defaultEstimator
}

// New creates an estimator, falling back to the heuristic when tiktoken
// initialization fails.
func New(encodingName string) *Estimator {
	e := &Estimator{encodingName: encodingName}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		e.fallback = true
		return e
	}
	e.encoder = enc
	return e
}

// ForModel auto-selects the encoding for the given model name.
func ForModel(model string) *Estimator {
	return New(modelToEncoding(model))
}

// Count returns the token count of a single text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.fallback {
		return heuristicCount(text)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoder.Encode(text, nil, nil))
}

// IsPrecise reports whether tiktoken counting is available.
func (e *Estimator) IsPrecise() bool {
	return !e.fallback
}

func (e *Estimator) EncodingName() string {
	return e.encodingName
}

// heuristicCount 启发式估算：CJK 约 1.5 token/字，ASCII 约 4 字符/token。
// heuristicCount estimates tokens: CJK ~1.5 tokens per character, ASCII ~4
// characters per token.
func heuristicCount(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	estimate := int(float64(cjk)*1.5 + float64(other)*0.25)
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

func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return "cl100k_base"
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "chatgpt-4o"):
		return "o200k_base"
	}
	return "cl100k_base"
}
