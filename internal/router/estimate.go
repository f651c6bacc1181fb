package router

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelrelay/modelrelay/internal/schema"
)

// bytesPerToken is the documented over-estimating heuristic used when no real
// tokenizer is available.
const bytesPerToken = 4

// Estimator counts prompt tokens. It prefers a real tokenizer (cl100k_base)
// and falls back to the byte heuristic when the encoding cannot be loaded,
// e.g. in offline environments where the BPE ranks are not cached.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an Estimator. Encoding load is deferred to first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate returns the aggregate prompt token estimate for a request.
func (e *Estimator) Estimate(req *schema.ClientRequest) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		text := req.PromptText()
		n := len(e.enc.Encode(text, nil, nil))
		// Tool inputs and results are JSON, not prose; count them by bytes.
		if extra := req.PromptBytes() - len(text); extra > 0 {
			n += (extra + bytesPerToken - 1) / bytesPerToken
		}
		return n
	}
	return (req.PromptBytes() + bytesPerToken - 1) / bytesPerToken
}
