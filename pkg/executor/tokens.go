package executor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/s123104/night-pilot/pkg/store"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

func getEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		// cl100k_base is close enough for accounting estimates across the
		// agent's model family; exactness comes from the agent's own report.
		encoder, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return encoder
}

// estimateTokenUsage approximates accounting for runs where the agent did not
// report usage (text output mode, crashes after partial output).
func estimateTokenUsage(prompt, stdout string) *store.TokenUsage {
	enc := getEncoder()
	if enc == nil {
		return nil
	}
	return &store.TokenUsage{
		InputTokens:  int64(len(enc.Encode(prompt, nil, nil))),
		OutputTokens: int64(len(enc.Encode(stdout, nil, nil))),
		Estimated:    true,
	}
}
