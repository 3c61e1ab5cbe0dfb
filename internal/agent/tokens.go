package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter wraps pkoukk/tiktoken-go's cl100k_base encoding (the
// teacher has no token-budgeting concern of its own; this is an
// enrichment pulled in for §4.7's max-output-bytes-adjacent token
// bookkeeping and the agent's running TokensUsed figure).
type tokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

var shared = &tokenCounter{}

func countTokens(text string) int {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.enc == nil {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return len(text) / 4 // rough fallback, avoids a hard dependency failure mid-loop
		}
		shared.enc = enc
	}
	return len(shared.enc.Encode(text, nil, nil))
}
