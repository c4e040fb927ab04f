package budget

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/felixgeelhaar/foundry/internal/log"
)

// HeuristicCounter assumes four characters per token
type HeuristicCounter struct{}

// Count implements TokenCounter
func (HeuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// TiktokenCounter counts tokens with a BPE encoding
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads encoding, e.g. cl100k_base. Loading may download the
// vocabulary on first use.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewCounter returns a tiktoken counter, or the heuristic when the encoding cannot be loaded
func NewCounter(encoding string, logger *log.Logger) TokenCounter {
	if encoding == "" {
		return HeuristicCounter{}
	}
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		logger.WithError(err).Warn("token encoding unavailable, estimating by length", "encoding", encoding)
		return HeuristicCounter{}
	}
	return c
}
