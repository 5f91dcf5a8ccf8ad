package memory

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator assigns a deterministic token cost to a turn. Estimates
// feed the working-memory budget, so the same turn must always cost the
// same amount.
type TokenEstimator interface {
	EstimateTurn(t Turn) int
	EstimateText(s string) int
}

// turnOverhead approximates the per-message framing cost (role tag,
// separators) that chat templates add around the content.
const turnOverhead = 5

// HeuristicEstimator approximates tokens as one per four characters. Cheap,
// dependency-free, and monotonic in content length.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateText(s string) int {
	return len(s)/4 + 1
}

func (HeuristicEstimator) EstimateTurn(t Turn) int {
	return len(t.Content)/4 + len(t.Role)/4 + turnOverhead
}

// TiktokenEstimator counts tokens with the cl100k_base BPE. More accurate
// than the heuristic for budget accounting against real model limits.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) EstimateText(s string) int {
	return len(e.enc.Encode(s, nil, nil))
}

func (e *TiktokenEstimator) EstimateTurn(t Turn) int {
	return len(e.enc.Encode(t.Content, nil, nil)) + turnOverhead
}
