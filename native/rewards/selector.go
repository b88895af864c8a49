package rewards

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// SelectPrize draws one index from the weight table. The draw is uniform over
// [0, Σweights) and walks the cumulative sum, so an entry's probability is
// weight/total and a zero weight is unreachable. crypto/rand backs the draw
// because the outcome carries monetary value.
func SelectPrize(weights []uint64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("rewards: empty weight table")
	}
	total := new(big.Int)
	for _, w := range weights {
		total.Add(total, new(big.Int).SetUint64(w))
	}
	if total.Sign() <= 0 {
		return 0, fmt.Errorf("rewards: total weight is zero")
	}
	draw, err := rand.Int(rand.Reader, total)
	if err != nil {
		return 0, fmt.Errorf("rewards: draw: %w", err)
	}
	cumulative := new(big.Int)
	for i, w := range weights {
		cumulative.Add(cumulative, new(big.Int).SetUint64(w))
		if draw.Cmp(cumulative) < 0 {
			return i, nil
		}
	}
	// Unreachable: draw < total and the final cumulative equals total.
	return len(weights) - 1, nil
}
