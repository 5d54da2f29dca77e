// Package tokenutil provides a best-effort token estimator used wherever the
// system needs to reason about token budgets without a dependency on any
// specific model's tokenizer. Every call site treats the result as an
// estimate, not an exact count returned by an upstream provider.
package tokenutil

import "strings"

// EstimateTokens approximates token count for budgeting and logging
// purposes. It uses the common rule of thumb of roughly four characters per
// token, with a floor of one token per non-empty input.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len(trimmed) / 4
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// EstimateTokensMany sums EstimateTokens across several strings, useful for
// counting a prompt plus its context blocks without concatenating them.
func EstimateTokensMany(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return total
}
