// Package cache memoizes model invocations in process and, optionally, in Redis.
package cache

import (
	"crypto/sha256"
	"fmt"
	"strconv"
)

// Key identifies one invocation. Two calls share an entry only when every
// field matches exactly.
type Key struct {
	Provider    string
	Model       string
	Message     string
	Temperature float64
	MaxTokens   int
}

// Hash returns a deterministic Redis key for k.
func (k Key) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		k.Provider,
		k.Model,
		strconv.FormatFloat(k.Temperature, 'g', -1, 64),
		strconv.Itoa(k.MaxTokens),
		k.Message,
	} {
		// Length prefixes keep ("a","bc") and ("ab","c") apart.
		fmt.Fprintf(h, "%d:%s|", len(part), part)
	}
	return fmt.Sprintf("ensemble_cache:%x", h.Sum(nil)[:16])
}
