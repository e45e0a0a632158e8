// Package utils provides shared helpers for the copy-trading worker.
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeAddress normalizes an Ethereum address to lowercase with trimmed spaces.
func NormalizeAddress(addr string) string {
	return strings.TrimSpace(strings.ToLower(addr))
}

// ShortAddress returns a truncated address for display (0x1234...5678).
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// MinDecimal returns the smaller of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// OutcomeIndexFromLabel maps an outcome label to its index. Binary markets
// use yes/up/true for index 0 and no/down/false for index 1; anything else
// is unresolved.
func OutcomeIndexFromLabel(label string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "yes", "up", "true":
		return 0, true
	case "no", "down", "false":
		return 1, true
	}
	return 0, false
}
