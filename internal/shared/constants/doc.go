// Package constants centralizes tunable defaults shared across the
// inspection pipeline so individual packages do not grow their own
// magic numbers.
package constants
