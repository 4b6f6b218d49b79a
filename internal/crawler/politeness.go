package crawler

import (
	"crypto/rand"
	"math/big"
	"time"
)

// PausePolicy samples the randomized delay inserted between requests to the
// same host: floor + U(0, spread).
type PausePolicy struct {
	Floor  time.Duration
	Spread time.Duration
	// Rand returns a value in [0, n). Nil uses crypto/rand.
	Rand func(n int64) int64
}

// NewPausePolicy returns floor + U(0,1s).
func NewPausePolicy(floor time.Duration) PausePolicy {
	return PausePolicy{Floor: floor, Spread: time.Second}
}

// Next samples one pause.
func (p PausePolicy) Next() time.Duration {
	if p.Spread <= 0 {
		return p.Floor
	}
	return p.Floor + time.Duration(p.random(int64(p.Spread)))
}

func (p PausePolicy) random(n int64) int64 {
	if p.Rand != nil {
		return p.Rand(n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return v.Int64()
}
