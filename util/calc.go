package util

import (
	"math/rand"
	"time"
)

// CalcChangePercent returns the 24h change in percent given an open and last
// price.
func CalcChangePercent(open24h, lastPrice float64) float64 {
	if open24h <= 0 {
		return 0
	}
	return (lastPrice - open24h) / open24h * 100
}

// Jitter spreads d by up to +-frac so a fleet of reconnecting clients does
// not thunder in lockstep.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(spread)
}
