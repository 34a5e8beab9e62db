package dispatch

import (
	"math/rand"
	"time"
)

const defaultJitter = 0.2

// Delay draws the humanized pause between sends: uniform in
// [(1-jitter)*base, (1+jitter)*base]. The random source is injectable so
// tests can pin the draw.
type Delay struct {
	Jitter float64

	// Rand returns a uniform float in [0,1); nil means math/rand.
	Rand func() float64
}

func (d Delay) Next(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	j := d.Jitter
	if j <= 0 {
		j = defaultJitter
	}
	r := d.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 - j + 2*j*r()
	return time.Duration(float64(base) * factor)
}
