package domain

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy calcula la espera antes de un reintento. Es una función pura
// del número de intentos; Rand sólo se inyecta en tests.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fracción en [0,1]
	Rand   func() float64
}

// Delay devuelve Base*2^(attempts-1), con jitter y acotado a Max.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := p.Base
	for i := 1; i < attempts; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*r()-1)))
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}
