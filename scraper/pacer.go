package scraper

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pacer is the politeness policy between consecutive requests to one source:
// Base plus a uniform jitter in [0, Jitter).
type Pacer struct {
	Base   time.Duration
	Jitter time.Duration
	Rand   func() float64
	Sleep  Sleeper
}

// NewPacer returns a pacer on the real clock and the global random source.
func NewPacer(base, jitter time.Duration) *Pacer {
	return &Pacer{Base: base, Jitter: jitter, Rand: rand.Float64, Sleep: Sleep}
}

// Next returns the delay before the next request.
func (p *Pacer) Next() time.Duration {
	if p == nil {
		return 0
	}
	d := p.Base
	if p.Jitter > 0 && p.Rand != nil {
		d += time.Duration(p.Rand() * float64(p.Jitter))
	}
	return d
}

// Wait sleeps for Next().
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	return sleep(ctx, p.Next())
}
