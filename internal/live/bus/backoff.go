package bus

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxReconnectInterval caps a single delay so large attempt budgets cannot
// overflow time.Duration.
const maxReconnectInterval = time.Hour

// reconnectPolicy yields base, 2*base, 4*base ... for at most max attempts,
// then backoff.Stop. No jitter, so the schedule is exact.
type reconnectPolicy struct {
	b backoff.BackOff
}

func newReconnectPolicy(base time.Duration, max int) *reconnectPolicy {
	if max < 1 {
		max = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = min(base, maxReconnectInterval)
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = ceilingInterval(base, max)
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &reconnectPolicy{b: backoff.WithMaxRetries(exp, uint64(max))}
}

// next returns the delay before the next attempt, or false once the attempt
// budget is spent.
func (p *reconnectPolicy) next() (time.Duration, bool) {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (p *reconnectPolicy) reset() { p.b.Reset() }

// ceilingInterval is base * 2^(max-1), clamped to maxReconnectInterval.
func ceilingInterval(base time.Duration, max int) time.Duration {
	if base >= maxReconnectInterval {
		return maxReconnectInterval
	}
	d := base
	for i := 1; i < max; i++ {
		if d > maxReconnectInterval/2 {
			return maxReconnectInterval
		}
		d *= 2
	}
	return d
}
