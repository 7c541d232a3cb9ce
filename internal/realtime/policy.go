package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matheus3301/omnichat/internal/clock"
)

// Policy configures reconnection and liveness for a channel.
type Policy struct {
	// BaseDelay is the delay before the first reconnect attempt.
	BaseDelay time.Duration
	// Multiplier > 1 grows the delay per consecutive failure up to
	// MaxDelay. 0 or 1 keeps the delay constant at BaseDelay.
	Multiplier float64
	MaxDelay   time.Duration
	// MaxRetries caps consecutive reconnect attempts. After that the
	// channel stays in ClosedError until the next explicit Connect.
	MaxRetries int
	// Heartbeat is the ping interval. 0 disables pings.
	Heartbeat time.Duration
	// DialTimeout bounds each connect attempt.
	DialTimeout time.Duration
	// DegradedAfter is the number of consecutive failures after which
	// notices are marked user-visible.
	DegradedAfter int
}

// DefaultPolicy is a fixed 3s delay with a cap of 10 consecutive retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:     3 * time.Second,
		Multiplier:    1,
		MaxDelay:      time.Minute,
		MaxRetries:    10,
		Heartbeat:     30 * time.Second,
		DialTimeout:   15 * time.Second,
		DegradedAfter: 3,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = d.DialTimeout
	}
	if p.DegradedAfter <= 0 {
		p.DegradedAfter = d.DegradedAfter
	}
	return p
}

// newBackOff builds the retry schedule. Delays never grow past MaxDelay
// and the schedule stops after MaxRetries attempts.
func (p Policy) newBackOff(clk clock.Clock) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.BaseDelay
		exp.Multiplier = p.Multiplier
		exp.MaxInterval = p.MaxDelay
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		exp.Clock = clk
		exp.Reset()
		b = exp
	} else {
		b = backoff.NewConstantBackOff(p.BaseDelay)
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}
