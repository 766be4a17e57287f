package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMultiplier      = 2
	retrySteps           = 8
)

// retryDelay returns how long to wait after the n-th failed attempt: 500ms
// doubling up to the eighth step and flat after that.
func retryDelay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     retryInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          retryMultiplier,
		MaxInterval:         retryInitialInterval << (retrySteps - 1),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	if n < 1 {
		n = 1
	}
	if n > retrySteps {
		n = retrySteps
	}
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
