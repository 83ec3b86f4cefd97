package fetch

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits n*unit after the n-th failed attempt.
type linearBackOff struct {
	unit    time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func newLinearBackOff(unit time.Duration) *linearBackOff {
	return &linearBackOff{unit: unit}
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.unit
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
