package acmecore

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// certBackoffSteps is the certificate track's fixed retry progression,
// capped at its last element. It is not exponential and carries no jitter,
// so retry timing stays exactly reproducible in tests.
var certBackoffSteps = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	45 * time.Second,
	60 * time.Second,
}

// idlePollInterval is the fixed polling interval used while
// IDLE_UNCONFIGURED.
const idlePollInterval = 5 * time.Second

// unprepareRetryDelay is the unprepare track's fixed, non-progressive retry
// delay.
const unprepareRetryDelay = 10 * time.Minute

// fixedProgression implements backoff.BackOff over certBackoffSteps. It
// resets whenever a certificate-track success occurs.
type fixedProgression struct {
	steps []time.Duration
	n     int
}

var _ backoff.BackOff = (*fixedProgression)(nil)

func newCertBackoff() *fixedProgression {
	return &fixedProgression{steps: certBackoffSteps}
}

func (f *fixedProgression) NextBackOff() time.Duration {
	idx := f.n
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	if f.n < len(f.steps) {
		f.n++
	}
	return f.steps[idx]
}

func (f *fixedProgression) Reset() { f.n = 0 }

// flatBackOff implements backoff.BackOff with a single non-progressive
// delay, used for the unprepare track.
type flatBackOff struct {
	delay time.Duration
}

var _ backoff.BackOff = (*flatBackOff)(nil)

func (f *flatBackOff) NextBackOff() time.Duration { return f.delay }
func (f *flatBackOff) Reset()                     {}

func newUnprepareBackoff() *flatBackOff {
	return &flatBackOff{delay: unprepareRetryDelay}
}
