package scheduler

import "time"

// ewmaAlpha and ewmaWindow implement the remaining-time estimator: an
// exponentially weighted moving average of observed progress rate,
// tuned so roughly the last 5 samples dominate the estimate
// (alpha = 2/(K+1) for K=5 gives 0.3, rounded to a plain constant here
// since the estimator never needs the derivation at runtime).
const ewmaAlpha = 0.3

// RemainingEstimator tracks a task's progress-per-second rate with an EWMA
// and projects the time left to reach 100%. Zero value is ready to use.
type RemainingEstimator struct {
	lastAt       time.Time
	lastProgress int
	rate         float64 // EWMA of progress points per second
	haveRate     bool
}

// Observe records a new progress sample. Samples with a non-positive
// elapsed duration since the prior sample, or non-increasing progress,
// do not update the rate (a retried or stalled task should not move the
// estimate).
func (e *RemainingEstimator) Observe(progress int, at time.Time) {
	defer func() {
		e.lastAt = at
		e.lastProgress = progress
	}()

	if e.lastAt.IsZero() {
		return
	}
	elapsed := at.Sub(e.lastAt).Seconds()
	if elapsed <= 0 || progress <= e.lastProgress {
		return
	}

	sample := float64(progress-e.lastProgress) / elapsed
	if !e.haveRate {
		e.rate = sample
		e.haveRate = true
		return
	}
	e.rate = ewmaAlpha*sample + (1-ewmaAlpha)*e.rate
}

// Estimate returns the projected remaining duration to reach 100% progress
// and whether the estimate is meaningful yet (false until at least one
// rate sample has been observed, or if the rate has stalled at zero).
func (e *RemainingEstimator) Estimate(currentProgress int) (time.Duration, bool) {
	if !e.haveRate || e.rate <= 0 || currentProgress >= 100 {
		return 0, false
	}
	remainingPoints := float64(100 - currentProgress)
	secs := remainingPoints / e.rate
	return time.Duration(secs * float64(time.Second)), true
}
