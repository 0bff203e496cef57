package download

import "golang.org/x/time/rate"

// throttle decides which progress updates reach the caller: one per
// ProgressStep percent (or ProgressBytes when the size is unknown), at most
// ProgressPerSecond per second, and always the final one.
type throttle struct {
	step        int
	bytesStep   int64
	limiter     *rate.Limiter
	lastPercent int
	lastBytes   int64
}

func newThrottle(opts Options) *throttle {
	t := &throttle{step: opts.ProgressStep, bytesStep: opts.ProgressBytes}
	if opts.ProgressPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(opts.ProgressPerSecond), 1)
	}
	return t
}

func (t *throttle) allow(written, total int64, final bool) bool {
	if final {
		return true
	}
	if total > 0 {
		percent := int(written * 100 / total)
		if percent >= 100 || percent-t.lastPercent < t.step {
			return false
		}
		if t.limiter != nil && !t.limiter.Allow() {
			return false
		}
		t.lastPercent = percent
		return true
	}
	if written-t.lastBytes < t.bytesStep {
		return false
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return false
	}
	t.lastBytes = written
	return true
}
