package kafka

import (
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// backoff is a bounded exponential retry schedule.
type backoff struct {
	delays []time.Duration
}

func newBackoff(c RetryCfg) backoff {
	if c.Attempts <= 1 {
		return backoff{}
	}
	return backoff{delays: retrier.ExponentialBackoff(c.Attempts-1, c.Backoff)}
}

// next returns the delay before retry number failures, or false once the
// budget is spent. failures counts the failed attempts so far (>= 1).
func (b backoff) next(failures int) (time.Duration, bool) {
	if failures < 1 || failures > len(b.delays) {
		return 0, false
	}
	return b.delays[failures-1], true
}

// attempts is the total number of tries, first attempt included.
func (b backoff) attempts() int { return len(b.delays) + 1 }
