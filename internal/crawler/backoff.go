package crawler

import (
	"math/rand/v2"
	"time"
)

// backoff returns the delay before retry number attempt (1-based). The
// nominal delay is base * 2^(attempt-1) capped at ceiling; the result is
// drawn uniformly from the upper half of it.
func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && (ceiling <= 0 || d < ceiling); i++ {
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}
