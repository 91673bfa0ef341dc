package netsuitesync

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
)

// RateLimiter keeps outbound NetSuite calls under a per-second budget.
// With Redis available the window is shared across every worker process
// (fixed one-second window, INCR + expiry); without it each process
// falls back to a local ticker, which is correct enough for a single
// instance.
type RateLimiter struct {
	perSecond int
	local     <-chan time.Time
}

func NewRateLimiter(perSecond int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &RateLimiter{
		perSecond: perSecond,
		local:     time.Tick(time.Second / time.Duration(perSecond)),
	}
}

// Wait blocks until one request slot is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rdb := config.GetRedisDB()
	if rdb == nil {
		select {
		case <-rl.local:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		window := time.Now().Unix()
		key := fmt.Sprintf("NetSuiteRate:%d", window)
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			// Redis hiccup; degrade to the local ticker for this call.
			select {
			case <-rl.local:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if count == 1 {
			rdb.Expire(ctx, key, 2*time.Second)
		}
		if count <= int64(rl.perSecond) {
			return nil
		}

		// Window exhausted, sleep into the next one.
		wakeAt := time.Unix(window+1, 0)
		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
