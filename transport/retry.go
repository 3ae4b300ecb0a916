package transport

import (
	"context"
	"math/rand"
	"time"

	"github.com/cellhost/substrate/cellsys/cerr"
)

// RetryPolicy bounds how Send re-dials and re-fires after a retriable
// failure: exponential backoff from base, capped, with up to maxTries
// attempts total (the first attempt plus maxTries-1 retries).
type RetryPolicy struct {
	Base     time.Duration
	Cap      time.Duration
	MaxTries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 100 * time.Millisecond, Cap: 10 * time.Second, MaxTries: 3}
}

// backoff returns the delay before attempt (1-indexed), full exponential
// growth with a random jitter in [0, delay) to avoid synchronized retries
// across cells hammering the same target.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.Base << uint(attempt-1)
	if d > p.Cap || d <= 0 {
		d = p.Cap
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// Send fires payload on channel to target, acquiring a pooled connection,
// retrying according to policy only for kinds the taxonomy marks retriable,
// and always releasing or discarding the connection it used.
func Send(ctx context.Context, pool *Pool, policy RetryPolicy, target string, channel uint8, targetID, sourceID uint64, payload []byte) (resultPayload []byte, err error) {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxTries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		c, acquireErr := pool.Acquire(ctx, target)
		if acquireErr != nil {
			lastErr = acquireErr
			if !cerr.KindOf(acquireErr).Retriable() {
				return nil, acquireErr
			}
			continue
		}
		reply, fireErr := c.Fire(ctx, channel, targetID, sourceID, payload)
		if fireErr != nil {
			lastErr = fireErr
			pool.Release(c) // already closed by Fire; reclaims the global slot
			if !cerr.KindOf(fireErr).Retriable() {
				return nil, fireErr
			}
			continue
		}
		pool.Release(c)
		return reply.Bytes(), nil
	}
	return nil, lastErr
}
