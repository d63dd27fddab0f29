package fetch

import (
	"context"
	"sync"
	"time"
)

// hostLimiter caps outbound requests per host with a sliding one-second
// window. Callers block until the host's budget allows them to proceed.
type hostLimiter struct {
	mu        sync.Mutex
	perSecond int
	windows   map[string][]time.Time
}

func newHostLimiter(perSecond int) *hostLimiter {
	return &hostLimiter{perSecond: perSecond, windows: make(map[string][]time.Time)}
}

// wait blocks until host has budget. Returns ctx.Err() if the context is
// cancelled while waiting.
func (l *hostLimiter) wait(ctx context.Context, host string) error {
	if l.perSecond <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Second)
		window := pruneTime(l.windows[host], cutoff)

		if len(window) < l.perSecond {
			l.windows[host] = append(window, now)
			l.mu.Unlock()
			return nil
		}
		wait := window[0].Add(time.Second).Sub(now)
		l.windows[host] = window
		l.mu.Unlock()

		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
