package notifier

import (
	"context"
	"sync"
	"time"
)

// storeLookupBudget bounds the synchronous store read on the report path.
const storeLookupBudget = 25 * time.Millisecond

// suppressor remembers which anomaly keys were sent recently. The store,
// when set, is consulted for keys this process has not seen.
type suppressor struct {
	mu    sync.Mutex
	until map[string]time.Time
	store DedupStore
}

func newSuppressor(store DedupStore) *suppressor {
	return &suppressor{until: map[string]time.Time{}, store: store}
}

// admit reports whether key may be sent now. On admission it records key
// as suppressed for window and returns the deadline.
func (d *suppressor) admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int, useStore bool) (time.Time, bool) {
	d.mu.Lock()
	if u, ok := d.until[key]; ok && now.Before(u) {
		d.mu.Unlock()
		return u, false
	}
	d.mu.Unlock()

	if useStore && d.store != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeLookupBudget)
		u, ok, err := d.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(u) {
			d.mu.Lock()
			d.until[key] = u
			d.mu.Unlock()
			return u, false
		}
	}

	u := now.Add(window)
	d.mu.Lock()
	d.until[key] = u
	d.evict(now, limit)
	d.mu.Unlock()
	return u, true
}

// evict drops expired keys, then the soonest-expiring ones above limit.
func (d *suppressor) evict(now time.Time, limit int) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for len(d.until) > limit {
		var victim string
		var soonest time.Time
		for k, u := range d.until {
			if victim == "" || u.Before(soonest) {
				victim, soonest = k, u
			}
		}
		delete(d.until, victim)
	}
}
