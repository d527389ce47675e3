package alerting

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Deduplicator is the process-wide set of recently accepted alert identities.
// Each identity stays a member for exactly one window after it was recorded;
// a duplicate hit does not extend it. Expired entries are ignored on lookup
// and removed by a sweep goroutine that Close stops.
type Deduplicator struct {
	seen          *gocache.Cache
	window        time.Duration
	sweepInterval time.Duration
	onExpire      func(identity string)
	mu            sync.Mutex
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

type DeduplicatorOption func(*Deduplicator)

// WithExpireHook registers fn to run for every expired identity, whether the
// sweep removes it or a new record of the same identity replaces it. fn runs
// outside the cache lock but may hold the record lock, so it must not call
// CheckAndRecord.
func WithExpireHook(fn func(identity string)) DeduplicatorOption {
	return func(d *Deduplicator) {
		d.onExpire = fn
	}
}

func NewDeduplicator(window, sweepInterval time.Duration, opts ...DeduplicatorOption) *Deduplicator {
	if sweepInterval <= 0 {
		sweepInterval = window
	}
	d := &Deduplicator{
		// cleanupInterval 0: go-cache starts no janitor, the sweep below owns expiry.
		seen:          gocache.New(window, 0),
		window:        window,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.onExpire != nil {
		d.seen.OnEvicted(func(identity string, _ interface{}) {
			d.onExpire(identity)
		})
	}
	d.wg.Add(1)
	go d.sweepLoop()
	return d
}

// CheckAndRecord reports whether identity is already live. When it is not,
// the identity is recorded for one window in the same critical section, so
// among concurrent callers with the same identity exactly one gets false.
func (d *Deduplicator) CheckAndRecord(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, live := d.seen.Get(identity); live {
		return true
	}
	// An expired entry the sweep has not reached yet goes through Delete so
	// the expire hook still sees it.
	d.seen.Delete(identity)
	d.seen.Set(identity, struct{}{}, d.window)
	return false
}

func (d *Deduplicator) Contains(identity string) bool {
	_, found := d.seen.Get(identity)
	return found
}

// Len counts live identities; entries past their window are not counted even
// before the sweep removes them. It copies the store, use ItemCount on hot
// paths.
func (d *Deduplicator) Len() int {
	return len(d.seen.Items())
}

// ItemCount is the size of the backing store, including expired entries the
// sweep has not removed yet.
func (d *Deduplicator) ItemCount() int {
	return d.seen.ItemCount()
}

func (d *Deduplicator) Window() time.Duration {
	return d.window
}

func (d *Deduplicator) Reset() {
	d.seen.Flush()
}

func (d *Deduplicator) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.seen.DeleteExpired()
		}
	}
}

// Close stops the sweep goroutine and drops all entries. Safe to call more
// than once.
func (d *Deduplicator) Close() {
	d.closeOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.seen.Flush()
	})
}
