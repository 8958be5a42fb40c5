// Package dedup implements the Deduplicator: a sliding-window TTL check
// per alarm fingerprint, plus an advisory cardinality estimate surfaced as
// unique_count/dedup_rate.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const seenKeyPrefix = "dedup:seen:"

// Deduplicator suppresses repeat alarms for the same fingerprint within a
// sliding window. Redis failures fail open: deduplication is an
// optimization, not a correctness invariant.
type Deduplicator struct {
	client *redis.Client
	window time.Duration
	log    *logrus.Entry

	mu       sync.Mutex
	sketch   *hyperloglog.Sketch
	total    int64
	suppressed int64
}

// New builds a Deduplicator with the given sliding window.
func New(client *redis.Client, window time.Duration, log *logrus.Entry) *Deduplicator {
	return &Deduplicator{
		client: client,
		window: window,
		log:    log.WithField("component", "dedup"),
		sketch: hyperloglog.New(),
	}
}

// IsNew reports whether fingerprint has not been seen within the window,
// recording the occurrence as a side effect when it has not. On Redis
// failure, it fails open (treats the event as new) and logs the error.
func (d *Deduplicator) IsNew(ctx context.Context, fingerprint string) bool {
	d.mu.Lock()
	d.total++
	d.sketch.Insert([]byte(fingerprint))
	d.mu.Unlock()

	key := seenKeyPrefix + fingerprint
	set, err := d.client.SetNX(ctx, key, 1, d.window).Result()
	if err != nil {
		d.log.WithError(err).Warn("dedup store unavailable, failing open")
		return true
	}
	if !set {
		d.mu.Lock()
		d.suppressed++
		d.mu.Unlock()
	}
	return set
}

// Stats reports the estimated unique fingerprint count and the fraction of
// checked alarms suppressed as duplicates.
func (d *Deduplicator) Stats() (uniqueCount uint64, dedupRate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	uniqueCount = d.sketch.Estimate()
	if d.total == 0 {
		return uniqueCount, 0
	}
	return uniqueCount, float64(d.suppressed) / float64(d.total)
}
