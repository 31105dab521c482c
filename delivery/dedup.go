package delivery

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	xlog "go.nexum.io/notifier/log"
)

// DeduplicatorConfig adjusts the deduplication window.
type DeduplicatorConfig struct {
	// How long an entry stays relevant after its last observed update.
	Lifespan time.Duration

	// How often expired entries are collected.
	GCInterval time.Duration
}

// Deduplicator drops duplicate and stale per-notification updates. The
// at-least-once bus redelivers events freely, and delivery instances may
// observe the same update through different paths; only updates strictly
// newer than anything previously observed for the same notification pass
// through. Rejection is the normal outcome for replays, not an error.
type Deduplicator struct {
	mu          sync.Mutex
	lastUpdates map[primitive.ObjectID]time.Time
	capacity    int

	lifespan time.Duration
	interval time.Duration
	log      xlog.Logger
	metrics  *Metrics

	halt context.CancelFunc
	done chan struct{}
}

// NewDeduplicator returns a deduplication engine with a running garbage
// collection task.
func NewDeduplicator(cfg DeduplicatorConfig, metrics *Metrics, ll xlog.Logger) *Deduplicator {
	if ll == nil {
		ll = xlog.Discard()
	}
	ctx, halt := context.WithCancel(context.Background())
	d := &Deduplicator{
		lastUpdates: map[primitive.ObjectID]time.Time{},
		lifespan:    cfg.Lifespan,
		interval:    cfg.GCInterval,
		log:         ll.Sub(xlog.Fields{"component": "deduplication"}),
		metrics:     metrics,
		halt:        halt,
		done:        make(chan struct{}),
	}
	go d.collect(ctx)
	return d
}

// Close stops the garbage collection task.
func (d *Deduplicator) Close() {
	d.halt()
	<-d.done
}

// Deduplicate reports whether the update should be processed. The first
// update for a notification is accepted; later updates are accepted only
// with a strictly newer timestamp.
func (d *Deduplicator) Deduplicate(id primitive.ObjectID, timestamp time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, seen := d.lastUpdates[id]
	if seen && !last.Before(timestamp) {
		d.metrics.DedupRejects.Inc()
		d.log.WithField("id", id.Hex()).Debug("duplicate notification status update")
		return false
	}
	d.lastUpdates[id] = timestamp
	if len(d.lastUpdates) > d.capacity {
		d.capacity = len(d.lastUpdates)
	}
	return true
}

// Periodically remove entries past their lifespan.
func (d *Deduplicator) collect(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			minTimestamp := time.Now().Add(-d.lifespan)
			d.mu.Lock()
			before := len(d.lastUpdates)
			for id, timestamp := range d.lastUpdates {
				if !timestamp.After(minTimestamp) {
					delete(d.lastUpdates, id)
				}
			}
			removed := before - len(d.lastUpdates)

			// Go maps never release their buckets; when occupancy drops
			// below a quarter of the observed peak the map is rebuilt at
			// the survivor size and the tracked peak halved.
			if len(d.lastUpdates) < d.capacity/4 {
				rebuilt := make(map[primitive.ObjectID]time.Time, len(d.lastUpdates))
				for id, timestamp := range d.lastUpdates {
					rebuilt[id] = timestamp
				}
				d.lastUpdates = rebuilt
				d.capacity /= 2
			}
			d.mu.Unlock()
			d.log.WithField("removed_entries", removed).Debug("garbage collection finished")
		}
	}
}
