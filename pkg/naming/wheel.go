package naming

import (
	"time"

	"github.com/meridian-io/meridian/pkg/types"
)

const (
	wheelBucketWidth = 100 * time.Millisecond
	wheelBucketCount = 600 // 60 seconds of lookahead
)

// timeoutWheel buckets instance keys by approximate deadline so the tick
// loop only has to scan buckets that are actually due, instead of every
// instance on every tick.
type timeoutWheel struct {
	buckets  [wheelBucketCount][]InstanceTimeout
	position int
	epoch    time.Time
}

// InstanceTimeout is a scheduled deadline for one instance.
type InstanceTimeout struct {
	Key      types.InstanceKey
	Deadline time.Time
	Kind     timeoutKind
}

type timeoutKind int

const (
	timeoutMarkUnhealthy timeoutKind = iota
	timeoutRemove
)

func newTimeoutWheel(now time.Time) *timeoutWheel {
	return &timeoutWheel{epoch: now}
}

func (w *timeoutWheel) schedule(t InstanceTimeout) {
	offset := t.Deadline.Sub(w.epoch)
	if offset < 0 {
		offset = 0
	}
	bucket := (int(offset/wheelBucketWidth) + w.position) % wheelBucketCount
	w.buckets[bucket] = append(w.buckets[bucket], t)
}

// advance moves the wheel forward to now and returns every timeout whose
// deadline has elapsed, in the order they were scheduled within each
// drained bucket.
func (w *timeoutWheel) advance(now time.Time) []InstanceTimeout {
	var due []InstanceTimeout
	elapsed := now.Sub(w.epoch)
	steps := int(elapsed / wheelBucketWidth)
	if steps <= 0 {
		return nil
	}
	for i := 0; i < steps && i < wheelBucketCount; i++ {
		b := w.buckets[w.position]
		w.buckets[w.position] = nil
		for _, t := range b {
			if !t.Deadline.After(now) {
				due = append(due, t)
			} else {
				w.schedule(t)
			}
		}
		w.position = (w.position + 1) % wheelBucketCount
	}
	w.epoch = w.epoch.Add(time.Duration(steps) * wheelBucketWidth)
	return due
}
