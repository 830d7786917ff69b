package feed

import (
	"slices"
)

// DefaultCapacity is how many events the retained list shows.
const DefaultCapacity = 50

// List is the bounded, de-duplicated, newest-first view of recent events.
//
// The seen set outlives truncation: an id stays known after its event drops
// off the end of the list, so a late redelivery can never bring it back.
// List is not safe for concurrent use; its owner serializes access.
type List struct {
	capacity int
	seen     map[int64]struct{}
	items    []Event
}

// NewList returns an empty list. A non-positive capacity means DefaultCapacity.
func NewList(capacity int) *List {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &List{
		capacity: capacity,
		seen:     make(map[int64]struct{}),
		items:    make([]Event, 0, capacity+1),
	}
}

// Merge applies one event and reports whether it was accepted.
// Events without an id are always accepted since there is nothing to match on.
func (l *List) Merge(e Event) bool {
	return len(l.MergeBatch([]Event{e})) == 1
}

// MergeBatch applies a page of events at once and returns the accepted ones.
// Accepted events go to the front in slice order before the stable sort, so
// events with equal timestamps keep the order the page listed them in.
func (l *List) MergeBatch(events []Event) []Event {
	var accepted []Event
	for _, e := range events {
		if e.HasID {
			if _, ok := l.seen[e.ID]; ok {
				continue
			}
			l.seen[e.ID] = struct{}{}
		}
		accepted = append(accepted, e)
	}
	if len(accepted) == 0 {
		return nil
	}

	l.items = slices.Insert(l.items, 0, accepted...)
	slices.SortStableFunc(l.items, func(a, b Event) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	if len(l.items) > l.capacity {
		clear(l.items[l.capacity:])
		l.items = l.items[:l.capacity]
	}
	return accepted
}

// MergeAll is MergeBatch returning only the accepted count.
func (l *List) MergeAll(events []Event) int {
	return len(l.MergeBatch(events))
}

// Snapshot returns a copy of the retained events, newest first.
func (l *List) Snapshot() []Event {
	return slices.Clone(l.items)
}

// Seen reports whether id was ever accepted, even if it is no longer visible.
func (l *List) Seen(id int64) bool {
	_, ok := l.seen[id]
	return ok
}

func (l *List) Len() int { return len(l.items) }

func (l *List) Capacity() int { return l.capacity }

// SeenCount is the size of the seen set.
func (l *List) SeenCount() int { return len(l.seen) }

// Reset drops all events and forgets every seen id. Only a full session reset
// should call this; reconnects must not.
func (l *List) Reset() {
	clear(l.seen)
	clear(l.items)
	l.items = l.items[:0]
}
