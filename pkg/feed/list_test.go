package feed

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ev(t *testing.T, id int64, offset time.Duration) Event {
	t.Helper()
	e, err := NewEvent(map[string]any{
		"id":         id,
		"created_at": base.Add(offset).Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	return e
}

func ids(events []Event) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestListMergeIsIdempotent(t *testing.T) {
	l := NewList(0)
	e := ev(t, 7, 0)

	assert.True(t, l.Merge(e))
	assert.False(t, l.Merge(e))
	assert.Equal(t, []int64{7}, ids(l.Snapshot()))
}

func TestListKeepsNewestFirst(t *testing.T) {
	l := NewList(0)
	l.Merge(ev(t, 1, time.Minute))
	l.Merge(ev(t, 2, 3*time.Minute))
	l.Merge(ev(t, 3, 2*time.Minute))

	assert.Equal(t, []int64{2, 3, 1}, ids(l.Snapshot()))
}

func TestListTiesPreferLatestArrival(t *testing.T) {
	l := NewList(0)
	l.Merge(ev(t, 1, 0))
	l.Merge(ev(t, 2, 0))

	// The newcomer is inserted at the front before the stable sort.
	assert.Equal(t, []int64{2, 1}, ids(l.Snapshot()))
}

func TestListBoundedAndSeenSurvivesTruncation(t *testing.T) {
	l := NewList(0)
	for i := 1; i <= 60; i++ {
		l.Merge(ev(t, int64(i), time.Duration(i)*time.Second))
	}
	require.Equal(t, DefaultCapacity, l.Len())
	assert.Equal(t, int64(60), l.Snapshot()[0].ID)
	assert.Equal(t, int64(11), l.Snapshot()[DefaultCapacity-1].ID)

	// id 1 dropped off the end but must stay known.
	assert.True(t, l.Seen(1))
	assert.False(t, l.Merge(ev(t, 1, time.Hour)))
	assert.Equal(t, 60, l.SeenCount())
}

func TestListEventsWithoutIDAlwaysMerge(t *testing.T) {
	l := NewList(0)
	e, err := ParseEvent([]byte(`{"created_at":"2025-06-01T12:00:00Z","note":"x"}`))
	require.NoError(t, err)
	require.False(t, e.HasID)

	assert.True(t, l.Merge(e))
	assert.True(t, l.Merge(e))
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 0, l.SeenCount())
}

func TestListRandomSequencesHoldInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			l := NewList(0)
			for i := 0; i < 200; i++ {
				id := int64(rng.Intn(120))
				l.Merge(ev(t, id, time.Duration(rng.Intn(500))*time.Second))
			}

			snap := l.Snapshot()
			assert.LessOrEqual(t, len(snap), DefaultCapacity)
			seen := map[int64]bool{}
			for i, e := range snap {
				assert.False(t, seen[e.ID], "duplicate id %d", e.ID)
				seen[e.ID] = true
				if i > 0 {
					assert.False(t, snap[i-1].OccurredAt.Before(e.OccurredAt), "not sorted at %d", i)
				}
			}
		})
	}
}

func TestListBackfillThenPush(t *testing.T) {
	l := NewList(0)
	l.MergeAll([]Event{ev(t, 3, 3*time.Minute), ev(t, 2, 2*time.Minute)})

	accepted := l.MergeAll([]Event{ev(t, 2, 2*time.Minute), ev(t, 5, 5*time.Minute)})

	assert.Equal(t, 1, accepted)
	assert.Equal(t, []int64{5, 3, 2}, ids(l.Snapshot()))
}

func TestListBatchKeepsPageOrderOnTies(t *testing.T) {
	l := NewList(0)
	accepted := l.MergeBatch([]Event{ev(t, 7, time.Minute), ev(t, 4, 0), ev(t, 6, 0), ev(t, 4, 0), ev(t, 5, 0)})

	assert.Equal(t, []int64{7, 4, 6, 5}, ids(accepted), "a repeated id inside the page is dropped")
	assert.Equal(t, []int64{7, 4, 6, 5}, ids(l.Snapshot()))

	// A later single push with the same timestamp still goes first among ties.
	l.Merge(ev(t, 8, 0))
	assert.Equal(t, []int64{7, 8, 4, 6, 5}, ids(l.Snapshot()))
	assert.Nil(t, l.MergeBatch([]Event{ev(t, 6, 0)}))
}

func TestListReset(t *testing.T) {
	l := NewList(5)
	l.Merge(ev(t, 1, 0))
	l.Reset()

	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Seen(1))
	assert.True(t, l.Merge(ev(t, 1, 0)))
	assert.Equal(t, 5, l.Capacity())
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewList(0)
	l.Merge(ev(t, 1, 0))
	snap := l.Snapshot()
	snap[0].ID = 99

	assert.Equal(t, int64(1), l.Snapshot()[0].ID)
}
