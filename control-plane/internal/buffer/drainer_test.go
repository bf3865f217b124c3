package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pilot-net/alertcore/control-plane/internal/testutil"
	"github.com/pilot-net/alertcore/pkg/types"
)

// memoryQueue mimics the Redis list: Pop takes the oldest, Requeue puts
// events back in front.
type memoryQueue struct {
	mu     sync.Mutex
	events []*types.AlertEvent
	down   bool
}

func (q *memoryQueue) Pop(ctx context.Context, max int) ([]*types.AlertEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.down {
		return nil, errors.New("connection refused")
	}
	if max > len(q.events) {
		max = len(q.events)
	}
	out := append([]*types.AlertEvent(nil), q.events[:max]...)
	q.events = q.events[max:]
	return out, nil
}

func (q *memoryQueue) Requeue(ctx context.Context, events []*types.AlertEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(append([]*types.AlertEvent(nil), events...), q.events...)
	return nil
}

func (q *memoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.events)), nil
}

func (q *memoryQueue) Ping(ctx context.Context) error {
	if q.down {
		return errors.New("connection refused")
	}
	return nil
}

// limitedPool accepts up to capacity events.
type limitedPool struct {
	capacity int
	got      []*types.AlertEvent
}

var errFull = errors.New("full")

func (p *limitedPool) SubmitBatch(events []*types.AlertEvent) (int, error) {
	for i, ev := range events {
		if len(p.got) >= p.capacity {
			return i, errFull
		}
		p.got = append(p.got, ev)
	}
	return len(events), nil
}

func queueOf(n int) *memoryQueue {
	q := &memoryQueue{}
	for i := 0; i < n; i++ {
		q.events = append(q.events, testutil.FixtureEvent())
	}
	return q
}

func TestDrainOnceSubmitsBatch(t *testing.T) {
	q := queueOf(3)
	pool := &limitedPool{capacity: 10}
	d := NewDrainer(q, pool, testutil.NewTestLogger())

	n, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if n != 3 || len(pool.got) != 3 {
		t.Errorf("submitted %d, pool has %d, want 3", n, len(pool.got))
	}
	if depth, _ := q.Len(context.Background()); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestDrainOnceRequeuesRejected(t *testing.T) {
	q := queueOf(5)
	first := q.events[0]
	third := q.events[2]
	pool := &limitedPool{capacity: 2}
	d := NewDrainer(q, pool, testutil.NewTestLogger())

	n, err := d.DrainOnce(context.Background())
	if !errors.Is(err, errFull) {
		t.Fatalf("DrainOnce() error = %v, want errFull", err)
	}
	if n != 2 || pool.got[0] != first {
		t.Errorf("accepted %d events, want the two oldest", n)
	}
	if len(q.events) != 3 || q.events[0] != third {
		t.Errorf("expected the three rejected events back in front in order, queue has %d", len(q.events))
	}
}

func TestDrainOnceEmptyQueue(t *testing.T) {
	d := NewDrainer(&memoryQueue{}, &limitedPool{capacity: 1}, testutil.NewTestLogger())
	if n, err := d.DrainOnce(context.Background()); n != 0 || err != nil {
		t.Errorf("DrainOnce() = %d, %v, want 0, nil", n, err)
	}
}

func TestGetStats(t *testing.T) {
	q := queueOf(4)
	d := NewDrainer(q, &limitedPool{}, testutil.NewTestLogger())

	stats := d.GetStats(context.Background())
	if !stats.Connected || stats.QueueDepth != 4 {
		t.Errorf("stats = %+v, want connected with depth 4", stats)
	}

	q.down = true
	stats = d.GetStats(context.Background())
	if stats.Connected || stats.QueueDepth != 0 {
		t.Errorf("stats = %+v, want disconnected", stats)
	}
	if _, err := d.DrainOnce(context.Background()); err == nil {
		t.Error("expected pop error while redis is down")
	}
}
