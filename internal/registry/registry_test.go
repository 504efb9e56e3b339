package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndSnapshot(t *testing.T) {
	r := New()

	r.Subscribe("c1", []string{"sales", "users"}, nil)
	r.Subscribe("c2", []string{"sales"}, nil)

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	byID := make(map[string]Subscription, len(snap))
	for _, s := range snap {
		byID[s.ConnID] = s
	}
	assert.True(t, byID["c1"].Subscribed("sales"))
	assert.True(t, byID["c1"].Subscribed("users"))
	assert.True(t, byID["c2"].Subscribed("sales"))
	assert.False(t, byID["c2"].Subscribed("users"))
}

func TestSubscribeWithResumeSeedsLastAcked(t *testing.T) {
	r := New()

	sub := r.Subscribe("c1", []string{"sales", "users"}, map[string]int64{
		"sales": 17,
		"perf":  3, // not subscribed, must be ignored
	})

	assert.Equal(t, int64(17), sub.LastAcked["sales"])
	assert.Zero(t, sub.LastAcked["users"])
	assert.Zero(t, sub.LastAcked["perf"])
}

func TestResubscribeAddsTopics(t *testing.T) {
	r := New()

	r.Subscribe("c1", []string{"sales"}, nil)
	r.Ack("c1", "sales", 5)
	r.Subscribe("c1", []string{"users"}, nil)

	sub, ok := r.Get("c1")
	require.True(t, ok)
	assert.True(t, sub.Subscribed("sales"))
	assert.True(t, sub.Subscribed("users"))
	assert.Equal(t, int64(5), sub.LastAcked["sales"], "resubscribe keeps existing acks")
}

func TestAckIsMonotone(t *testing.T) {
	r := New()
	r.Subscribe("c1", []string{"sales"}, nil)

	r.Ack("c1", "sales", 5)
	r.Ack("c1", "sales", 3)
	r.Ack("c1", "sales", 5)

	sub, _ := r.Get("c1")
	assert.Equal(t, int64(5), sub.LastAcked["sales"])

	// Acks for unknown connections or unsubscribed topics are ignored.
	r.Ack("ghost", "sales", 9)
	r.Ack("c1", "users", 9)
	sub, _ = r.Get("c1")
	assert.Zero(t, sub.LastAcked["users"])
}

// ClampAck corrects a fabricated resume point downward; it never raises.
func TestClampAckLowersRecordedSequence(t *testing.T) {
	r := New()
	r.Subscribe("c1", []string{"sales"}, map[string]int64{"sales": 1000})

	r.ClampAck("c1", "sales", 5)
	sub, _ := r.Get("c1")
	assert.Equal(t, int64(5), sub.LastAcked["sales"])

	r.ClampAck("c1", "sales", 99)
	sub, _ = r.Get("c1")
	assert.Equal(t, int64(5), sub.LastAcked["sales"], "clamp must not raise")

	// Unknown connections and unsubscribed topics are ignored.
	r.ClampAck("ghost", "sales", 1)
	r.ClampAck("c1", "users", 1)
	sub, _ = r.Get("c1")
	assert.Equal(t, int64(5), sub.LastAcked["sales"])

	// A negative bound clamps to zero.
	r.ClampAck("c1", "sales", -3)
	sub, _ = r.Get("c1")
	assert.Zero(t, sub.LastAcked["sales"])
}

func TestUnsubscribeRemovesFromSnapshot(t *testing.T) {
	r := New()
	r.Subscribe("c1", []string{"sales"}, nil)
	r.Subscribe("c2", []string{"sales"}, nil)

	r.Unsubscribe("c1")

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "c2", snap[0].ConnID)

	_, ok := r.Get("c1")
	assert.False(t, ok)
}

func TestDropRemovesSingleTopics(t *testing.T) {
	r := New()
	r.Subscribe("c1", []string{"sales", "users"}, nil)
	r.Ack("c1", "users", 4)

	r.Drop("c1", []string{"users"})

	sub, ok := r.Get("c1")
	require.True(t, ok)
	assert.True(t, sub.Subscribed("sales"))
	assert.False(t, sub.Subscribed("users"))
	assert.Zero(t, sub.LastAcked["users"])
}

// Snapshots are copies; mutating one must not leak into registry state.
func TestSnapshotIsImmutable(t *testing.T) {
	r := New()
	r.Subscribe("c1", []string{"sales"}, nil)

	snap := r.Snapshot()
	snap[0].Topics["injected"] = struct{}{}
	snap[0].LastAcked["sales"] = 999

	sub, _ := r.Get("c1")
	assert.False(t, sub.Subscribed("injected"))
	assert.Zero(t, sub.LastAcked["sales"])
}

// Concurrent mutation while other goroutines iterate snapshots must be safe;
// run with -race.
func TestConcurrentSnapshotAndMutation(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", n)
			for j := 0; j < 200; j++ {
				r.Subscribe(id, []string{"sales"}, nil)
				r.Ack(id, "sales", int64(j))
				for _, s := range r.Snapshot() {
					_ = s.Subscribed("sales")
				}
				r.Unsubscribe(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, r.Len())
}
