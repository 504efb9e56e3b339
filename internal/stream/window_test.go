package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(topic string, seq int64) Record {
	return Record{Topic: topic, Seq: seq, Time: time.Now(), Fields: map[string]any{"v": seq}}
}

func stagedBatches(w *Windower) []Batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Batch, len(w.staged))
	copy(out, w.staged)
	return out
}

// 150 records through a 100-record window: one full batch immediately, the
// remaining 50 when the window duration elapses, consecutive sequences.
func TestWindowerSizeThenTimeClose(t *testing.T) {
	w := NewWindower(WindowConfig{
		Duration:      time.Second,
		MaxRecords:    100,
		IdleHeartbeat: time.Minute,
		HardCap:       1000,
	}, nil, nil)

	for i := 1; i <= 150; i++ {
		w.Offer(testRecord("sales", int64(i)))
	}

	batches := stagedBatches(w)
	require.Len(t, batches, 1, "size trigger closes the first window")
	assert.Equal(t, int64(1), batches[0].Seq)
	assert.Len(t, batches[0].Records, 100)

	w.tick(time.Now().Add(2 * time.Second))

	batches = stagedBatches(w)
	require.Len(t, batches, 2)
	assert.Equal(t, int64(2), batches[1].Seq)
	assert.Len(t, batches[1].Records, 50)
	assert.Equal(t, KindData, batches[1].Kind)
}

func TestWindowerHeartbeatAdvancesSequence(t *testing.T) {
	w := NewWindower(WindowConfig{
		Duration:      time.Second,
		MaxRecords:    100,
		IdleHeartbeat: 5 * time.Second,
		HardCap:       1000,
	}, nil, nil)

	w.Offer(testRecord("sales", 1))
	w.tick(time.Now().Add(2 * time.Second))
	w.tick(time.Now().Add(10 * time.Second))

	batches := stagedBatches(w)
	require.Len(t, batches, 2)
	assert.Equal(t, KindData, batches[0].Kind)
	assert.Equal(t, KindHeartbeat, batches[1].Kind)
	assert.Empty(t, batches[1].Records)
	assert.Equal(t, int64(2), batches[1].Seq, "heartbeat still advances the sequence")
}

func TestWindowerIdleTopicStaysQuietUntilHeartbeat(t *testing.T) {
	w := NewWindower(WindowConfig{
		Duration:      time.Second,
		MaxRecords:    100,
		IdleHeartbeat: 5 * time.Second,
		HardCap:       1000,
	}, nil, nil)

	w.Offer(testRecord("sales", 1))
	w.tick(time.Now().Add(1100 * time.Millisecond))
	w.tick(time.Now().Add(2 * time.Second))

	require.Len(t, stagedBatches(w), 1, "no heartbeat before the idle timeout")
}

// When the staged backlog exceeds the hard cap, the oldest staged records are
// discarded and their batch becomes an explicit dropped-records warning.
// Sequences stay gapless.
func TestWindowerOverloadDropsOldestVisibly(t *testing.T) {
	w := NewWindower(WindowConfig{
		Duration:      time.Second,
		MaxRecords:    5,
		IdleHeartbeat: time.Minute,
		HardCap:       10,
	}, nil, nil)

	for i := 1; i <= 25; i++ {
		w.Offer(testRecord("sales", int64(i)))
	}

	batches := stagedBatches(w)
	require.Len(t, batches, 5)

	var dropped, kept int
	for i, b := range batches {
		assert.Equal(t, int64(i+1), b.Seq, "sequences must stay gapless under overload")
		switch b.Kind {
		case KindDroppedWarning:
			dropped += b.Dropped
			assert.Empty(t, b.Records)
		case KindData:
			kept += len(b.Records)
		}
	}
	assert.Equal(t, 15, dropped)
	assert.Equal(t, 10, kept, "retained records bounded by the hard cap")
	assert.Equal(t, KindDroppedWarning, batches[0].Kind, "oldest records dropped first")
}

func TestWindowerRunFlushesAndClosesChannel(t *testing.T) {
	w := NewWindower(WindowConfig{
		Duration:      20 * time.Millisecond,
		MaxRecords:    100,
		IdleHeartbeat: time.Minute,
		HardCap:       1000,
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	w.Run(ctx)

	w.Offer(testRecord("sales", 1))
	w.Offer(testRecord("sales", 2))

	select {
	case b := <-w.Batches():
		assert.Equal(t, "sales", b.Topic)
		assert.Equal(t, int64(1), b.Seq)
		assert.Len(t, b.Records, 2)
	case <-time.After(time.Second):
		t.Fatal("no batch emitted")
	}

	// Open window contents are flushed on shutdown, then the channel closes.
	w.Offer(testRecord("sales", 3))
	cancel()

	var got []Batch
	for b := range w.Batches() {
		got = append(got, b)
	}
	w.Wait()

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, int64(len(got)+1), last.Seq)
}
