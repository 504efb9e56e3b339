package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceIngestAssignsPerTopicSequences(t *testing.T) {
	s := NewSource(30*time.Second, nil)

	r1, err := s.Ingest("sales", map[string]any{"amount": 42.5}, time.Time{})
	require.NoError(t, err)
	r2, err := s.Ingest("sales", map[string]any{"amount": 10.0}, time.Time{})
	require.NoError(t, err)
	r3, err := s.Ingest("users", map[string]any{"active": 7}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.Seq)
	assert.Equal(t, int64(2), r2.Seq)
	assert.Equal(t, int64(1), r3.Seq, "topics sequence independently")
	assert.Equal(t, "sales", r1.Topic)
	assert.False(t, r1.Time.IsZero(), "zero timestamp defaults to now")
}

func TestSourceIngestCopiesFields(t *testing.T) {
	s := NewSource(30*time.Second, nil)

	fields := map[string]any{"amount": 1.0}
	rec, err := s.Ingest("sales", fields, time.Time{})
	require.NoError(t, err)

	fields["amount"] = 99.0
	assert.Equal(t, 1.0, rec.Fields["amount"], "record must not alias the caller's map")
}

func TestSourceIngestValidation(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		fields map[string]any
		ts     time.Time
	}{
		{name: "empty topic", topic: "", fields: map[string]any{"v": 1}},
		{name: "topic with dots", topic: "sales.emea", fields: map[string]any{"v": 1}},
		{name: "no fields", topic: "sales", fields: nil},
		{name: "stale timestamp", topic: "sales", fields: map[string]any{"v": 1}, ts: time.Now().Add(-time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSource(30*time.Second, nil)
			_, err := s.Ingest(tt.topic, tt.fields, tt.ts)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

// A rejected event must not advance the per-topic sequence counter.
func TestSourceRejectionLeavesSequenceUntouched(t *testing.T) {
	s := NewSource(30*time.Second, nil)

	_, err := s.Ingest("sales", map[string]any{"v": 1}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(2), s.NextSeq("sales"))

	_, err = s.Ingest("sales", map[string]any{"v": 2}, time.Now().Add(-time.Hour))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, int64(2), s.NextSeq("sales"))

	rec, err := s.Ingest("sales", map[string]any{"v": 3}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Seq, "no gap after a rejection")
}

func TestIsValidTopic(t *testing.T) {
	assert.True(t, IsValidTopic("sales"))
	assert.True(t, IsValidTopic("user_sessions-2"))
	assert.False(t, IsValidTopic(""))
	assert.False(t, IsValidTopic("a.b"))
	assert.False(t, IsValidTopic("spaced out"))
}
