package stream

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
)

// ValidationError rejects a raw event at the ingest boundary. Nothing about
// the pipeline changes when one is returned; in particular the per-topic
// sequence counter is untouched.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest validation: %s", e.Reason)
}

// Topic names are flat, dot-free identifiers ("sales", "users", "performance").
var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidTopic reports whether name can be used as a topic.
func IsValidTopic(name string) bool {
	return topicPattern.MatchString(name)
}

// IngestFunc is the boundary contract ingest sources (HTTP, NATS) call into:
// validate, sequence and window one raw event. A zero ts means "now".
type IngestFunc func(topic string, fields map[string]any, ts time.Time) error

// Source converts raw backend events into normalized Records. Stateless apart
// from the per-topic sequence counters.
type Source struct {
	staleness time.Duration
	metrics   *metrics.Registry
	now       func() time.Time

	mu   sync.Mutex
	seqs map[string]int64
}

// NewSource creates a source adapter rejecting events older than staleness.
func NewSource(staleness time.Duration, reg *metrics.Registry) *Source {
	return &Source{
		staleness: staleness,
		metrics:   reg,
		now:       time.Now,
		seqs:      make(map[string]int64),
	}
}

// Ingest validates a raw event and mints a Record with the next per-topic
// sequence number. A zero ts means "now". Returns *ValidationError on
// malformed or stale input.
func (s *Source) Ingest(topic string, fields map[string]any, ts time.Time) (Record, error) {
	now := s.now()

	if !IsValidTopic(topic) {
		return Record{}, s.reject("invalid_topic", fmt.Sprintf("invalid topic %q", topic))
	}
	if len(fields) == 0 {
		return Record{}, s.reject("empty_fields", "event has no fields")
	}
	if ts.IsZero() {
		ts = now
	}
	if now.Sub(ts) > s.staleness {
		return Record{}, s.reject("stale", fmt.Sprintf("event timestamp %s older than staleness bound %s", ts.Format(time.RFC3339), s.staleness))
	}

	// Copy the payload so the Record stays immutable even if the caller
	// reuses its map.
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	s.mu.Lock()
	s.seqs[topic]++
	seq := s.seqs[topic]
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordsIngested.Inc()
	}
	return Record{Topic: topic, Seq: seq, Time: ts, Fields: copied}, nil
}

// NextSeq returns the sequence number the next accepted record for topic will
// carry. Used by tests and the health endpoint.
func (s *Source) NextSeq(topic string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[topic] + 1
}

func (s *Source) reject(reason, detail string) error {
	if s.metrics != nil {
		s.metrics.RecordsRejected.WithLabelValues(reason).Inc()
	}
	return &ValidationError{Reason: detail}
}
