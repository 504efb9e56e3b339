package stream

import (
	"encoding/json"
	"time"
)

// Record is a single normalized metric observation. Immutable once created;
// Seq is assigned per topic by the source adapter.
type Record struct {
	Topic  string
	Seq    int64
	Time   time.Time
	Fields map[string]any
}

// BatchKind distinguishes regular data batches from the control batches the
// aggregation buffer emits on idle and overload.
type BatchKind string

const (
	KindData BatchKind = "data"
	// KindHeartbeat is an empty batch emitted when a topic has been idle; it
	// still advances the batch sequence so late joiners can detect freshness.
	KindHeartbeat BatchKind = "heartbeat"
	// KindDroppedWarning tells subscribers that records were discarded under
	// overload. Dropped carries the count.
	KindDroppedWarning BatchKind = "dropped_records"
)

// Batch is an immutable, sequenced group of records for one topic covering
// one time window. Per topic, Seq is strictly increasing and gapless.
type Batch struct {
	Topic       string
	Seq         int64
	WindowStart time.Time
	WindowEnd   time.Time
	Kind        BatchKind
	Records     []Record
	Dropped     int
}

// Wire format. Field names and the integer epoch-millisecond encoding are
// stable; clients key off them.
type wireBatch struct {
	Topic       string       `json:"topic"`
	Seq         int64        `json:"batch_sequence"`
	WindowStart int64        `json:"window_start"`
	WindowEnd   int64        `json:"window_end"`
	Kind        BatchKind    `json:"kind,omitempty"`
	Dropped     int          `json:"dropped,omitempty"`
	Records     []wireRecord `json:"records"`
}

type wireRecord struct {
	Seq    int64          `json:"seq"`
	Time   int64          `json:"ts"`
	Fields map[string]any `json:"fields"`
}

// Encode serializes the batch for delivery. The result is safe to share
// between subscribers; it references nothing mutable.
func (b Batch) Encode() ([]byte, error) {
	w := wireBatch{
		Topic:       b.Topic,
		Seq:         b.Seq,
		WindowStart: b.WindowStart.UnixMilli(),
		WindowEnd:   b.WindowEnd.UnixMilli(),
		Records:     make([]wireRecord, 0, len(b.Records)),
	}
	if b.Kind != KindData {
		w.Kind = b.Kind
		w.Dropped = b.Dropped
	}
	for _, r := range b.Records {
		w.Records = append(w.Records, wireRecord{
			Seq:    r.Seq,
			Time:   r.Time.UnixMilli(),
			Fields: r.Fields,
		})
	}
	return json.Marshal(w)
}
