package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
)

// WindowConfig controls batching behaviour of the aggregation buffer.
type WindowConfig struct {
	// Duration closes a window after this much wall-clock time.
	Duration time.Duration
	// MaxRecords closes a window once it holds this many records.
	MaxRecords int
	// IdleHeartbeat emits an empty heartbeat batch when nothing has been
	// produced for a topic for this long.
	IdleHeartbeat time.Duration
	// HardCap bounds unflushed records per topic; beyond it the oldest are
	// dropped and a dropped-records warning batch is appended on next close.
	HardCap int
	// EmitBuffer sizes the outbound batch channel.
	EmitBuffer int
}

// Windower groups records into time/size-windowed batches per topic. Each
// topic's window state is owned here and never shared; Offer never blocks on
// downstream consumption.
type Windower struct {
	cfg     WindowConfig
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu     sync.Mutex
	topics map[string]*windowState

	// Closed batches are staged under mu and pushed to out by a dedicated
	// flusher goroutine so the ingest path never waits on a full channel.
	// stagedRecords tracks the total record count across staged batches; when
	// it exceeds HardCap the oldest staged data batch loses its records and
	// becomes a dropped-records warning batch. Sequences stay gapless, memory
	// stays bounded, and the loss is visible to subscribers.
	staged        []Batch
	stagedRecords int
	notify        chan struct{}

	out  chan Batch
	done chan struct{}
	wg   sync.WaitGroup
}

type windowState struct {
	seq      int64
	start    time.Time
	records  []Record
	lastEmit time.Time
}

// NewWindower creates an aggregation buffer. Call Run to start the window
// timers and the flusher.
func NewWindower(cfg WindowConfig, logger *zap.Logger, reg *metrics.Registry) *Windower {
	if cfg.EmitBuffer <= 0 {
		cfg.EmitBuffer = 256
	}
	return &Windower{
		cfg:     cfg,
		logger:  logger,
		metrics: reg,
		now:     time.Now,
		topics:  make(map[string]*windowState),
		notify:  make(chan struct{}, 1),
		out:     make(chan Batch, cfg.EmitBuffer),
		done:    make(chan struct{}),
	}
}

// Batches returns the channel of closed batches, in per-topic sequence order.
// The channel is closed after Stop has flushed all open windows.
func (w *Windower) Batches() <-chan Batch {
	return w.out
}

// Run starts the window-close ticker and the flusher. It returns when ctx is
// cancelled or Stop is called; open windows are flushed on the way out.
func (w *Windower) Run(ctx context.Context) {
	w.wg.Add(2)

	go func() {
		defer w.wg.Done()
		interval := w.cfg.Duration / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.closeAll()
				close(w.done)
				return
			case <-ticker.C:
				w.tick(w.now())
			}
		}
	}()

	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.notify:
				w.flush()
			case <-w.done:
				w.flush()
				close(w.out)
				return
			}
		}
	}()
}

// Wait blocks until Run has fully shut down.
func (w *Windower) Wait() {
	w.wg.Wait()
}

// Offer adds an accepted record to its topic's open window. Non-blocking:
// over the hard cap the oldest unflushed record is discarded instead.
func (w *Windower) Offer(rec Record) {
	w.mu.Lock()
	st, ok := w.topics[rec.Topic]
	if !ok {
		now := w.now()
		st = &windowState{start: now, lastEmit: now}
		w.topics[rec.Topic] = st
	}

	st.records = append(st.records, rec)
	if len(st.records) >= w.cfg.MaxRecords {
		w.closeWindowLocked(rec.Topic, st, w.now())
	}
	w.mu.Unlock()
}

// tick closes expired windows and emits heartbeat batches for idle topics.
func (w *Windower) tick(now time.Time) {
	w.mu.Lock()
	for topic, st := range w.topics {
		switch {
		case len(st.records) > 0 && now.Sub(st.start) >= w.cfg.Duration:
			w.closeWindowLocked(topic, st, now)
		case len(st.records) == 0 && now.Sub(st.lastEmit) >= w.cfg.IdleHeartbeat:
			w.closeWindowLocked(topic, st, now)
		}
	}
	w.mu.Unlock()
}

// closeWindowLocked emits the current window as a batch and opens the next
// one. Empty windows become heartbeat batches. Caller holds w.mu.
func (w *Windower) closeWindowLocked(topic string, st *windowState, now time.Time) {
	kind := KindData
	if len(st.records) == 0 {
		kind = KindHeartbeat
	}

	st.seq++
	w.stageLocked(Batch{
		Topic:       topic,
		Seq:         st.seq,
		WindowStart: st.start,
		WindowEnd:   now,
		Kind:        kind,
		Records:     st.records,
	})

	st.records = nil
	st.start = now
	st.lastEmit = now
}

func (w *Windower) stageLocked(b Batch) {
	w.staged = append(w.staged, b)
	w.stagedRecords += len(b.Records)
	if w.metrics != nil {
		w.metrics.BatchesEmitted.WithLabelValues(string(b.Kind)).Inc()
	}

	for w.stagedRecords > w.cfg.HardCap {
		idx := -1
		for i := range w.staged {
			if len(w.staged[i].Records) > 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		n := len(w.staged[idx].Records)
		w.staged[idx].Records = nil
		w.staged[idx].Kind = KindDroppedWarning
		w.staged[idx].Dropped += n
		w.stagedRecords -= n
		if w.metrics != nil {
			w.metrics.RecordsDropped.Add(float64(n))
		}
		if w.logger != nil {
			w.logger.Warn("distribution backlog over hard cap, oldest staged records dropped",
				zap.String("topic", w.staged[idx].Topic),
				zap.Int("dropped", n))
		}
	}

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// closeAll flushes every open non-empty window. Used during graceful drain.
func (w *Windower) closeAll() {
	now := w.now()
	w.mu.Lock()
	for topic, st := range w.topics {
		if len(st.records) > 0 {
			w.closeWindowLocked(topic, st, now)
		}
	}
	w.mu.Unlock()
}

func (w *Windower) flush() {
	for {
		w.mu.Lock()
		if len(w.staged) == 0 {
			w.mu.Unlock()
			return
		}
		staged := w.staged
		w.staged = nil
		w.stagedRecords = 0
		w.mu.Unlock()

		for _, b := range staged {
			w.out <- b
		}
	}
}
