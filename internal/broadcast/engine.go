// Package broadcast fans aggregated batches out to all registry-matched
// subscribers, enforcing per-connection backpressure and reconnection
// catch-up.
//
// One worker goroutine runs per topic, so topics never block each other.
// Within a topic, delivery to any one connection is strictly serialized and
// in batch-sequence order; connections whose outbound queue is full are
// marked lagging and gap-filled from the retention ring once they drain,
// or force-disconnected after the grace period.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AtharvaSarada/Dashboard-analytics/internal/metrics"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/registry"
	"github.com/AtharvaSarada/Dashboard-analytics/internal/stream"
)

// Sender is the slice of the connection lifecycle manager the engine needs.
// Enqueue must never block: a full outbound queue returns ErrQueueFull.
type Sender interface {
	Enqueue(connID string, payload []byte) error
	Disconnect(connID string, reason string)
}

var (
	// ErrQueueFull signals a slow consumer; the engine takes the lagging path.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrUnknownConn signals the connection is gone; the engine forgets it.
	ErrUnknownConn = errors.New("unknown connection")
)

// Config holds engine tunables.
type Config struct {
	// RetainedBatches caps the per-topic retention ring used for replay.
	RetainedBatches int
	// RetryInterval is how often lagging connections are retried and grace
	// expiry checked.
	RetryInterval time.Duration
	// LaggingGrace force-disconnects a connection lagging longer than this.
	LaggingGrace time.Duration
}

// Engine distributes batches to subscribers.
type Engine struct {
	cfg     Config
	reg     *registry.Registry
	sender  Sender
	logger  *zap.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	workers map[string]*topicWorker
	closed  bool

	wg sync.WaitGroup
}

// New creates an engine. Call Run with the windower's batch channel.
func New(cfg Config, reg *registry.Registry, sender Sender, logger *zap.Logger, m *metrics.Registry) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		sender:  sender,
		logger:  logger,
		metrics: m,
		workers: make(map[string]*topicWorker),
	}
}

// Run consumes batches until the channel is closed or ctx is cancelled, then
// shuts down all topic workers.
func (e *Engine) Run(ctx context.Context, batches <-chan stream.Batch) {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			e.worker(b.Topic).send(command{kind: cmdBatch, batch: b})
		}
	}
}

// ConnectionOpened triggers catch-up delivery (resume replay) for a freshly
// handshaken connection on every topic it subscribes to.
func (e *Engine) ConnectionOpened(connID string) {
	sub, ok := e.reg.Get(connID)
	if !ok {
		return
	}
	for topic := range sub.Topics {
		e.worker(topic).send(command{kind: cmdOpened, connID: connID})
	}
}

// ConnectionClosed drops all engine-side state for connID.
func (e *Engine) ConnectionClosed(connID string) {
	e.mu.Lock()
	workers := make([]*topicWorker, 0, len(e.workers))
	for _, tw := range e.workers {
		workers = append(workers, tw)
	}
	e.mu.Unlock()
	for _, tw := range workers {
		tw.send(command{kind: cmdClosed, connID: connID})
	}
}

// Ack routes a client acknowledgement through the owning topic worker, which
// clamps it to what was actually delivered before recording it.
func (e *Engine) Ack(connID, topic string, seq int64) {
	e.worker(topic).send(command{kind: cmdAck, connID: connID, seq: seq})
}

// RequestReplay rewinds connID's delivery cursor on topic to just after
// seq, redelivering everything still retained above it.
func (e *Engine) RequestReplay(connID, topic string, seq int64) {
	e.worker(topic).send(command{kind: cmdReplay, connID: connID, seq: seq})
}

// Wait blocks until all topic workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) worker(topic string) *topicWorker {
	e.mu.Lock()
	defer e.mu.Unlock()

	tw, ok := e.workers[topic]
	if !ok {
		tw = &topicWorker{
			engine:     e,
			topic:      topic,
			cmds:       make(chan command, 256),
			cursors:    make(map[string]int64),
			replayUpTo: make(map[string]int64),
			lagging:    make(map[string]time.Time),
		}
		e.workers[topic] = tw
		if !e.closed {
			e.wg.Add(1)
			go tw.run()
		}
	}
	return tw
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.closed = true
	workers := make([]*topicWorker, 0, len(e.workers))
	for _, tw := range e.workers {
		workers = append(workers, tw)
	}
	e.mu.Unlock()

	for _, tw := range workers {
		tw.close()
	}
	e.wg.Wait()
}

type cmdKind int

const (
	cmdBatch cmdKind = iota
	cmdOpened
	cmdClosed
	cmdAck
	cmdReplay
)

type command struct {
	kind   cmdKind
	batch  stream.Batch
	connID string
	seq    int64
}

type retainedBatch struct {
	seq     int64
	payload []byte
}

// topicWorker owns one topic's distribution state. All fields below cmds are
// touched only from the worker goroutine.
type topicWorker struct {
	engine *Engine
	topic  string

	cmds      chan command
	closeOnce sync.Once

	retained []retainedBatch
	latest   int64
	// cursors maps connID to the next batch sequence to enqueue.
	cursors map[string]int64
	// replayUpTo marks, per connection, the highest sequence whose delivery
	// was initiated by a resume or replay rewind rather than a live batch.
	replayUpTo map[string]int64
	lagging    map[string]time.Time
}

func (tw *topicWorker) send(cmd command) {
	defer func() {
		// Worker already shut down; commands are discarded.
		_ = recover()
	}()
	tw.cmds <- cmd
}

func (tw *topicWorker) close() {
	tw.closeOnce.Do(func() { close(tw.cmds) })
}

func (tw *topicWorker) run() {
	defer tw.engine.wg.Done()

	ticker := time.NewTicker(tw.engine.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd, ok := <-tw.cmds:
			if !ok {
				return
			}
			tw.handle(cmd)
		case <-ticker.C:
			tw.retry(time.Now())
		}
	}
}

func (tw *topicWorker) handle(cmd command) {
	switch cmd.kind {
	case cmdBatch:
		tw.onBatch(cmd.batch)
	case cmdOpened:
		tw.onOpened(cmd.connID)
	case cmdClosed:
		tw.forget(cmd.connID)
	case cmdAck:
		tw.onAck(cmd.connID, cmd.seq)
	case cmdReplay:
		tw.onReplay(cmd.connID, cmd.seq)
	}
}

func (tw *topicWorker) onBatch(b stream.Batch) {
	payload, err := b.Encode()
	if err != nil {
		tw.engine.logger.Error("batch encode failed",
			zap.String("topic", tw.topic),
			zap.Int64("batch_sequence", b.Seq),
			zap.Error(err))
		return
	}

	tw.retained = append(tw.retained, retainedBatch{seq: b.Seq, payload: payload})
	if len(tw.retained) > tw.engine.cfg.RetainedBatches {
		tw.retained = tw.retained[len(tw.retained)-tw.engine.cfg.RetainedBatches:]
	}
	tw.latest = b.Seq

	now := time.Now()
	for _, sub := range tw.engine.reg.Snapshot() {
		if !sub.Subscribed(tw.topic) {
			continue
		}
		if _, ok := tw.cursors[sub.ConnID]; !ok {
			tw.initCursor(sub, b.Seq)
		}
		tw.deliver(sub.ConnID, now)
	}
}

// onOpened seeds the delivery cursor for a freshly handshaken connection and
// replays retained batches above its resume point, if it presented one.
func (tw *topicWorker) onOpened(connID string) {
	sub, ok := tw.engine.reg.Get(connID)
	if !ok || !sub.Subscribed(tw.topic) {
		return
	}
	if _, ok := tw.cursors[connID]; !ok {
		tw.initCursor(sub, tw.latest+1)
	}
	tw.deliver(connID, time.Now())
}

// initCursor decides where a connection starts: just after its resume point
// if it presented one, otherwise live at the given sequence. A resume point
// above anything the topic has produced is a client fabrication; the cursor
// and the recorded acknowledgement are clamped to the topic's latest sequence
// so delivery continues with the next real batch.
func (tw *topicWorker) initCursor(sub registry.Subscription, live int64) {
	acked := sub.LastAcked[tw.topic]
	if acked == 0 {
		tw.cursors[sub.ConnID] = live
		return
	}
	if acked > tw.latest {
		acked = tw.latest
		tw.engine.reg.ClampAck(sub.ConnID, tw.topic, tw.latest)
	}
	tw.cursors[sub.ConnID] = acked + 1
	tw.replayUpTo[sub.ConnID] = tw.latest
}

// deliver enqueues everything from the connection's cursor through latest,
// stopping at the first full-queue signal.
func (tw *topicWorker) deliver(connID string, now time.Time) {
	cursor := tw.cursors[connID]
	for cursor <= tw.latest {
		rb, ok := tw.lookup(cursor)
		if !ok {
			// Evicted from retention; skip forward. The client sees the
			// sequence gap and can request a fresh subscription.
			if len(tw.retained) == 0 {
				return
			}
			cursor = tw.retained[0].seq
			continue
		}

		err := tw.engine.sender.Enqueue(connID, rb.payload)
		switch {
		case err == nil:
			if m := tw.engine.metrics; m != nil {
				m.BatchesDelivered.Inc()
				if cursor <= tw.replayUpTo[connID] {
					m.BatchesReplayed.Inc()
				}
			}
			cursor++
			tw.cursors[connID] = cursor
			tw.clearLagging(connID)
		case errors.Is(err, ErrQueueFull):
			tw.cursors[connID] = cursor
			tw.markLagging(connID, now)
			return
		default:
			tw.forget(connID)
			return
		}
	}
	tw.cursors[connID] = cursor
	tw.clearLagging(connID)
}

func (tw *topicWorker) lookup(seq int64) (retainedBatch, bool) {
	if len(tw.retained) == 0 || seq < tw.retained[0].seq || seq > tw.latest {
		return retainedBatch{}, false
	}
	// Retained sequences are gapless, so index directly.
	idx := int(seq - tw.retained[0].seq)
	if idx < 0 || idx >= len(tw.retained) {
		return retainedBatch{}, false
	}
	return tw.retained[idx], true
}

// retry drains lagging connections whose queues may have emptied and
// force-disconnects those past the grace period. It also catches up
// connections that subscribed between batches.
func (tw *topicWorker) retry(now time.Time) {
	for _, sub := range tw.engine.reg.Snapshot() {
		if !sub.Subscribed(tw.topic) {
			continue
		}
		if _, ok := tw.cursors[sub.ConnID]; !ok {
			tw.initCursor(sub, tw.latest+1)
		}
		if tw.cursors[sub.ConnID] <= tw.latest {
			tw.deliver(sub.ConnID, now)
		}
	}

	for connID, since := range tw.lagging {
		if now.Sub(since) > tw.engine.cfg.LaggingGrace {
			tw.engine.logger.Warn("disconnecting lagging consumer",
				zap.String("connection_id", connID),
				zap.String("topic", tw.topic),
				zap.Duration("lagging_for", now.Sub(since)))
			if m := tw.engine.metrics; m != nil {
				m.LaggingDisconnects.Inc()
			}
			tw.engine.sender.Disconnect(connID, "lagging beyond grace period")
			tw.forget(connID)
		}
	}
}

func (tw *topicWorker) onAck(connID string, seq int64) {
	cursor, ok := tw.cursors[connID]
	if !ok {
		return
	}
	// A subscription's acknowledged sequence never exceeds what was actually
	// enqueued to that connection.
	if delivered := cursor - 1; seq > delivered {
		seq = delivered
	}
	if seq > 0 {
		tw.engine.reg.Ack(connID, tw.topic, seq)
	}
}

func (tw *topicWorker) onReplay(connID string, seq int64) {
	if _, ok := tw.cursors[connID]; !ok {
		return
	}
	if seq+1 < tw.cursors[connID] {
		tw.cursors[connID] = seq + 1
		tw.replayUpTo[connID] = tw.latest
	}
	tw.deliver(connID, time.Now())
}

func (tw *topicWorker) markLagging(connID string, now time.Time) {
	if _, ok := tw.lagging[connID]; !ok {
		tw.lagging[connID] = now
		if m := tw.engine.metrics; m != nil {
			m.ConnectionsLagging.Inc()
		}
	}
}

func (tw *topicWorker) clearLagging(connID string) {
	if _, ok := tw.lagging[connID]; ok {
		delete(tw.lagging, connID)
		if m := tw.engine.metrics; m != nil {
			m.ConnectionsLagging.Dec()
		}
	}
}

func (tw *topicWorker) forget(connID string) {
	delete(tw.cursors, connID)
	delete(tw.replayUpTo, connID)
	tw.clearLagging(connID)
}
