package store

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"options_trader/internal/core"
	"options_trader/pkg/telemetry"
)

const (
	deadLetterEventTrade    = "TRADE_FLUSH"
	deadLetterEventDecision = "DECISION_FLUSH"
	deadLetterMaxRetries    = 3
)

// WriteBehindStore batches fill and decision audit writes behind bounded
// in-memory queues. Enqueue never blocks the caller: a full queue degrades
// to a synchronous single-entity write, and a failed synchronous write is
// captured as a dead letter. A periodic flusher drains each queue and
// bulk-saves it atomically; a failed batch goes to the dead-letter store
// whole, with a strictly increasing sequence number embedded in the
// payload, and can be replayed without duplicating rows because the
// failed bulk save wrote nothing.
type WriteBehindStore struct {
	audit      core.IAuditStore
	deadLetter core.IDeadLetterStore
	logger     core.ILogger

	fills     chan core.OrderFill
	decisions chan core.DecisionRecord
	interval  time.Duration
	seq       atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriteBehindStore sizes both queues at queueSize and flushes every
// interval once started.
func NewWriteBehindStore(audit core.IAuditStore, deadLetter core.IDeadLetterStore, queueSize int, interval time.Duration, logger core.ILogger) *WriteBehindStore {
	return &WriteBehindStore{
		audit:      audit,
		deadLetter: deadLetter,
		logger:     logger.WithField("component", "write_behind_store"),
		fills:      make(chan core.OrderFill, queueSize),
		decisions:  make(chan core.DecisionRecord, queueSize),
		interval:   interval,
	}
}

// Start launches the periodic flusher.
func (w *WriteBehindStore) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.flushLoop()
	w.logger.Info("Write-behind store started",
		"queue_size", cap(w.fills),
		"flush_interval", w.interval)
}

// Stop drains both queues, then stops the flusher.
func (w *WriteBehindStore) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.FlushAll(context.Background())
	w.logger.Info("Write-behind store stopped")
}

// EnqueueFill queues a fill for the next flush. On queue overflow the fill
// is written synchronously; if that also fails it becomes a dead letter.
func (w *WriteBehindStore) EnqueueFill(fill core.OrderFill) {
	select {
	case w.fills <- fill:
	default:
		if err := w.audit.SaveFill(context.Background(), fill); err != nil {
			w.divert(deadLetterEventTrade, []core.OrderFill{fill}, err)
		}
	}
}

// EnqueueDecision queues a decision record for the next flush, with the
// same overflow behavior as EnqueueFill.
func (w *WriteBehindStore) EnqueueDecision(rec core.DecisionRecord) {
	select {
	case w.decisions <- rec:
	default:
		if err := w.audit.SaveDecision(context.Background(), rec); err != nil {
			w.divert(deadLetterEventDecision, []core.DecisionRecord{rec}, err)
		}
	}
}

func (w *WriteBehindStore) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.FlushAll(context.Background())
		}
	}
}

// FlushAll drains both queues and bulk-saves each batch. Called by the
// flusher and once more at shutdown.
func (w *WriteBehindStore) FlushAll(ctx context.Context) {
	w.flushFills(ctx)
	w.flushDecisions(ctx)
}

func (w *WriteBehindStore) flushFills(ctx context.Context) {
	var batch []core.OrderFill
	for {
		select {
		case f := <-w.fills:
			batch = append(batch, f)
		default:
			if len(batch) == 0 {
				return
			}
			if err := w.audit.SaveFills(ctx, batch); err != nil {
				w.divert(deadLetterEventTrade, batch, err)
				return
			}
			w.logger.Debug("Flushed fill batch", "count", len(batch))
			return
		}
	}
}

func (w *WriteBehindStore) flushDecisions(ctx context.Context) {
	var batch []core.DecisionRecord
	for {
		select {
		case r := <-w.decisions:
			batch = append(batch, r)
		default:
			if len(batch) == 0 {
				return
			}
			if err := w.audit.SaveDecisions(ctx, batch); err != nil {
				w.divert(deadLetterEventDecision, batch, err)
				return
			}
			w.logger.Debug("Flushed decision batch", "count", len(batch))
			return
		}
	}
}

// divert sends a failed batch to the dead-letter store. The payload embeds
// the monotonic sequence so replay order is recoverable even if row ids are
// not.
func (w *WriteBehindStore) divert(eventType string, batch interface{}, cause error) {
	seq := w.seq.Add(1)
	payload, err := json.Marshal(map[string]interface{}{
		"sequence": seq,
		"items":    batch,
	})
	if err != nil {
		w.logger.Error("Dead-letter payload marshal failed, batch lost",
			"event_type", eventType, "error", err)
		return
	}

	entry := core.DeadLetterEntry{
		EventType:  eventType,
		Payload:    string(payload),
		Status:     "PENDING",
		RetryCount: 0,
		MaxRetries: deadLetterMaxRetries,
		Error:      cause.Error(),
		StackTrace: string(debug.Stack()),
		CreatedAt:  time.Now(),
	}
	if err := w.deadLetter.Save(context.Background(), entry); err != nil {
		w.logger.Error("Dead-letter write failed, batch lost",
			"event_type", eventType, "sequence", seq, "error", err)
		return
	}

	telemetry.GetGlobalMetrics().IncDeadLetters(context.Background())
	w.logger.Warn("Batch diverted to dead letter",
		"event_type", eventType, "sequence", seq, "error", fmt.Sprintf("%v", cause))
}
