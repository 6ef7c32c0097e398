package connection

import (
	"sync"
	"time"

	"github.com/openvine/feedcore/internal/errors"
	"github.com/openvine/feedcore/internal/metrics"
)

// ResultKind tags how a pending operation terminated.
type ResultKind int

const (
	// ResultAck means the relay answered with a matching OK
	ResultAck ResultKind = iota
	// ResultTimeout means no matching response arrived in time
	ResultTimeout
	// ResultClosed means the connection died with the operation in flight
	ResultClosed
	// ResultDisposed means the owner was disposed with the operation in flight
	ResultDisposed
)

// Result is the terminal outcome of a pending operation. Exactly one Result
// is delivered per registered operation.
type Result struct {
	Kind     ResultKind
	Accepted bool
	Message  string
	Err      error
}

type pendingOp struct {
	ch      chan Result
	timer   *time.Timer
	started time.Time
}

// PendingTable correlates outbound requests to their acknowledgment, timeout
// or failure. Entries are removed on every terminal path.
type PendingTable struct {
	mu  sync.Mutex
	ops map[string]*pendingOp
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{ops: make(map[string]*pendingOp)}
}

// Add registers an operation under correlationID with the given deadline and
// returns the channel its single Result will arrive on. A second Add for a
// live correlationID returns the existing channel.
func (t *PendingTable) Add(correlationID string, timeout time.Duration) <-chan Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if op, exists := t.ops[correlationID]; exists {
		return op.ch
	}

	op := &pendingOp{
		ch:      make(chan Result, 1),
		started: time.Now(),
	}
	op.timer = time.AfterFunc(timeout, func() {
		t.finish(correlationID, Result{
			Kind: ResultTimeout,
			Err:  errors.AckTimeoutError(correlationID),
		})
	})
	t.ops[correlationID] = op
	metrics.PendingOperations.Inc()
	return op.ch
}

// Resolve completes the operation matching correlationID with the relay's
// acknowledgment. Returns false when no such operation is pending.
func (t *PendingTable) Resolve(correlationID string, accepted bool, message string) bool {
	t.mu.Lock()
	op, exists := t.ops[correlationID]
	var elapsed time.Duration
	if exists {
		elapsed = time.Since(op.started)
	}
	t.mu.Unlock()

	if exists {
		metrics.AckLatency.Observe(elapsed.Seconds())
	}
	return t.finish(correlationID, Result{
		Kind:     ResultAck,
		Accepted: accepted,
		Message:  message,
	})
}

// Fail completes a single operation with an error.
func (t *PendingTable) Fail(correlationID string, kind ResultKind, err error) bool {
	return t.finish(correlationID, Result{Kind: kind, Err: err})
}

// FailAll completes every outstanding operation with the same error. Used on
// connection loss and disposal.
func (t *PendingTable) FailAll(kind ResultKind, err error) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.ops))
	for id := range t.ops {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.finish(id, Result{Kind: kind, Err: err})
	}
}

// Len reports the number of outstanding operations.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// finish removes the entry and delivers the result exactly once; competing
// terminal events race on map removal, so only one wins.
func (t *PendingTable) finish(correlationID string, result Result) bool {
	t.mu.Lock()
	op, exists := t.ops[correlationID]
	if exists {
		delete(t.ops, correlationID)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}

	op.timer.Stop()
	op.ch <- result
	metrics.PendingOperations.Dec()
	return true
}
