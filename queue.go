package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fieldsync/common"
	"fieldsync/netmon"
)

// Operation is one pending offline write. Its ID is client-generated and
// doubles as the idempotency key: replays of the same operation always carry
// the same ID, so the remote side can deduplicate a retry whose first attempt
// committed before the connection dropped. For creates, the ID also serves as
// the local placeholder until the remote resource id is assigned.
type Operation[T any] struct {
	ID            string    `json:"id"`
	Seq           uint64    `json:"seq"`
	Action        Action    `json:"action"`
	Payload       T         `json:"payload"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// SyncResult summarizes one replay pass.
type SyncResult[T any] struct {
	Success int
	Failed  int
	// Errors holds the operations dropped as permanent failures, each with
	// its original payload so the caller can decide to re-enqueue manually.
	Errors []SyncError[T]
}

// SyncError pairs a permanently failed operation with its final error.
type SyncError[T any] struct {
	Operation Operation[T]
	Err       error
}

// Queue is a durable FIFO of pending write operations, used when the remote
// backend is unreachable. Enqueue persists the operation before returning and
// never touches the network; Sync replays the queue in enqueue order through
// the injected write function, with at most one replay pass running at a
// time. Replay is triggered by offline-to-online transitions, a debounced
// timer while pending work exists, or explicit Sync calls.
type Queue[T any] struct {
	store   Store
	monitor netmon.Monitor
	write   WriteFunc[T]
	opts    QueueOptions
	log     zerolog.Logger
	now     func() time.Time

	// syncCh is a capacity-one channel lock: holding the token is holding the
	// right to run a replay pass.
	syncCh chan struct{}

	mu        sync.Mutex
	pending   []*Operation[T] // FIFO by Seq
	processed map[string]struct{}
	// replayingID is the operation a sync pass is currently writing. The
	// supersede rules must not touch it: its old payload may already be on the
	// wire, and finish will remove it once that write is confirmed.
	replayingID string
	seq         uint64
	lastSync  time.Time
	closed    bool
	started   bool

	stopTicker  chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewQueue creates a Queue over the given durable store and reloads any
// operations persisted by a previous session, so a process restart preserves
// the queue. All three collaborators are required.
func NewQueue[T any](store Store, monitor netmon.Monitor, write WriteFunc[T], opts QueueOptions) (*Queue[T], error) {
	if store == nil {
		return nil, common.ErrStoreRequired
	}
	if monitor == nil {
		return nil, errors.New("fieldsync: network monitor is required")
	}
	if write == nil {
		return nil, errors.New("fieldsync: write function is required")
	}
	o := opts.withDefaults()
	logger := zerolog.Nop()
	if o.Logger != nil {
		logger = *o.Logger
	}
	now := time.Now
	if o.Clock != nil {
		now = o.Clock
	}
	q := &Queue[T]{
		store:     store,
		monitor:   monitor,
		write:     write,
		opts:      o,
		log:       logger,
		now:       now,
		syncCh:    make(chan struct{}, 1),
		processed: make(map[string]struct{}),
	}
	if err := q.load(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue[T]) opKey(id string) string {
	return q.opts.Namespace + ":" + id
}

// load restores pending operations from the durable store, in persisted
// sequence order, and resumes the sequence counter past the highest one seen.
func (q *Queue[T]) load(ctx context.Context) error {
	all, err := q.store.GetAll(ctx, q.opts.Namespace+":")
	if err != nil {
		return fmt.Errorf("fieldsync: loading pending operations: %w", err)
	}
	for key, raw := range all {
		var op Operation[T]
		if err := json.Unmarshal(raw, &op); err != nil {
			q.log.Warn().Err(err).Str("key", key).Msg("dropping corrupt pending operation")
			_ = q.store.Delete(ctx, key)
			continue
		}
		q.pending = append(q.pending, &op)
		if op.Seq >= q.seq {
			q.seq = op.Seq + 1
		}
	}
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].Seq < q.pending[j].Seq })
	return nil
}

// Enqueue persists a pending operation and returns its local id. It never
// depends on network reachability and is safe to call while fully offline.
// The only failure mode is the durable store itself.
//
// When QueueOptions.ResourceID is set, later operations supersede earlier
// pending ones for the same resource: a delete collapses pending updates, and
// an update replaces a pending update's payload in place (keeping its queue
// position). An operation currently being replayed is never superseded; a
// racing edit becomes a fresh operation behind it.
func (q *Queue[T]) Enqueue(ctx context.Context, action Action, payload T) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", common.ErrQueueClosed
	}

	if q.opts.ResourceID != nil {
		if id, superseded, err := q.supersedeLocked(ctx, action, payload); superseded || err != nil {
			q.mu.Unlock()
			if err == nil {
				q.notifyEnqueued(id, action)
			}
			return id, err
		}
	}

	op := &Operation[T]{
		ID:         uuid.NewString(),
		Seq:        q.seq,
		Action:     action,
		Payload:    payload,
		EnqueuedAt: q.now(),
		MaxRetries: q.opts.MaxRetries,
	}
	if err := q.persistLocked(ctx, op); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.seq++
	q.pending = append(q.pending, op)
	pendingNow := len(q.pending)
	q.mu.Unlock()

	q.log.Debug().Str("id", op.ID).Str("action", string(action)).Int("pending", pendingNow).Msg("operation enqueued")
	q.notifyEnqueued(op.ID, action)
	return op.ID, nil
}

// notifyEnqueued runs the optimistic-state callback outside the queue lock so
// it may freely call back into the queue.
func (q *Queue[T]) notifyEnqueued(id string, action Action) {
	if q.opts.OnEnqueue != nil {
		q.opts.OnEnqueue(id, action)
	}
}

// supersedeLocked applies the collapse rules for a new operation against the
// pending queue. Returns superseded=true when the new operation was absorbed
// into (or absorbed) existing queue state. Callers hold q.mu.
func (q *Queue[T]) supersedeLocked(ctx context.Context, action Action, payload T) (string, bool, error) {
	rid := q.opts.ResourceID(payload)
	if rid == "" {
		return "", false, nil
	}
	switch action {
	case ActionDelete:
		// A delete makes any still-pending update for the resource moot. An
		// update in mid-replay is left alone; the delete lands behind it.
		kept := q.pending[:0]
		for _, op := range q.pending {
			if op.Action == ActionUpdate && op.ID != q.replayingID && q.opts.ResourceID(op.Payload) == rid {
				if err := q.store.Delete(ctx, q.opKey(op.ID)); err != nil && !errors.Is(err, common.ErrNotFound) {
					q.log.Warn().Err(err).Str("id", op.ID).Msg("failed to drop superseded update")
				}
				continue
			}
			kept = append(kept, op)
		}
		q.pending = kept
	case ActionUpdate:
		// A newer update for the same resource replaces the pending payload
		// but keeps its place in line. Replacing an update in mid-replay would
		// lose the edit when finish confirms the old payload, so that case
		// falls through to a fresh operation instead.
		for _, op := range q.pending {
			if op.Action == ActionUpdate && op.ID != q.replayingID && q.opts.ResourceID(op.Payload) == rid {
				op.Payload = payload
				op.EnqueuedAt = q.now()
				if err := q.persistLocked(ctx, op); err != nil {
					return "", true, err
				}
				return op.ID, true, nil
			}
		}
	}
	return "", false, nil
}

func (q *Queue[T]) persistLocked(ctx context.Context, op *Operation[T]) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("fieldsync: operation marshal: %w", err)
	}
	if err := q.store.Set(ctx, q.opKey(op.ID), raw, 0); err != nil {
		return fmt.Errorf("fieldsync: operation persist: %w", err)
	}
	return nil
}

// PendingCount returns the number of operations awaiting replay. Pure read.
func (q *Queue[T]) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the queue in replay order, for inspection.
func (q *Queue[T]) Pending() []Operation[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation[T], len(q.pending))
	for i, op := range q.pending {
		out[i] = *op
	}
	return out
}

// Sync replays pending operations in enqueue order. At most one pass runs at
// a time: a concurrent call returns common.ErrSyncInProgress without doing
// any work. While offline the call is a no-op. Individual operation failures
// never fail the pass; they are retried with backoff up to the operation's
// remaining retry budget, then dropped and reported in the result. Only
// systemic failures (context cancellation, storage breakage) return an error.
func (q *Queue[T]) Sync(ctx context.Context) (SyncResult[T], error) {
	var res SyncResult[T]

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return res, common.ErrQueueClosed
	}
	q.mu.Unlock()

	if !q.monitor.Online() {
		q.log.Debug().Msg("sync skipped, device offline")
		return res, nil
	}

	select {
	case q.syncCh <- struct{}{}:
	default:
		return res, common.ErrSyncInProgress
	}
	defer func() { <-q.syncCh }()

	q.mu.Lock()
	q.lastSync = q.now()
	ops := make([]*Operation[T], len(q.pending))
	copy(ops, q.pending)
	q.mu.Unlock()

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		q.mu.Lock()
		_, done := q.processed[op.ID]
		if !done {
			q.replayingID = op.ID
		}
		q.mu.Unlock()
		if done {
			continue
		}

		err := q.replay(ctx, op)
		q.mu.Lock()
		q.replayingID = ""
		// Snapshot while holding the lock: a concurrent Enqueue may replace
		// this op's payload now that it is no longer being replayed.
		snapshot := *op
		q.mu.Unlock()

		switch {
		case err == nil:
			res.Success++
			q.finish(op, true)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Pass aborted mid-operation: keep the op pending with its
			// updated retry bookkeeping and surface the cancellation.
			q.mu.Lock()
			_ = q.persistLocked(context.Background(), op)
			q.mu.Unlock()
			return res, err
		default:
			res.Failed++
			res.Errors = append(res.Errors, SyncError[T]{Operation: snapshot, Err: err})
			q.finish(op, false)
			q.log.Warn().Err(err).Str("id", snapshot.ID).Str("action", string(snapshot.Action)).
				Int("attempts", snapshot.RetryCount).Msg("operation dropped after permanent failure")
		}
	}

	q.log.Debug().Int("success", res.Success).Int("failed", res.Failed).Msg("sync pass complete")
	return res, nil
}

// replay attempts one operation through the shared retry wrapper, spending
// whatever retry budget the operation has left and recording each failed
// attempt on the operation itself.
func (q *Queue[T]) replay(ctx context.Context, op *Operation[T]) error {
	// Read the operation under the lock; Enqueue mutates pending operations
	// concurrently.
	q.mu.Lock()
	action, payload := op.Action, op.Payload
	retryCount, lastError := op.RetryCount, op.LastError
	q.mu.Unlock()

	attemptsLeft := op.MaxRetries - retryCount
	if attemptsLeft <= 0 {
		return fmt.Errorf("fieldsync: retry budget exhausted (%d attempts): %s", retryCount, lastError)
	}
	_, err := retryWithBackoff(ctx, retryPolicy{attempts: attemptsLeft, delay: q.opts.RetryDelay},
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, q.write(ctx, action, payload)
		},
		func(attemptErr error) {
			q.mu.Lock()
			op.RetryCount++
			op.LastError = attemptErr.Error()
			op.LastAttemptAt = q.now()
			q.mu.Unlock()
		})
	return err
}

// finish removes an operation from the queue and records it in the session
// processed-set so a re-entered pass cannot replay it twice. Used for both
// confirmed successes and permanent failures.
func (q *Queue[T]) finish(op *Operation[T], success bool) {
	q.mu.Lock()
	q.processed[op.ID] = struct{}{}
	for i, p := range q.pending {
		if p.ID == op.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	if err := q.store.Delete(context.Background(), q.opKey(op.ID)); err != nil && !errors.Is(err, common.ErrNotFound) {
		q.log.Warn().Err(err).Str("id", op.ID).Bool("success", success).Msg("failed to remove finished operation from store")
	}
}

// Start wires the automatic triggers: replay on offline-to-online transitions
// and a debounced timer while pending work exists. Safe to call once; Close
// tears the triggers down.
func (q *Queue[T]) Start() {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.stopTicker = make(chan struct{})
	q.mu.Unlock()

	q.unsubscribe = q.monitor.Subscribe(func(online bool) {
		if online {
			go q.triggerSync("reconnect")
		}
	})
	q.wg.Add(1)
	go q.tickLoop()
}

func (q *Queue[T]) tickLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.SyncDebounce)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopTicker:
			return
		case <-ticker.C:
			if q.monitor.Online() && q.PendingCount() > 0 {
				q.triggerSync("timer")
			}
		}
	}
}

// triggerSync runs a replay pass unless one ran within the debounce window,
// so rapid connectivity flaps cannot cause sync storms.
func (q *Queue[T]) triggerSync(reason string) {
	q.mu.Lock()
	if q.closed || q.now().Sub(q.lastSync) < q.opts.SyncDebounce {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	res, err := q.Sync(context.Background())
	switch {
	case errors.Is(err, common.ErrSyncInProgress):
		// Another trigger won the race; nothing to do.
	case err != nil:
		q.log.Warn().Err(err).Str("trigger", reason).Msg("triggered sync failed")
	case res.Success+res.Failed > 0:
		q.log.Info().Str("trigger", reason).Int("success", res.Success).Int("failed", res.Failed).Msg("triggered sync finished")
	}
}

// Close stops the automatic triggers and rejects further Enqueue/Sync calls.
// Pending operations stay in the durable store for the next session.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if started {
		close(q.stopTicker)
		q.unsubscribe()
		q.wg.Wait()
	}
	return nil
}
