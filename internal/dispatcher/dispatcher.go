// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

// ResultHandler is invoked once a job transitions to Completed or
// Failed, so the owning session actor can be woken without the
// dispatcher importing it back.
type ResultHandler func(job Job)

// Dispatcher owns job lifecycle for every job this instance created:
// idempotent creation, node selection and reservation, lease tracking
// with bounded failover, and result acceptance.
type Dispatcher struct {
	cfg      *config.Dispatch
	store    store.Store
	registry *registry.Registry
	onResult ResultHandler

	byKey *xsync.Map[string, *Job]
	byID  *xsync.Map[string, *Job]

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// New builds a Dispatcher bound to a node registry and shared store.
func New(cfg *config.Dispatch, reg *registry.Registry, st store.Store, onResult ResultHandler) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    st,
		registry: reg,
		onResult: onResult,
		byKey:    xsync.NewMap[string, *Job](),
		byID:     xsync.NewMap[string, *Job](),
		timers:   make(map[string]*time.Timer),
	}
}

// CreateOrGetJob returns the existing job for this idempotency key if
// one was already created (possibly by another goroutine, or another
// instance, racing on the same utterance), or creates and returns a new
// Pending job. The shared store's job_key mapping is the cross-instance
// tiebreaker: this instance's in-memory map is only a cache of it, so a
// process restart or a second instance racing on the same key still
// converges on one job id per §8's idempotence invariant.
func (d *Dispatcher) CreateOrGetJob(tenant, session string, utteranceIndex int, srcLang, tgtLang, requestID string, features map[string]any) (*Job, bool, error) {
	key, err := idempotencyKey(tenant, session, utteranceIndex, tgtLang, features)
	if err != nil {
		return nil, false, err
	}

	if existing, ok := d.byKey.Load(key); ok {
		return existing, false, nil
	}

	job := &Job{
		IdempotencyKey: key,
		JobID:          ulid.Make().String(),
		RequestID:      requestID,
		TenantID:       tenant,
		SessionID:      session,
		UtteranceIndex: utteranceIndex,
		SourceLang:     srcLang,
		TargetLang:     tgtLang,
		Features:       features,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}

	ctx := context.Background()
	ttl := time.Duration(d.cfg.IdempotencyTTLSeconds) * time.Second
	storeKey := fmt.Sprintf("job_key:%s", key)
	claimed, err := d.store.SetNX(ctx, storeKey, job.JobID, ttl)
	if err != nil {
		// Store unavailable: fall back to local-only dedup per §5's
		// fail-closed rule for cross-instance guarantees, but still let
		// this instance's own retries converge.
		actual, loaded := d.byKey.LoadOrStore(key, job)
		if loaded {
			return actual, false, nil
		}
		d.byID.Store(job.JobID, job)
		return job, true, nil
	}
	if !claimed {
		winnerID, getErr := d.store.Get(ctx, storeKey)
		if getErr == nil && winnerID != job.JobID {
			if actual, ok := d.byKey.Load(key); ok {
				return actual, false, nil
			}
			// Another instance won the race and this one has no local
			// record of it yet: reconstruct a minimal recovered job so
			// callers still see one converged job id.
			recovered := &Job{
				IdempotencyKey: key,
				JobID:          winnerID,
				RequestID:      requestID,
				TenantID:       tenant,
				SessionID:      session,
				UtteranceIndex: utteranceIndex,
				SourceLang:     srcLang,
				TargetLang:     tgtLang,
				Features:       features,
				Status:         StatusPending,
				CreatedAt:      time.Now(),
			}
			actual, loaded := d.byKey.LoadOrStore(key, recovered)
			if loaded {
				return actual, false, nil
			}
			d.byID.Store(recovered.JobID, recovered)
			return recovered, false, nil
		}
	}

	actual, loaded := d.byKey.LoadOrStore(key, job)
	if loaded {
		return actual, false, nil
	}
	d.byID.Store(job.JobID, job)
	return job, true, nil
}

// acquireRequestLock spins for the request-level lock up to the
// configured budget, matching the bounded-wait contention policy: two
// dispatch calls racing on the same request id serialize rather than
// double-dispatch, but a caller never blocks indefinitely.
func (d *Dispatcher) acquireRequestLock(ctx context.Context, requestID string) (func(), error) {
	key := fmt.Sprintf("request_lock:%s", requestID)
	token := uuid.New().String()
	ttl := time.Duration(d.cfg.LeaseSeconds) * time.Second
	deadline := time.Now().Add(time.Duration(d.cfg.RequestLockSpinTimeoutMS) * time.Millisecond)
	interval := time.Duration(d.cfg.RequestLockSpinIntervalMS) * time.Millisecond
	for {
		ok, err := d.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { _ = d.store.Delete(context.Background(), key) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrRequestLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Dispatch selects a node for job, reserves capacity on it, and starts
// the lease timer. Concurrent Dispatch calls for the same request id
// serialize on the request lock so a client retry can't fan out to two
// different nodes.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job, req registry.SelectionRequest) (string, error) {
	release, err := d.acquireRequestLock(ctx, job.RequestID)
	if err != nil {
		return "", err
	}
	defer release()

	// A duplicate retry of the same request (possibly arriving on
	// another instance, serialized here only because session ownership
	// routes it back to this one) finds the job already dispatched and
	// returns the existing assignment rather than issuing a second
	// JobAssign, matching the request-binding dispatched=true fast path.
	if job.Status == StatusDispatched && job.NodeID != "" {
		return job.NodeID, nil
	}

	return d.dispatchLocked(ctx, job, req)
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, job *Job, req registry.SelectionRequest) (string, error) {
	job.SelectionReq = req
	nodeID, _, err := d.registry.Select(ctx, req)
	if err != nil {
		return "", err
	}

	leaseTTL := time.Duration(d.cfg.LeaseSeconds) * time.Second
	reserved, err := d.registry.ReserveJobSlot(ctx, nodeID, job.JobID, leaseTTL)
	if err != nil {
		return "", err
	}
	if !reserved {
		return "", registry.ErrNoAvailableNode
	}

	job.NodeID = nodeID
	job.AttemptID = ulid.Make().String()
	job.Status = StatusDispatched
	job.LeaseExpiresAt = time.Now().Add(leaseTTL)

	d.startLeaseTimer(job.JobID, leaseTTL)
	return nodeID, nil
}

func (d *Dispatcher) startLeaseTimer(jobID string, ttl time.Duration) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if existing, ok := d.timers[jobID]; ok {
		existing.Stop()
	}
	d.timers[jobID] = time.AfterFunc(ttl, func() {
		d.OnLeaseTimeout(context.Background(), jobID)
	})
}

func (d *Dispatcher) stopLeaseTimer(jobID string) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if existing, ok := d.timers[jobID]; ok {
		existing.Stop()
		delete(d.timers, jobID)
	}
}

// OnResult accepts a worker's result for jobID/attemptID. A mismatched
// attempt id means the result belongs to an attempt that was already
// failed over away from and is rejected rather than applied.
func (d *Dispatcher) OnResult(ctx context.Context, jobID, attemptID string) (*Job, error) {
	job, ok := d.byID.Load(jobID)
	if !ok {
		return nil, ErrUnknownJob
	}
	if job.Status != StatusDispatched {
		return nil, ErrJobNotDispatched
	}
	if job.AttemptID != attemptID {
		return nil, ErrAttemptMismatch
	}

	d.stopLeaseTimer(jobID)
	job.Status = StatusCompleted
	if err := d.registry.ReleaseJobSlot(ctx, job.NodeID, job.JobID); err != nil {
		return job, err
	}
	if d.onResult != nil {
		d.onResult(*job)
	}
	return job, nil
}

// OnLeaseTimeout handles a job whose lease expired without a result:
// fails over to a new node while FailoverAttempts < MaxFailover,
// otherwise marks the job Failed.
func (d *Dispatcher) OnLeaseTimeout(ctx context.Context, jobID string) {
	job, ok := d.byID.Load(jobID)
	if !ok || job.Status != StatusDispatched {
		return
	}

	_ = d.registry.ReleaseJobSlot(ctx, job.NodeID, job.JobID)

	if job.FailoverAttempts >= d.cfg.MaxFailover {
		job.Status = StatusFailed
		if d.onResult != nil {
			d.onResult(*job)
		}
		return
	}

	job.FailoverAttempts++
	if _, err := d.dispatchLocked(ctx, job, job.SelectionReq); err != nil {
		job.Status = StatusFailed
		if d.onResult != nil {
			d.onResult(*job)
		}
	}
}

// ReportFailure handles a worker's reported failure for jobID/attemptID
// (e.g. MODEL_NOT_AVAILABLE, NMT_TIMEOUT, TTS_TIMEOUT): an attempt
// mismatch means the report belongs to a superseded attempt and is
// rejected, otherwise the job fails over to a new node while
// FailoverAttempts < MaxFailover, or is marked Failed.
func (d *Dispatcher) ReportFailure(ctx context.Context, jobID, attemptID, errorCode, errorMessage string) error {
	job, ok := d.byID.Load(jobID)
	if !ok {
		return ErrUnknownJob
	}
	if job.Status != StatusDispatched {
		return ErrJobNotDispatched
	}
	if job.AttemptID != attemptID {
		return ErrAttemptMismatch
	}

	job.LastErrorCode = errorCode
	job.LastErrorMessage = errorMessage

	d.stopLeaseTimer(jobID)
	d.OnLeaseTimeout(ctx, jobID)
	return nil
}

// Get returns the job for jobID, if known to this instance.
func (d *Dispatcher) Get(jobID string) (*Job, bool) {
	return d.byID.Load(jobID)
}
