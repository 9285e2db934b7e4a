// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"fmt"
	"time"
)

// ReserveJobSlot atomically pre-commits one unit of capacity on nodeID
// for jobID, with the reservation itself expiring after ttl so a
// dispatch that never results in a heartbeat-visible job doesn't leak
// capacity forever. The gate compares against
// max(current_jobs, reserved_count) rather than current_jobs alone, so
// concurrent reservations ahead of the node's next heartbeat can't
// overbook it.
func (r *Registry) ReserveJobSlot(ctx context.Context, nodeID, jobID string, ttl time.Duration) (bool, error) {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	entry.reservedMu.Lock()
	defer entry.reservedMu.Unlock()

	now := time.Now()
	for id, expiry := range entry.reserved {
		if now.After(expiry) {
			delete(entry.reserved, id)
		}
	}
	if _, already := entry.reserved[jobID]; already {
		return true, nil
	}

	entry.mu.RLock()
	currentJobs := entry.node.CurrentJobs
	maxJobs := entry.node.MaxConcurrentJobs
	entry.mu.RUnlock()

	reservedCount := len(entry.reserved)
	effective := currentJobs
	if reservedCount > effective {
		effective = reservedCount
	}
	if effective >= maxJobs {
		return false, nil
	}

	entry.reserved[jobID] = now.Add(ttl)

	key := fmt.Sprintf("node_reserved:%s", nodeID)
	if err := r.store.HSet(ctx, key, jobID, now.Add(ttl).Format(time.RFC3339Nano)); err != nil {
		delete(entry.reserved, jobID)
		return false, err
	}
	return true, nil
}

// ReleaseJobSlot idempotently releases a previously reserved slot. It is
// a no-op on the counter when called without a matching reservation.
func (r *Registry) ReleaseJobSlot(ctx context.Context, nodeID, jobID string) error {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return nil
	}
	entry.reservedMu.Lock()
	delete(entry.reserved, jobID)
	entry.reservedMu.Unlock()

	return r.store.HDel(ctx, fmt.Sprintf("node_reserved:%s", nodeID), jobID)
}

// ReservedCount returns the number of live (non-expired) reservations
// held against nodeID.
func (r *Registry) ReservedCount(nodeID string) int {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return 0
	}
	entry.reservedMu.Lock()
	defer entry.reservedMu.Unlock()
	now := time.Now()
	count := 0
	for _, expiry := range entry.reserved {
		if now.Before(expiry) {
			count++
		}
	}
	return count
}

// SweepReservations drops expired reservations across every node. Meant
// to run alongside SweepExpired from the periodic maintenance job.
func (r *Registry) SweepReservations() {
	now := time.Now()
	r.nodes.Range(func(_ string, entry *nodeEntry) bool {
		entry.reservedMu.Lock()
		for id, expiry := range entry.reserved {
			if now.After(expiry) {
				delete(entry.reserved, id)
			}
		}
		entry.reservedMu.Unlock()
		return true
	})
}
