// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"math"
	"math/rand"
)

// SelectionRequest describes the constraints a candidate node must
// satisfy to serve one job.
type SelectionRequest struct {
	SrcLang          string
	TgtLang          string
	RequireGPU       bool
	RequiredServices []string
	ModelVersion     map[string]string // serviceID -> required version, "" means any
	PublicOnly       bool
}

type candidate struct {
	id       string
	headroom int // max_concurrent_jobs - effective load; higher is better
}

// headroomFor computes a node's effective capacity headroom: how much
// room is left above the greater of its heartbeat-reported current-job
// count and its live reservation count. A node with no configured
// MaxConcurrentJobs is treated as unconstrained and always wins a
// headroom comparison against one with a finite limit.
func (r *Registry) headroomFor(nodeID string, node *Node) int {
	reserved := r.ReservedCount(nodeID)
	effective := node.CurrentJobs
	if reserved > effective {
		effective = reserved
	}
	if node.MaxConcurrentJobs <= 0 {
		return math.MaxInt32
	}
	return node.MaxConcurrentJobs - effective
}

// excludeReasonFor returns the first exclusion reason that applies to
// node for req, or "" if the node is eligible.
func (r *Registry) excludeReasonFor(node *Node, req SelectionRequest) ExcludeReason {
	if node.Status != NodeStatusReady || !node.Online {
		return ExcludeStatusNotReady
	}
	if req.PublicOnly && !node.AcceptPublicJobs {
		return ExcludeNotInPublicPool
	}
	if req.RequireGPU && !node.CapabilityByType["gpu"] {
		return ExcludeGpuUnavailable
	}
	for _, svc := range req.RequiredServices {
		if r.unavailable.isUnavailable(node.ID, svc) {
			return ExcludeModelNotAvailable
		}
		if !node.RequiresService(svc) {
			return ExcludeModelNotAvailable
		}
	}
	reserved := r.ReservedCount(node.ID)
	effective := node.CurrentJobs
	if reserved > effective {
		effective = reserved
	}
	if node.MaxConcurrentJobs > 0 && effective >= node.MaxConcurrentJobs {
		return ExcludeCapacityExceeded
	}
	if r.cfg.ResourceThreshold > 0 {
		if node.Usage.CPU >= r.cfg.ResourceThreshold || node.Usage.Memory >= r.cfg.ResourceThreshold {
			return ExcludeResourceThresholdExceeded
		}
		if req.RequireGPU && node.Usage.GPU >= r.cfg.ResourceThreshold {
			return ExcludeResourceThresholdExceeded
		}
	}
	if !node.SupportsLangPair(req.SrcLang, req.TgtLang) {
		if !node.SupportsSrcLang(req.SrcLang) {
			return ExcludeAsrLangUnsupported
		}
		if !node.SupportsTgtLang(req.TgtLang) {
			return ExcludeTtsLangUnsupported
		}
		return ExcludeLangPairUnsupported
	}
	return ""
}

// sampleUniform draws n distinct entries uniformly at random from
// candidates via a Fisher-Yates partial shuffle (rand.Perm), so a pool
// with more eligible members than the sample cap doesn't just hand back
// whatever prefix its backing map happened to range over.
func sampleUniform(candidates []candidate, n int) []candidate {
	if n >= len(candidates) {
		return candidates
	}
	perm := rand.Perm(len(candidates)) //nolint:gosec // load balancing, not security sensitive
	sample := make([]candidate, n)
	for i := 0; i < n; i++ {
		sample[i] = candidates[perm[i]]
	}
	return sample
}

// Select finds an eligible node for req. Pools are probed in ring order
// starting from the directed pair's preferred pool: each pool's members
// are filtered down to the eligible set, and the first pool whose
// filtered list is non-empty is used — a pool is only skipped in favor
// of the next one when it has no eligible members at all, per §4.2 step
// 3's "if all pools empty" widening trigger. From that pool's filtered
// list a uniform random sample of up to RandomSampleSize is drawn, and
// the sample member with the highest effective capacity headroom wins,
// ties broken uniformly at random. Every node examined and excluded is
// tallied into the returned breakdown and mirrored to the shared
// exclusion-reason stats.
func (r *Registry) Select(ctx context.Context, req SelectionRequest) (string, NoAvailableNodeBreakdown, error) {
	preferred := poolIDFor(req.SrcLang, req.TgtLang, r.cfg.PoolCount, r.cfg.HashSeed)
	order := poolProbeOrder(preferred, r.cfg.PoolCount)
	breakdown := newBreakdown()

	for _, pid := range order {
		set, ok := r.poolIndex.Load(pid)
		if !ok {
			continue
		}

		var candidates []candidate
		set.Range(func(nodeID string, _ struct{}) bool {
			entry, ok := r.nodes.Load(nodeID)
			if !ok {
				return true
			}
			entry.mu.RLock()
			node := entry.node
			entry.mu.RUnlock()

			breakdown.TotalNodes++
			if reason := r.excludeReasonFor(&node, req); reason != "" {
				breakdown.Reasons[reason]++
				r.recordExclude(ctx, reason)
				return true
			}
			candidates = append(candidates, candidate{id: nodeID, headroom: r.headroomFor(nodeID, &node)})
			return true
		})

		if len(candidates) == 0 {
			continue
		}

		sample := sampleUniform(candidates, r.cfg.RandomSampleSize)
		best := sample[0]
		tied := []candidate{best}
		for _, c := range sample[1:] {
			switch {
			case c.headroom > best.headroom:
				best = c
				tied = []candidate{c}
			case c.headroom == best.headroom:
				tied = append(tied, c)
			}
		}
		chosen := tied[rand.Intn(len(tied))] //nolint:gosec // load balancing, not security sensitive
		return chosen.id, breakdown, nil
	}

	if req.RequireGPU && breakdown.TotalNodes > 0 && breakdown.Reasons[ExcludeGpuUnavailable] == breakdown.TotalNodes {
		return "", breakdown, ErrNoGPUAvailable
	}
	return "", breakdown, ErrNoAvailableNode
}

func (r *Registry) recordExclude(ctx context.Context, reason ExcludeReason) {
	r.excludeMu.Lock()
	r.excludeStats[reason]++
	r.excludeMu.Unlock()
	_, _ = r.store.HIncrBy(ctx, "stats:exclude", string(reason), 1)
}

// ExcludeStats returns a snapshot of every exclusion reason counted
// locally by this instance since startup.
func (r *Registry) ExcludeStats() map[ExcludeReason]int64 {
	r.excludeMu.Lock()
	defer r.excludeMu.Unlock()
	out := make(map[ExcludeReason]int64, len(r.excludeStats))
	for k, v := range r.excludeStats {
		out[k] = v
	}
	return out
}
