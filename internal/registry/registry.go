// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/patrickmn/go-cache"
	"github.com/puzpuzpuz/xsync/v4"
)

// nodeEntry wraps a Node with the lock that guards in-place mutation,
// reservation bookkeeping and the set of pools it currently belongs to.
type nodeEntry struct {
	mu    sync.RWMutex
	node  Node
	pools []int

	reservedMu sync.Mutex
	reserved   map[string]time.Time // jobID -> expiry
}

// Registry is this instance's authoritative view of the worker nodes
// connected to it: status, capabilities, the directed-pool index used
// for selection, temporary unavailability, and exclusion accounting.
// Every connected node belongs to exactly one instance (its channel
// owner), so reservation and capacity accounting here need no
// cross-instance coordination; the store mirror exists purely for
// observability from other instances.
type Registry struct {
	cfg   *config.Registry
	store store.Store
	nodes *xsync.Map[string, *nodeEntry]

	// poolIndex maps pool id -> set of node ids currently serving at
	// least one language pair hashing into that pool.
	poolIndex *xsync.Map[int, *xsync.Map[string, struct{}]]

	unavailable *unavailabilityTracker

	// capMirror is the per-instance cached mirror described in §9: reads
	// of the store-authoritative node_cap hash (used by other instances
	// and the status inspector to observe a node this instance owns)
	// are served from here for capMirrorTTL before falling back to the
	// store, so a burst of observability reads never fans out one store
	// round-trip per call.
	capMirror    *cache.Cache
	capMirrorTTL time.Duration

	excludeMu    sync.Mutex
	excludeStats map[ExcludeReason]int64
}

// New builds a Registry bound to the given shared store.
func New(cfg *config.Registry, st store.Store) *Registry {
	ttl := time.Duration(cfg.CapabilityMirrorTTLMS) * time.Millisecond
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Registry{
		cfg:          cfg,
		store:        st,
		nodes:        xsync.NewMap[string, *nodeEntry](),
		poolIndex:    xsync.NewMap[int, *xsync.Map[string, struct{}]](),
		unavailable:  newUnavailabilityTracker(),
		capMirror:    cache.New(ttl, 2*ttl),
		capMirrorTTL: ttl,
		excludeStats: make(map[ExcludeReason]int64, len(allExcludeReasons)),
	}
}

// poolsFor returns the set of pool ids the node's language pairs hash
// into, deduplicated.
func (r *Registry) poolsFor(n *Node) []int {
	seen := make(map[int]struct{}, len(n.LanguagePairs))
	pools := make([]int, 0, len(n.LanguagePairs))
	for _, lp := range n.LanguagePairs {
		pid := poolIDFor(lp.SrcLang, lp.TgtLang, r.cfg.PoolCount, r.cfg.HashSeed)
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			pools = append(pools, pid)
		}
	}
	return pools
}

func (r *Registry) poolSet(pid int) *xsync.Map[string, struct{}] {
	s, _ := r.poolIndex.LoadOrStore(pid, xsync.NewMap[string, struct{}]())
	return s
}

func (r *Registry) indexNode(nodeID string, pools []int) {
	for _, pid := range pools {
		r.poolSet(pid).Store(nodeID, struct{}{})
	}
}

func (r *Registry) deindexNode(nodeID string, pools []int) {
	for _, pid := range pools {
		if s, ok := r.poolIndex.Load(pid); ok {
			s.Delete(nodeID)
		}
	}
}

// Register adds a brand-new node or replaces a stale entry for the same
// id, returning ErrNodeIDConflict if an online node already holds id.
func (r *Registry) Register(ctx context.Context, n Node) error {
	n.Status = NodeStatusJoining
	n.Online = true
	n.RegisteredAt = time.Now()
	n.LastHeartbeat = n.RegisteredAt

	entry := &nodeEntry{node: n, reserved: make(map[string]time.Time)}
	existing, loaded := r.nodes.LoadOrStore(n.ID, entry)
	if loaded {
		existing.mu.Lock()
		stillOnline := existing.node.Online
		existing.mu.Unlock()
		if stillOnline {
			return fmt.Errorf("%w: %s", ErrNodeIDConflict, n.ID)
		}
		existing.mu.Lock()
		r.deindexNode(n.ID, existing.pools)
		existing.node = n
		existing.pools = nil
		existing.mu.Unlock()
	}
	return r.store.SAdd(ctx, "node:ids", n.ID)
}

// ReportCapabilities replaces a node's capability set, moving it to
// Ready and re-indexing it into the pools its new language pairs hash
// into.
func (r *Registry) ReportCapabilities(ctx context.Context, nodeID string, update func(*Node)) error {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	r.unavailable.clear(nodeID)

	entry.mu.Lock()
	update(&entry.node)
	entry.node.Status = NodeStatusReady
	oldPools := entry.pools
	newPools := r.poolsFor(&entry.node)
	entry.pools = newPools
	entry.mu.Unlock()

	r.deindexNode(nodeID, oldPools)
	r.indexNode(nodeID, newPools)
	if err := r.mirrorPools(ctx, nodeID, oldPools, newPools); err != nil {
		return err
	}

	entry.mu.RLock()
	n := entry.node
	entry.mu.RUnlock()
	return r.mirrorCapability(ctx, nodeID, &n)
}

// mirrorCapability writes this node's capacity fields to the
// store-authoritative `node_cap:{nid}` hash (§6 key layout) and
// refreshes the cached mirror in the same call, so a reader hitting
// CapabilitySnapshot right after a report never has to wait out the
// cache TTL to see it.
func (r *Registry) mirrorCapability(ctx context.Context, nodeID string, n *Node) error {
	key := fmt.Sprintf("node_cap:%s", nodeID)
	fields := map[string]string{
		"max_concurrent": strconv.Itoa(n.MaxConcurrentJobs),
		"current":        strconv.Itoa(n.CurrentJobs),
		"status":         string(n.Status),
	}
	for field, val := range fields {
		if err := r.store.HSet(ctx, key, field, val); err != nil {
			return err
		}
	}
	r.capMirror.Set(nodeID, fields, cache.DefaultExpiration)
	return nil
}

// CapabilitySnapshot returns this node's mirrored capacity fields,
// serving repeated reads from the TTL cache before falling back to the
// store per §9's cached-mirror design note.
func (r *Registry) CapabilitySnapshot(ctx context.Context, nodeID string) (map[string]string, error) {
	if cached, ok := r.capMirror.Get(nodeID); ok {
		return cached.(map[string]string), nil
	}
	fields, err := r.store.HGetAll(ctx, fmt.Sprintf("node_cap:%s", nodeID))
	if err != nil {
		return nil, err
	}
	r.capMirror.Set(nodeID, fields, cache.DefaultExpiration)
	return fields, nil
}

func (r *Registry) mirrorPools(ctx context.Context, nodeID string, oldPools, newPools []int) error {
	for _, pid := range oldPools {
		if err := r.store.SRem(ctx, fmt.Sprintf("pool:%d", pid), nodeID); err != nil {
			return err
		}
	}
	for _, pid := range newPools {
		if err := r.store.SAdd(ctx, fmt.Sprintf("pool:%d", pid), nodeID); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat refreshes a node's liveness, usage and job count.
func (r *Registry) Heartbeat(nodeID string, usage ResourceUsage, currentJobs int, metrics []ServiceMetrics) error {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.node.LastHeartbeat = time.Now()
	entry.node.Usage = usage
	entry.node.CurrentJobs = currentJobs
	entry.node.ServiceMetrics = metrics
	if entry.node.Status == NodeStatusOffline {
		entry.node.Status = NodeStatusReady
	}
	return nil
}

// SetDraining marks a node as no longer accepting new work.
func (r *Registry) SetDraining(nodeID string) error {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	entry.mu.Lock()
	entry.node.Status = NodeStatusDraining
	entry.mu.Unlock()
	return nil
}

// Disconnect removes a node from selection entirely: marked offline and
// de-indexed from every pool, but kept in the registry so late heartbeats
// or job results referencing it don't hit ErrUnknownNode.
func (r *Registry) Disconnect(ctx context.Context, nodeID string) error {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	entry.node.Status = NodeStatusOffline
	entry.node.Online = false
	pools := entry.pools
	entry.pools = nil
	entry.mu.Unlock()

	r.deindexNode(nodeID, pools)
	r.unavailable.clear(nodeID)
	if err := r.mirrorPools(ctx, nodeID, pools, nil); err != nil {
		return err
	}

	entry.mu.RLock()
	n := entry.node
	entry.mu.RUnlock()
	return r.mirrorCapability(ctx, nodeID, &n)
}

// Get returns a copy of a node's current state.
func (r *Registry) Get(nodeID string) (Node, bool) {
	entry, ok := r.nodes.Load(nodeID)
	if !ok {
		return Node{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.node, true
}

// MarkUnavailable records that a node cannot currently serve serviceID
// (e.g. a model failed to load or verify).
func (r *Registry) MarkUnavailable(nodeID, serviceID string, ttl time.Duration) {
	r.unavailable.mark(nodeID, serviceID, ttl)
}

// SweepExpired drops stale unavailability entries and marks online nodes
// whose last heartbeat is older than three heartbeat intervals offline,
// taking them out of their pools; no node is removed from the registry.
// Runs off the periodic maintenance scheduler.
func (r *Registry) SweepExpired(heartbeatInterval time.Duration) {
	r.unavailable.sweep()

	expireAfter := heartbeatInterval * 3
	now := time.Now()
	var stale []string
	r.nodes.Range(func(id string, entry *nodeEntry) bool {
		entry.mu.RLock()
		online := entry.node.Online
		last := entry.node.LastHeartbeat
		entry.mu.RUnlock()
		if online && now.Sub(last) > expireAfter {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		entry, ok := r.nodes.Load(id)
		if !ok {
			continue
		}
		entry.mu.Lock()
		entry.node.Status = NodeStatusOffline
		entry.node.Online = false
		pools := entry.pools
		entry.pools = nil
		entry.mu.Unlock()
		r.deindexNode(id, pools)
	}
}
