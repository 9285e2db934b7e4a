// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry maintains the per-instance authoritative view of
// worker nodes: status, capabilities, the directed-language-pair pool
// index, temporary unavailability, and exclusion accounting, and
// implements node selection for a job.
package registry

import "time"

// NodeStatus is the node lifecycle status.
type NodeStatus string

const (
	// NodeStatusJoining is the initial state before a first capability report.
	NodeStatusJoining NodeStatus = "joining"
	// NodeStatusReady accepts new jobs.
	NodeStatusReady NodeStatus = "ready"
	// NodeStatusDraining no longer accepts new jobs but keeps in-flight ones.
	NodeStatusDraining NodeStatus = "draining"
	// NodeStatusOffline is set on heartbeat expiry or explicit disconnect.
	NodeStatusOffline NodeStatus = "offline"
)

// ResourceUsage holds a node's most recently reported utilization, each
// expressed as a fraction in [0, 1].
type ResourceUsage struct {
	CPU    float64
	GPU    float64
	Memory float64
}

// ServiceMetrics holds optional per-service processing statistics
// reported alongside a heartbeat.
type ServiceMetrics struct {
	ServiceID        string
	AverageLatencyMS float64
	ErrorRate        float64
}

// LanguageCapability is one directed (asr-lang, tts-lang) pair a node
// can serve.
type LanguageCapability struct {
	SrcLang string
	TgtLang string
}

// Node is this instance's view of one worker node.
type Node struct {
	ID       string
	Name     string
	Platform string
	Version  string
	Hardware string

	Status           NodeStatus
	Online           bool
	Usage            ResourceUsage
	InstalledModels   []string
	InstalledServices []string
	FeatureFlags      map[string]bool
	AcceptPublicJobs  bool
	CapabilityByType  map[string]bool
	LanguagePairs     []LanguageCapability

	CurrentJobs       int
	MaxConcurrentJobs int

	LastHeartbeat time.Time
	RegisteredAt  time.Time

	ServiceMetrics []ServiceMetrics
}

// RequiresService reports whether the node's feature set includes
// serviceID among the services it claims to have installed.
func (n *Node) RequiresService(serviceID string) bool {
	for _, s := range n.InstalledServices {
		if s == serviceID {
			return true
		}
	}
	return false
}

// SupportsLangPair reports whether the node advertises the given
// directed language pair.
func (n *Node) SupportsLangPair(src, tgt string) bool {
	for _, lp := range n.LanguagePairs {
		if lp.SrcLang == src && lp.TgtLang == tgt {
			return true
		}
	}
	return false
}

// SupportsSrcLang reports whether the node advertises src as a source
// language for at least one pair.
func (n *Node) SupportsSrcLang(src string) bool {
	for _, lp := range n.LanguagePairs {
		if lp.SrcLang == src {
			return true
		}
	}
	return false
}

// SupportsTgtLang reports whether the node advertises tgt as a target
// language for at least one pair.
func (n *Node) SupportsTgtLang(tgt string) bool {
	for _, lp := range n.LanguagePairs {
		if lp.TgtLang == tgt {
			return true
		}
	}
	return false
}

// ExcludeReason is one of the node-selection exclusion categories
// tracked as a counter per §4.2.
type ExcludeReason string

const (
	ExcludeStatusNotReady            ExcludeReason = "status_not_ready"
	ExcludeNotInPublicPool           ExcludeReason = "not_in_public_pool"
	ExcludeGpuUnavailable            ExcludeReason = "gpu_unavailable"
	ExcludeModelNotAvailable         ExcludeReason = "model_not_available"
	ExcludeCapacityExceeded          ExcludeReason = "capacity_exceeded"
	ExcludeResourceThresholdExceeded ExcludeReason = "resource_threshold_exceeded"
	ExcludeLangPairUnsupported       ExcludeReason = "lang_pair_unsupported"
	ExcludeAsrLangUnsupported        ExcludeReason = "asr_lang_unsupported"
	ExcludeTtsLangUnsupported        ExcludeReason = "tts_lang_unsupported"
)

// allExcludeReasons enumerates every reason in the fixed order used for
// breakdown reporting and metric registration.
var allExcludeReasons = []ExcludeReason{
	ExcludeStatusNotReady,
	ExcludeNotInPublicPool,
	ExcludeGpuUnavailable,
	ExcludeModelNotAvailable,
	ExcludeCapacityExceeded,
	ExcludeResourceThresholdExceeded,
	ExcludeLangPairUnsupported,
	ExcludeAsrLangUnsupported,
	ExcludeTtsLangUnsupported,
}

// NoAvailableNodeBreakdown reports, per exclusion reason, how many
// candidate nodes were skipped for it while probing every pool.
type NoAvailableNodeBreakdown struct {
	TotalNodes int
	Reasons    map[ExcludeReason]int
}

func newBreakdown() NoAvailableNodeBreakdown {
	return NoAvailableNodeBreakdown{Reasons: make(map[ExcludeReason]int, len(allExcludeReasons))}
}
