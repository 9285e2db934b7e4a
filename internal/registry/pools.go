// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import "hash/fnv"

// poolIDFor computes the directed-language-pair pool id: an FNV-1a hash
// of "src:tgt" mixed with hashSeed, reduced modulo poolCount.
func poolIDFor(src, tgt string, poolCount int, hashSeed uint32) int {
	if poolCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(src))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(tgt))
	sum := h.Sum32() ^ hashSeed
	return int(sum % uint32(poolCount))
}

// poolProbeOrder returns every pool index exactly once, starting at
// preferred and walking the ring, so a node-selection pass can widen its
// search beyond the preferred pool without ever repeating one.
func poolProbeOrder(preferred, poolCount int) []int {
	if poolCount <= 0 {
		return nil
	}
	order := make([]int, poolCount)
	for i := 0; i < poolCount; i++ {
		order[i] = (preferred + i) % poolCount
	}
	return order
}
