// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import "errors"

var (
	// ErrNodeIDConflict is returned when registering an id already held
	// by an online node.
	ErrNodeIDConflict = errors.New("registry: node id already in use")
	// ErrUnknownNode is returned by operations addressing a node id this
	// instance has never seen or has forgotten.
	ErrUnknownNode = errors.New("registry: unknown node")
	// ErrNoAvailableNode is returned by Select when every candidate in
	// every pool was excluded.
	ErrNoAvailableNode = errors.New("registry: no available node")
	// ErrNoGPUAvailable is returned by Select when every node it examined
	// was excluded for lacking a GPU.
	ErrNoGPUAvailable = errors.New("registry: no gpu available")
)
