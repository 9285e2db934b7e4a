// SPDX-License-Identifier: AGPL-3.0-or-later

package routing

import (
	"context"
	"fmt"
	"time"
)

// ShouldNotifyModelUnavailable reports whether a MODEL_NOT_AVAILABLE
// notification for (service, version) should actually be sent to
// clients right now, rather than swallowed as a duplicate of one
// already sent this window. The first caller to open a fresh window
// wins the SETNX and is told to notify; everyone else inside that same
// window is debounced. A long-running incident that reopens the window
// over and over is additionally capped at ModelNAMaxPerWindow
// notifications total, so a model that stays down for an hour doesn't
// re-alert every window forever.
func (rt *Runtime) ShouldNotifyModelUnavailable(ctx context.Context, service, version string) (bool, error) {
	windowKey := fmt.Sprintf("model_na_debounce:%s:%s", service, version)
	window := time.Duration(rt.cfg.ModelNAWindowMS) * time.Millisecond

	opened, err := rt.store.SetNX(ctx, windowKey, "1", window)
	if err != nil {
		return false, err
	}
	if !opened {
		return false, nil
	}

	if rt.cfg.ModelNAMaxPerWindow <= 0 {
		return true, nil
	}
	count, err := rt.store.IncrBy(ctx, windowKey+":repeats", 1)
	if err != nil {
		return false, err
	}
	return count <= int64(rt.cfg.ModelNAMaxPerWindow), nil
}
