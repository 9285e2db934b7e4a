// SPDX-License-Identifier: AGPL-3.0-or-later

package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/store"
)

// ErrOwnedElsewhere is returned when a caller tries to act on a
// session/node it does not own and no local delivery is possible.
var ErrOwnedElsewhere = errors.New("routing: owned by another instance")

// LocalDeliverFunc is invoked when an envelope resolves to this
// instance, handing it to whichever component owns the live connection
// (wsserver's session/node connection managers).
type LocalDeliverFunc func(Envelope)

// Runtime tracks session and node ownership across instances, renews
// its own ownership leases, publishes presence, and forwards envelopes
// to whichever instance owns the target connection via that instance's
// inbox stream.
type Runtime struct {
	instanceID string
	cfg        *config.Routing
	store      store.Store
	logger     *slog.Logger

	deliverSession LocalDeliverFunc
	deliverNode    LocalDeliverFunc
}

// New builds a Runtime identified by instanceID.
func New(instanceID string, cfg *config.Routing, st store.Store, logger *slog.Logger) *Runtime {
	return &Runtime{instanceID: instanceID, cfg: cfg, store: st, logger: logger}
}

// SetLocalDeliverFuncs wires the callbacks used when an envelope
// resolves to this instance.
func (rt *Runtime) SetLocalDeliverFuncs(session, node LocalDeliverFunc) {
	rt.deliverSession = session
	rt.deliverNode = node
}

func ownerKey(kind, id string) string {
	return fmt.Sprintf("%s_owner:%s", kind, id)
}

func (rt *Runtime) ttl() time.Duration {
	return time.Duration(rt.cfg.OwnerTTLSeconds) * time.Second
}

// AcquireSessionOwnership claims ownership of sessionID for this
// instance, succeeding if unclaimed or already claimed by this
// instance.
func (rt *Runtime) AcquireSessionOwnership(ctx context.Context, sessionID string) (bool, error) {
	return rt.acquireOwnership(ctx, ownerKey("session", sessionID))
}

// AcquireNodeOwnership claims ownership of nodeID for this instance.
func (rt *Runtime) AcquireNodeOwnership(ctx context.Context, nodeID string) (bool, error) {
	return rt.acquireOwnership(ctx, ownerKey("node", nodeID))
}

func (rt *Runtime) acquireOwnership(ctx context.Context, key string) (bool, error) {
	created, err := rt.store.SetNX(ctx, key, rt.instanceID, rt.ttl())
	if err != nil {
		return false, err
	}
	if created {
		return true, nil
	}
	current, err := rt.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return current == rt.instanceID, nil
}

// RenewSessionOwnership extends the TTL on a session ownership record
// this instance holds. Called on the renewal timer, at half the owner
// TTL.
func (rt *Runtime) RenewSessionOwnership(ctx context.Context, sessionID string) error {
	return rt.renewOwnership(ctx, ownerKey("session", sessionID))
}

// RenewNodeOwnership extends the TTL on a node ownership record this
// instance holds.
func (rt *Runtime) RenewNodeOwnership(ctx context.Context, nodeID string) error {
	return rt.renewOwnership(ctx, ownerKey("node", nodeID))
}

func (rt *Runtime) renewOwnership(ctx context.Context, key string) error {
	current, err := rt.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if current != rt.instanceID {
		return ErrOwnedElsewhere
	}
	return rt.store.Expire(ctx, key, rt.ttl())
}

// RenewalInterval is the interval at which an owned session/node
// should renew its lease: half the owner TTL, floored at one second.
func (rt *Runtime) RenewalInterval() time.Duration {
	interval := rt.ttl() / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// ReleaseSessionOwnership drops this instance's ownership of sessionID,
// e.g. on clean session close.
func (rt *Runtime) ReleaseSessionOwnership(ctx context.Context, sessionID string) error {
	return rt.store.Delete(ctx, ownerKey("session", sessionID))
}

// ReleaseNodeOwnership drops this instance's ownership of nodeID, e.g.
// on disconnect.
func (rt *Runtime) ReleaseNodeOwnership(ctx context.Context, nodeID string) error {
	return rt.store.Delete(ctx, ownerKey("node", nodeID))
}

// ResolveSessionOwner returns the instance id that currently owns
// sessionID, or store.ErrNotFound if nobody does.
func (rt *Runtime) ResolveSessionOwner(ctx context.Context, sessionID string) (string, error) {
	return rt.store.Get(ctx, ownerKey("session", sessionID))
}

// ResolveNodeOwner returns the instance id that currently owns nodeID,
// or store.ErrNotFound if nobody does.
func (rt *Runtime) ResolveNodeOwner(ctx context.Context, nodeID string) (string, error) {
	return rt.store.Get(ctx, ownerKey("node", nodeID))
}

// PublishPresence refreshes this instance's presence record, read by
// other instances to decide whether an inbox worth forwarding to is
// still alive.
func (rt *Runtime) PublishPresence(ctx context.Context) error {
	key := fmt.Sprintf("presence:%s", rt.instanceID)
	ttl := time.Duration(rt.cfg.PresenceTTLSeconds) * time.Second
	return rt.store.Set(ctx, key, "1", ttl)
}

// IsPresent reports whether instanceID has a live presence record.
func (rt *Runtime) IsPresent(ctx context.Context, instanceID string) (bool, error) {
	_, err := rt.store.Get(ctx, fmt.Sprintf("presence:%s", instanceID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SendToSession delivers data to sessionID, either locally if this
// instance owns it, or via the owning instance's inbox stream.
func (rt *Runtime) SendToSession(ctx context.Context, sessionID string, data json.RawMessage) error {
	return rt.send(ctx, ownerKey("session", sessionID), SendToSession(sessionID, data))
}

// DispatchToNode delivers a job dispatch to nodeID, locally or via the
// owning instance's inbox.
func (rt *Runtime) DispatchToNode(ctx context.Context, nodeID string, data json.RawMessage) error {
	return rt.send(ctx, ownerKey("node", nodeID), DispatchToNode(nodeID, data))
}

// ForwardNodeMessage relays a worker node message back to the session
// that owns the originating request.
func (rt *Runtime) ForwardNodeMessage(ctx context.Context, sessionID string, data json.RawMessage) error {
	return rt.send(ctx, ownerKey("session", sessionID), ForwardNodeMessage(sessionID, data))
}

func (rt *Runtime) send(ctx context.Context, ownerKey string, env Envelope) error {
	owner, err := rt.store.Get(ctx, ownerKey)
	if err != nil {
		return err
	}
	if owner == rt.instanceID {
		rt.deliverLocal(env)
		return nil
	}
	return rt.EnqueueToInstance(ctx, owner, env)
}

func (rt *Runtime) deliverLocal(env Envelope) {
	switch env.Kind {
	case KindSendToSession, KindForwardNodeMessage:
		if rt.deliverSession != nil {
			rt.deliverSession(env)
		}
	case KindDispatchToNode:
		if rt.deliverNode != nil {
			rt.deliverNode(env)
		}
	}
}

// EnqueueToInstance appends env to instanceID's inbox stream.
func (rt *Runtime) EnqueueToInstance(ctx context.Context, instanceID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	stream := fmt.Sprintf("inbox:%s", instanceID)
	_, err = rt.store.XAdd(ctx, stream, int64(rt.cfg.StreamMaxLen), map[string]string{"envelope": string(payload)})
	return err
}

// RunInboxWorker reads this instance's own inbox stream in a loop,
// dispatching each envelope to the local delivery callbacks, until ctx
// is cancelled. Meant to run as one long-lived goroutine per instance.
func (rt *Runtime) RunInboxWorker(ctx context.Context) error {
	stream := fmt.Sprintf("inbox:%s", rt.instanceID)
	group := rt.instanceID
	if err := rt.store.XGroupCreate(ctx, stream, group); err != nil {
		return fmt.Errorf("failed to create inbox consumer group: %w", err)
	}

	block := time.Duration(rt.cfg.StreamBlockMS) * time.Millisecond
	consumer := rt.instanceID
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entries, err := rt.store.XReadGroup(ctx, stream, group, consumer, int64(rt.cfg.StreamCount), block)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			rt.logger.Error("inbox read failed", "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			var env Envelope
			if err := json.Unmarshal([]byte(entry.Fields["envelope"]), &env); err != nil {
				rt.logger.Error("dropping malformed inbox envelope", "error", err)
				ids = append(ids, entry.ID)
				continue
			}
			rt.deliverLocal(env)
			ids = append(ids, entry.ID)
		}
		if err := rt.store.XAck(ctx, stream, group, ids...); err != nil {
			rt.logger.Error("inbox ack failed", "error", err)
		}
	}
}
