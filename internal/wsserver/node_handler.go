// SPDX-License-Identifier: AGPL-3.0-or-later

package wsserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/babelrelay/scheduler/internal/protocol"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

func mustEncodeNodeError(code, message string) []byte {
	raw, _ := protocol.EncodeNodeMessage(protocol.NodeMsgNodeError, protocol.NodeError{Code: code, Message: message})
	return raw
}

// nodeHandler upgrades a worker connection and expects node_register as
// its first frame, then pumps heartbeat/ack/result/error frames through
// the registry and dispatcher until the connection drops.
func (s *Server) nodeHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("node websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	env, err := protocol.DecodeNodeEnvelope(raw)
	if err != nil || env.Type != protocol.NodeMsgNodeRegister {
		_ = conn.WriteMessage(websocket.TextMessage, mustEncodeNodeError(string(protocol.ErrCodeInvalidCapabilitySchema), "first message must be node_register"))
		return
	}
	var reg protocol.NodeRegister
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustEncodeNodeError(string(protocol.ErrCodeInvalidCapabilitySchema), "malformed node_register"))
		return
	}

	nodeID := reg.NodeID
	if nodeID == "" {
		nodeID = ulid.Make().String()
	}
	ctx := c.Request.Context()

	node := registry.Node{
		ID:                nodeID,
		Name:              reg.Name,
		Platform:          reg.Platform,
		Version:           reg.Version,
		Hardware:          reg.Hardware,
		InstalledModels:   reg.InstalledModels,
		InstalledServices: reg.InstalledServices,
		FeatureFlags:      reg.Features,
		AcceptPublicJobs:  reg.AcceptPublicJobs,
		CapabilityByType:  reg.CapabilityByType,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
	}
	for _, lc := range reg.LanguageCapabilities {
		node.LanguagePairs = append(node.LanguagePairs, registry.LanguageCapability{SrcLang: lc.SrcLang, TgtLang: lc.TgtLang})
	}

	if err := s.deps.Registry.Register(ctx, node); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustEncodeNodeError(string(protocol.ErrCodeNodeIDConflict), err.Error()))
		return
	}
	if err := s.deps.Registry.ReportCapabilities(ctx, nodeID, func(n *registry.Node) { *n = node }); err != nil {
		s.logger.Error("failed to report node capabilities", "node_id", nodeID, "error", err)
		return
	}
	if _, err := s.deps.Routing.AcquireNodeOwnership(ctx, nodeID); err != nil {
		s.logger.Error("failed to acquire node ownership", "node_id", nodeID, "error", err)
		return
	}

	sink := s.deps.NodeConns.Register(nodeID)
	go writePump(conn, sink)

	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	renewTicker := time.NewTicker(s.deps.Routing.RenewalInterval())
	defer renewTicker.Stop()
	go func() {
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-renewTicker.C:
				if err := s.deps.Routing.RenewNodeOwnership(renewCtx, nodeID); err != nil {
					s.logger.Warn("node ownership renewal failed", "node_id", nodeID, "error", err)
				}
			}
		}
	}()

	readFailed := make(chan struct{})
	go func() {
		defer close(readFailed)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleNodeFrame(ctx, nodeID, raw)
		}
	}()

	select {
	case <-ctx.Done():
	case <-readFailed:
	}

	_ = s.deps.Registry.Disconnect(context.Background(), nodeID)
	_ = s.deps.Routing.ReleaseNodeOwnership(context.Background(), nodeID)
	s.deps.NodeConns.Unregister(nodeID)
}

func (s *Server) handleNodeFrame(ctx context.Context, nodeID string, raw []byte) {
	env, err := protocol.DecodeNodeEnvelope(raw)
	if err != nil {
		return
	}
	switch env.Type {
	case protocol.NodeMsgNodeHeartbeat:
		var hb protocol.NodeHeartbeat
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			return
		}
		usage := registry.ResourceUsage{CPU: hb.CPUUsage, Memory: hb.MemoryUsage}
		if hb.GPUUsage != nil {
			usage.GPU = *hb.GPUUsage
		}
		var svcMetrics []registry.ServiceMetrics
		for _, m := range hb.ProcessingMetrics {
			svcMetrics = append(svcMetrics, registry.ServiceMetrics{ServiceID: m.ServiceID, AverageLatencyMS: m.AverageLatencyMS, ErrorRate: m.ErrorRate})
		}
		if err := s.deps.Registry.Heartbeat(nodeID, usage, hb.CurrentJobs, svcMetrics); err != nil {
			s.logger.Debug("heartbeat for unknown node", "node_id", nodeID, "error", err)
		}
	case protocol.NodeMsgJobAck:
		var ack protocol.JobAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return
		}
		job, ok := s.deps.Dispatcher.Get(ack.JobID)
		if !ok {
			return
		}
		_ = s.sendUiEvent(ctx, job.SessionID, protocol.UiEvent{
			Event:          protocol.UiEventNodeAccepted,
			JobID:          ack.JobID,
			UtteranceIndex: job.UtteranceIndex,
		})
	case protocol.NodeMsgJobResult:
		var res protocol.JobResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return
		}
		s.handleJobResult(ctx, nodeID, res)
	case protocol.NodeMsgNodeError:
		var nerr protocol.NodeError
		if err := json.Unmarshal(env.Payload, &nerr); err != nil {
			return
		}
		s.logger.Warn("node reported error", "node_id", nodeID, "code", nerr.Code, "message", nerr.Message)
	}
}
