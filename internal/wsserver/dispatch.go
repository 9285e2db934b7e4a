// SPDX-License-Identifier: AGPL-3.0-or-later

package wsserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/babelrelay/scheduler/internal/connmanager"
	"github.com/babelrelay/scheduler/internal/dispatcher"
	"github.com/babelrelay/scheduler/internal/protocol"
	"github.com/babelrelay/scheduler/internal/pubsub"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/babelrelay/scheduler/internal/resultqueue"
	"github.com/babelrelay/scheduler/internal/session"
	"github.com/gorilla/websocket"
)

// writePump drains sink onto conn until it is closed (by the owning
// connmanager.Manager's Unregister), matching the teacher's websocket
// package's single-writer-per-connection idiom.
func writePump(conn *websocket.Conn, sink connmanager.Sink) {
	for frame := range sink {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// DispatchFinalizedUtterance implements session.Dispatch: it turns one
// finalized utterance into a job, selects a node for it, and publishes
// a JobAssign. Bound into session.Manager as a method value: the Server
// is built first and the Manager, built from its methods, is attached
// afterwards.
func (s *Server) DispatchFinalizedUtterance(ctx context.Context, req session.FinalizeRequest) error {
	sc, ok := s.getSessionContext(req.SessionID)
	if !ok {
		return fmt.Errorf("wsserver: no session context for %s", req.SessionID)
	}

	requestID := fmt.Sprintf("%s:%d", req.SessionID, req.UtteranceIndex)
	job, created, err := s.deps.Dispatcher.CreateOrGetJob(sc.tenantID, req.SessionID, req.UtteranceIndex, sc.srcLang, sc.tgtLang, requestID, sc.features)
	if err != nil {
		return s.sendSessionError(ctx, req.SessionID, protocol.ErrCodeInternalError, err.Error())
	}
	if s.deps.Metrics != nil {
		outcome := "existing"
		if created {
			outcome = "created"
		}
		s.deps.Metrics.JobsCreatedTotal.WithLabelValues(outcome).Inc()
	}

	selReq := registry.SelectionRequest{SrcLang: sc.srcLang, TgtLang: sc.tgtLang, PublicOnly: true}
	nodeID, err := s.deps.Dispatcher.Dispatch(ctx, job, selReq)
	if err != nil {
		code := protocol.ErrCodeNoAvailableNode
		if errors.Is(err, registry.ErrNoGPUAvailable) {
			code = protocol.ErrCodeNoGPUAvailable
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.NoAvailableNodeTotal.Inc()
		}
		_ = s.sendUiEvent(ctx, req.SessionID, protocol.UiEvent{Event: protocol.UiEventError, JobID: job.JobID, UtteranceIndex: req.UtteranceIndex, ErrorCode: string(code)})
		return s.sendSessionError(ctx, req.SessionID, code, err.Error())
	}

	_ = s.sendUiEvent(ctx, req.SessionID, protocol.UiEvent{Event: protocol.UiEventDispatched, JobID: job.JobID, UtteranceIndex: req.UtteranceIndex})

	assign := protocol.JobAssign{
		JobID:       job.JobID,
		AttemptID:   job.AttemptID,
		Audio:       req.Audio,
		AudioFormat: "pcm16",
		SrcLang:     sc.srcLang,
		TgtLang:     sc.tgtLang,
		Dialect:     sc.dialect,
		Features:    sc.features,
		Mode:        string(sc.mode),
		LangA:       sc.langA,
		LangB:       sc.langB,
		AutoLangs:   sc.autoLangs,
		PaddingMS:   req.PaddingMS,
		TraceID:     newTraceID(),
	}
	payload, err := protocol.EncodeNodeMessage(protocol.NodeMsgJobAssign, assign)
	if err != nil {
		return err
	}
	return s.deps.Routing.DispatchToNode(ctx, nodeID, payload)
}

// OnJobTerminal implements dispatcher.ResultHandler: it fires for every
// job reaching Completed or Failed. The Completed case is already fully
// handled inline in handleJobResult, so this only relays the Failed
// case — whether that came from a worker report that exhausted
// failover, or a node that went silent without ever sending a
// job_result at all.
func (s *Server) OnJobTerminal(job dispatcher.Job) {
	if job.Status != dispatcher.StatusFailed {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
	}
	code := protocol.ErrCodeInternalError
	message := "job failed after exhausting failover attempts"
	if job.LastErrorCode != "" {
		code = protocol.ErrorCode(job.LastErrorCode)
		message = job.LastErrorMessage
	}
	ctx := context.Background()
	_ = s.sendSessionError(ctx, job.SessionID, code, message)
	_ = s.sendUiEvent(ctx, job.SessionID, protocol.UiEvent{Event: protocol.UiEventError, JobID: job.JobID, UtteranceIndex: job.UtteranceIndex, ErrorCode: string(code)})
}

// OnUtteranceSkipped implements session.SkipNotifier: a short utterance
// merged into the next one never produces its own job result, so the
// result queue must be told not to wait for it.
func (s *Server) OnUtteranceSkipped(sessionID string, utteranceIndex int) {
	s.deps.Results.SkipIndex(sessionID, utteranceIndex)
	s.flushReadyResults(context.Background(), sessionID)
}

func (s *Server) flushReadyResults(ctx context.Context, sessionID string) {
	for _, r := range s.deps.Results.GetReadyResults(sessionID) {
		payload, ok := r.Payload.(protocol.TranslationResult)
		if !ok {
			continue
		}
		raw, err := protocol.EncodeSessionMessage(protocol.SessionMsgTranslationResult, payload)
		if err != nil {
			s.logger.Error("failed to encode translation result", "session_id", sessionID, "error", err)
			continue
		}
		if err := s.deps.Routing.SendToSession(ctx, sessionID, raw); err != nil {
			s.logger.Warn("failed to deliver translation result", "session_id", sessionID, "error", err)
		}
	}
}

func (s *Server) sendSessionError(ctx context.Context, sessionID string, code protocol.ErrorCode, message string) error {
	raw, err := protocol.EncodeSessionMessage(protocol.SessionMsgError, protocol.ErrorMessage{Code: string(code), Message: message})
	if err != nil {
		return err
	}
	return s.deps.Routing.SendToSession(ctx, sessionID, raw)
}

func (s *Server) sendUiEvent(ctx context.Context, sessionID string, ev protocol.UiEvent) error {
	raw, err := protocol.EncodeSessionMessage(protocol.SessionMsgUiEvent, ev)
	if err != nil {
		return err
	}
	return s.deps.Routing.SendToSession(ctx, sessionID, raw)
}

// handleJobResult applies a worker's JobResult: successful results are
// handed to the per-session result queue for ordered delivery; failures
// trigger the same failover-or-fail path a lease timeout would, plus
// MODEL_NOT_AVAILABLE bookkeeping when that's the reported cause.
func (s *Server) handleJobResult(ctx context.Context, nodeID string, res protocol.JobResult) {
	if res.Success {
		job, err := s.deps.Dispatcher.OnResult(ctx, res.JobID, res.AttemptID)
		if err != nil {
			s.logger.Debug("dropping job result", "job_id", res.JobID, "error", err)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
		}
		tr := protocol.TranslationResult{
			TextASR:        res.TextASR,
			TextTranslated: res.TextTranslated,
			TTSAudio:       res.TTSAudio,
			UtteranceIndex: job.UtteranceIndex,
			TraceID:        res.TraceID,
		}
		if !s.deps.Results.AddResult(job.SessionID, job.JobID, resultqueue.Result{UtteranceIndex: job.UtteranceIndex, JobID: job.JobID, Payload: tr}) {
			return
		}
		s.flushReadyResults(ctx, job.SessionID)
		return
	}

	if _, ok := s.deps.Dispatcher.Get(res.JobID); !ok {
		return
	}

	code := protocol.ErrCodeInternalError
	message := "translation failed"
	if res.Error != nil {
		code = protocol.ErrorCode(res.Error.Code)
		message = res.Error.Message
	}
	if code == protocol.ErrCodeModelNotAvailable {
		s.handleModelNotAvailable(ctx, nodeID, res)
	}

	if err := s.deps.Dispatcher.ReportFailure(ctx, res.JobID, res.AttemptID, string(code), message); err != nil {
		s.logger.Debug("failure report rejected", "job_id", res.JobID, "error", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.FailoverAttemptsTotal.Inc()
	}
	// A terminal Failed transition, whether reached here or via a pure
	// lease timeout with no report at all, is relayed to the client by
	// OnJobTerminal, the dispatcher.ResultHandler bound at construction.
}

func (s *Server) handleModelNotAvailable(ctx context.Context, nodeID string, res protocol.JobResult) {
	serviceID, version := "", ""
	if res.Error != nil && res.Error.Details != nil {
		if v, ok := res.Error.Details["service_id"].(string); ok {
			serviceID = v
		}
		if v, ok := res.Error.Details["model_version"].(string); ok {
			version = v
		}
	}
	s.deps.Registry.MarkUnavailable(nodeID, serviceID, s.deps.ModelNATTL)

	notify, err := s.deps.Routing.ShouldNotifyModelUnavailable(ctx, serviceID, version)
	if err != nil {
		s.logger.Warn("model-unavailable debounce check failed", "node_id", nodeID, "service_id", serviceID, "error", err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordModelNAEvent(notify)
	}
	if notify && s.deps.PubSub != nil {
		_ = s.deps.PubSub.Publish(ctx, pubsub.ModelUnavailableTopic, []byte(serviceID+"@"+version))
	}
}
