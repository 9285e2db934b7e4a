// SPDX-License-Identifier: AGPL-3.0-or-later

package wsserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/babelrelay/scheduler/internal/protocol"
	"github.com/babelrelay/scheduler/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

func (s *Server) getSessionContext(sessionID string) (*sessionContext, bool) {
	s.sessCtxMu.Lock()
	defer s.sessCtxMu.Unlock()
	sc, ok := s.sessCtx[sessionID]
	return sc, ok
}

func (s *Server) setSessionContext(sessionID string, sc *sessionContext) {
	s.sessCtxMu.Lock()
	defer s.sessCtxMu.Unlock()
	s.sessCtx[sessionID] = sc
}

func (s *Server) deleteSessionContext(sessionID string) {
	s.sessCtxMu.Lock()
	defer s.sessCtxMu.Unlock()
	delete(s.sessCtx, sessionID)
}

func mustEncodeSessionError(code protocol.ErrorCode, message string) []byte {
	raw, _ := protocol.EncodeSessionMessage(protocol.SessionMsgError, protocol.ErrorMessage{Code: string(code), Message: message})
	return raw
}

// sessionHandler upgrades a client connection and expects session_init
// as its first frame, then pumps AudioChunk/heartbeat/close frames
// through the session actor until the connection drops.
func (s *Server) sessionHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("session websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	env, err := protocol.DecodeSessionEnvelope(raw)
	if err != nil || env.Type != protocol.SessionMsgSessionInit {
		_ = conn.WriteMessage(websocket.TextMessage, mustEncodeSessionError(protocol.ErrCodeInvalidMessage, "first message must be session_init"))
		return
	}
	var init protocol.SessionInit
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustEncodeSessionError(protocol.ErrCodeInvalidMessage, "malformed session_init"))
		return
	}

	ctx := c.Request.Context()
	sessionID := ulid.Make().String()
	if _, err := s.deps.Routing.AcquireSessionOwnership(ctx, sessionID); err != nil {
		s.logger.Error("failed to acquire session ownership", "session_id", sessionID, "error", err)
		return
	}

	mode := init.Mode
	if mode == "" {
		mode = protocol.ModeOneWay
	}
	s.setSessionContext(sessionID, &sessionContext{
		tenantID:  init.TenantID,
		srcLang:   init.SrcLang,
		tgtLang:   init.TgtLang,
		dialect:   init.Dialect,
		mode:      mode,
		langA:     init.LangA,
		langB:     init.LangB,
		autoLangs: init.AutoLangs,
		features:  init.Features,
	})

	sink := s.deps.SessionConns.Register(sessionID)
	go writePump(conn, sink)

	ack, _ := protocol.EncodeSessionMessage(protocol.SessionMsgSessionAck, protocol.SessionAck{SessionID: sessionID})
	s.deps.SessionConns.Send(sessionID, ack)

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
				if err := s.deps.Routing.RenewSessionOwnership(renewCtx, sessionID); err != nil {
					s.logger.Warn("session ownership renewal failed", "session_id", sessionID, "error", err)
				}
			}
		}
	}()

	s.deps.Sessions.GetOrCreate(ctx, sessionID)

	readFailed := make(chan struct{})
	go func() {
		defer close(readFailed)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleSessionFrame(ctx, sessionID, raw)
		}
	}()

	select {
	case <-ctx.Done():
	case <-readFailed:
	}

	s.deps.Sessions.Close(sessionID)
	_ = s.deps.Routing.ReleaseSessionOwnership(context.Background(), sessionID)
	s.deps.SessionConns.Unregister(sessionID)
	s.deps.Results.RemoveSession(sessionID)
	s.deleteSessionContext(sessionID)
}

func (s *Server) handleSessionFrame(ctx context.Context, sessionID string, raw []byte) {
	env, err := protocol.DecodeSessionEnvelope(raw)
	if err != nil {
		return
	}
	switch env.Type {
	case protocol.SessionMsgAudioChunk:
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			return
		}
		actor, ok := s.deps.Sessions.Get(sessionID)
		if !ok {
			return
		}
		actor.SubmitChunk(session.AudioChunk{
			Data:       chunk.Chunk,
			IsFinal:    chunk.IsFinal,
			ServerTSMS: time.Now().UnixMilli(),
			ClientTSMS: chunk.ClientTSMS,
		})
	case protocol.SessionMsgHeartbeat:
		hb, _ := protocol.EncodeSessionMessage(protocol.SessionMsgServerHeartbeat, protocol.ServerHeartbeat{
			SessionID: sessionID,
			TSMs:      time.Now().UnixMilli(),
		})
		s.deps.SessionConns.Send(sessionID, hb)
	case protocol.SessionMsgClose:
		if actor, ok := s.deps.Sessions.Get(sessionID); ok {
			actor.SubmitClose()
		}
	}
}
