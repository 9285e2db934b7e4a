// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wsserver exposes the two websocket upgrade routes described
// in §6: the client session channel and the worker node channel. Both
// handlers follow the same upgrade-then-pump idiom the teacher's
// websocket package uses — a goroutine reading frames off the
// connection and a readFailed channel selected against the request
// context — generalized from one fixed relay loop into the tagged
// session/node protocols this scheduler speaks.
package wsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/connmanager"
	"github.com/babelrelay/scheduler/internal/dispatcher"
	"github.com/babelrelay/scheduler/internal/metrics"
	"github.com/babelrelay/scheduler/internal/protocol"
	"github.com/babelrelay/scheduler/internal/pubsub"
	"github.com/babelrelay/scheduler/internal/registry"
	"github.com/babelrelay/scheduler/internal/resultqueue"
	"github.com/babelrelay/scheduler/internal/routing"
	"github.com/babelrelay/scheduler/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const bufferSize = 4096

// Deps bundles every component the websocket handlers need to wire a
// connection into the rest of the scheduler. All of them are
// constructed once, before the Server, and shared across connections.
type Deps struct {
	SessionConns *connmanager.Manager
	NodeConns    *connmanager.Manager
	Sessions     *session.Manager
	Dispatcher   *dispatcher.Dispatcher
	Registry     *registry.Registry
	Routing      *routing.Runtime
	Results      *resultqueue.Queue
	ResultDedup  *resultqueue.Deduplicator
	PubSub       pubsub.PubSub
	Metrics      *metrics.Metrics

	// ModelNATTL is how long a node stays marked unavailable for a
	// service after reporting MODEL_NOT_AVAILABLE.
	ModelNATTL time.Duration
}

// sessionContext is the per-session state the shared Dispatch closure
// needs to turn a finalized utterance into a selection request — kept
// here rather than in session.Manager, since the actor itself knows
// nothing about tenants or language pairs.
type sessionContext struct {
	tenantID string
	srcLang  string
	tgtLang  string
	dialect  string
	mode     protocol.SessionMode
	langA    string
	langB    string
	autoLangs []string
	features  map[string]any
}

// Server owns the gin engine and websocket upgrader for the session
// and node channels.
type Server struct {
	cfg      *config.WS
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sessCtxMu sync.Mutex
	sessCtx   map[string]*sessionContext

	httpServer *http.Server
}

// New builds a Server. It wires deps.Routing's local delivery callbacks
// to deps.SessionConns/deps.NodeConns, so this must be the only caller
// of SetLocalDeliverFuncs for this instance.
func New(cfg *config.WS, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessCtx: make(map[string]*sessionContext),
	}

	deps.Routing.SetLocalDeliverFuncs(
		func(env routing.Envelope) { s.deps.SessionConns.Send(env.SessionID, env.Data) },
		func(env routing.Envelope) { s.deps.NodeConns.Send(env.NodeID, env.Data) },
	)

	return s
}

// SetSessions binds the session manager once it has been constructed.
// session.NewManager needs DispatchFinalizedUtterance/OnUtteranceSkipped
// bound to this Server, so the Manager can only be built after New
// returns; callers must call this before Start.
func (s *Server) SetSessions(m *session.Manager) {
	s.deps.Sessions = m
}

// Router builds the gin engine serving both upgrade routes.
func (s *Server) Router(tracingEnabled bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if tracingEnabled {
		r.Use(otelgin.Middleware("babelrelay-scheduler"))
	}
	r.GET("/ws/session", s.sessionHandler)
	r.GET("/ws/node", s.nodeHandler)
	return r
}

// Start begins serving HTTP in a background goroutine. Errors other
// than http.ErrServerClosed are logged, not returned, matching the
// teacher's fire-and-forget server goroutine.
func (s *Server) Start(tracingEnabled bool) {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler: s.Router(tracingEnabled),
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server stopped unexpectedly", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func newTraceID() string {
	return ulid.Make().String()
}
