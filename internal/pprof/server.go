// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pprof runs the optional debug server exposing Go's runtime
// profiles, grounded on the teacher's own internal/pprof/server.go — a
// bare gin-contrib/pprof registration behind trusted-proxies and an
// otelgin tracing gate, unchanged in shape since this concern isn't
// domain-specific.
package pprof

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	ginpprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const readTimeout = 3 * time.Second

// CreatePProfServer blocks serving the debug endpoints on the
// configured bind address when enabled; callers run it in its own
// goroutine.
func CreatePProfServer(cfg *config.Config) error {
	if !cfg.PProf.Enabled {
		return nil
	}

	r := gin.New()
	r.Use(gin.Recovery())

	if cfg.Metrics.OTLPEndpoint != "" {
		r.Use(otelgin.Middleware("babelrelay-scheduler-pprof"))
	}

	if err := r.SetTrustedProxies(cfg.PProf.TrustedProxies); err != nil {
		slog.Error("failed setting trusted proxies", "error", err)
	}

	ginpprof.Register(r)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.PProf.Bind, cfg.PProf.Port),
		Handler:           r,
		ReadHeaderTimeout: readTimeout,
	}
	slog.Info("pprof server listening", "address", server.Addr)
	return server.ListenAndServe()
}
