// Package httpstatus implements the optional HTTP status surface (section
// 4.11): a small gin router exposing GET /healthz and
// GET /status/{sessionId} as JSON, instrumented with otelgin. It never
// blocks a close-loop run: a bind failure is logged and swallowed.
package httpstatus

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"sce.dev/auto/internal/model"
)

// SessionLookup resolves a session by id for the /status/{sessionId}
// endpoint. Returns ok=false when the session is unknown.
type SessionLookup func(sessionID string) (*model.CloseLoopSession, bool)

// SnapshotLookup returns the live Status Monitor snapshot for a session, if
// a run for it is currently in-flight.
type SnapshotLookup func(sessionID string) (model.StatusSnapshot, bool)

// Server is the status surface's gin engine plus its bound listener.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	listener net.Listener
}

// New builds the router. serviceName is passed through to the otelgin
// middleware for span naming.
func New(serviceName string, sessions SessionLookup, snapshots SnapshotLookup) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(serviceName))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/status/:sessionId", func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		sess, ok := sessions(sessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session", "sessionId": sessionID})
			return
		}

		body := gin.H{"session": sess}
		if snap, ok := snapshots(sessionID); ok {
			body["snapshot"] = snap
		}
		c.JSON(http.StatusOK, body)
	})

	return &Server{engine: engine}
}

// Start binds addr and serves in the background. A bind failure is returned
// to the caller, who per section 4.11 must log it as a warning and continue
// without the status surface rather than aborting the run.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.engine}

	go func() {
		_ = s.server.Serve(listener)
	}()
	return nil
}

// Shutdown gracefully stops the server, if started.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
