// Package server exposes the ingestion and chat flows over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sitechat/internal/orchestration"
	"github.com/zulandar/sitechat/internal/tenant"
)

// Flows is the orchestrator surface the handlers call.
type Flows interface {
	Ingest(ctx context.Context, tenantID, websiteURL string) (*orchestration.IngestResult, error)
	Chat(ctx context.Context, req orchestration.ChatRequest) (*orchestration.ChatResult, error)
}

// Tenants is the registry surface behind the tenant admin routes.
type Tenants interface {
	Snapshot() []tenant.Entry
	Delete(ctx context.Context, tenantID string) error
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Flows       Flows   // required
	Tenants     Tenants // required
	Addr        string
	CORSOrigins []string
	Out         io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Flows == nil {
		return nil, fmt.Errorf("server: flows are required")
	}
	if opts.Tenants == nil {
		return nil, fmt.Errorf("server: tenants are required")
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), cors(opts.CORSOrigins))
	registerRoutes(router, opts.Flows, opts.Tenants)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:5000"
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "sitechat listening on http://%s\n", opts.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger writes one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("server: %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// cors answers preflight requests and sets the allow headers for the
// configured origins. "*" allows any origin.
func cors(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
