package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// toolRequest is the HTTP body for POST /tools/:name.
type toolRequest struct {
	ClientID  string         `json:"client_id"`
	Arguments map[string]any `json:"arguments"`
}

// HTTPServer serves the tool surface over HTTP.
type HTTPServer struct {
	dispatcher *Dispatcher
	srv        *http.Server
}

// NewHTTPServer builds the gin router around the dispatcher. addr is
// host:port.
func NewHTTPServer(d *Dispatcher, addr string) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"instance_id": d.instanceID,
		})
	})
	engine.POST("/tools/:name", func(c *gin.Context) {
		var req toolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": gin.H{
				"kind":    "business_logic",
				"message": "request body must be JSON with client_id and arguments",
			}})
			return
		}
		if req.ClientID == "" {
			req.ClientID = c.ClientIP()
		}
		// Failures ride the uniform envelope, not HTTP status codes, so
		// transports stay interchangeable with stdio.
		resp := d.Call(c.Request.Context(), req.ClientID, c.Param("name"), req.Arguments)
		c.JSON(http.StatusOK, resp)
	})

	return &HTTPServer{
		dispatcher: d,
		srv: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not
// reported as an error.
func (s *HTTPServer) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
