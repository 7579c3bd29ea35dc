// Package server exposes the runner over HTTP. Requests carry token
// ids; tokenization happens in the client, keeping this process a
// pure inference core.
package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/semaphore"

	"github.com/quarry-ml/quarry/ml"
	"github.com/quarry-ml/quarry/runner"
)

type GenerateRequest struct {
	Prompt  []int32        `json:"prompt"`
	Options map[string]any `json:"options"`
}

// GenerateOptions are decoded out of the request's loose options map
// so clients can omit everything and get defaults.
type GenerateOptions struct {
	MaxNewTokens int `mapstructure:"max_new_tokens"`
}

type GenerateResponse struct {
	ID     string  `json:"id"`
	Tokens []int32 `json:"tokens"`
	Done   bool    `json:"done"`
}

type ForkRequest struct {
	ID string `json:"id"`
}

type Server struct {
	runner *runner.Runner
	sem    *semaphore.Weighted
}

func New(r *runner.Runner, maxConcurrent int64) *Server {
	return &Server{
		runner: r,
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

func (s *Server) GenerateHandler(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := GenerateOptions{MaxNewTokens: 128}
	if req.Options != nil {
		if err := mapstructure.Decode(req.Options, &opts); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.sem.Acquire(c.Request.Context(), 1); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	defer s.sem.Release(1)

	seq, err := s.runner.Submit(req.Prompt, opts.MaxNewTokens)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if err := seq.Wait(); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, GenerateResponse{
		ID:     seq.ID,
		Tokens: seq.Generated(),
		Done:   true,
	})
}

func (s *Server) ForkHandler(c *gin.Context) {
	var req ForkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fork, err := s.runner.Fork(req.ID)
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": fork.ID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ml.ErrShapeMismatch), errors.Is(err, ml.ErrUnsupportedConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, runner.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) GenerateRoutes() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/api/generate", s.GenerateHandler)
	router.POST("/api/fork", s.ForkHandler)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Serve runs the HTTP server on ln until it fails or ln closes.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("listening", "addr", ln.Addr())

	srv := &http.Server{Handler: s.GenerateRoutes()}
	return srv.Serve(ln)
}
