package query

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nlin88/opsbridge/pkg/infra/logger"
)

// StdioServer speaks newline-delimited JSON-RPC over stdin/stdout, the
// transport MCP clients spawn the process with.
type StdioServer struct {
	adapter *Adapter
	stdin   io.Reader
	stdout  io.Writer
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func NewStdioServer(adapter *Adapter, stdin io.Reader, stdout io.Writer) *StdioServer {
	return &StdioServer{adapter: adapter, stdin: stdin, stdout: stdout}
}

// Serve reads requests until stdin closes or the context is cancelled.
// Requests are handled concurrently; responses are serialized onto
// stdout.
func (s *StdioServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.wg.Wait()

	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleLine(ctx, data)
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin: %w", err)
	}
	return nil
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) {
	var req RPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(errorResponse(nil, codeParseError, "parse error: "+err.Error()))
		return
	}
	if resp := s.adapter.HandleRequest(ctx, &req); resp != nil {
		s.write(resp)
	}
}

func (s *StdioServer) write(resp *RPCResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		logger.Default().Error("encode rpc response", "error", err)
		return
	}
	s.stdout.Write(data)
	s.stdout.Write([]byte("\n"))
}

// HTTPServer exposes the same adapter over HTTP for clients that
// cannot spawn a subprocess.
type HTTPServer struct {
	adapter *Adapter
	version string
	srv     *http.Server
}

func NewHTTPServer(addr string, adapter *Adapter, version string) *HTTPServer {
	s := &HTTPServer{adapter: adapter, version: version}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/rpc", s.handleRPC)
	router.GET("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is cancelled, then shuts down with the
// given grace period.
func (s *HTTPServer) Run(ctx context.Context, grace time.Duration) error {
	log := logger.Default().With("component", "query-server")

	errCh := make(chan error, 1)
	go func() {
		log.Info("query server starting", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("query server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("query server shutdown: %w", err)
	}

	log.Info("query server stopped")
	return nil
}

func (s *HTTPServer) handleRPC(c *gin.Context) {
	var req RPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, codeParseError, "parse error: "+err.Error()))
		return
	}

	resp := s.adapter.HandleRequest(c.Request.Context(), &req)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.version,
		"tools":     len(s.adapter.registry.tools),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
