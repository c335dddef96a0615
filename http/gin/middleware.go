package gin

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	x402 "github.com/x402-io/x402/go"
	x402http "github.com/x402-io/x402/go/http"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Gin Adapter Implementation
// ============================================================================

// GinAdapter implements x402http.HTTPAdapter for the Gin framework.
type GinAdapter struct {
	ctx *gin.Context
}

// NewGinAdapter creates a Gin adapter.
func NewGinAdapter(ctx *gin.Context) *GinAdapter {
	return &GinAdapter{ctx: ctx}
}

func (a *GinAdapter) GetHeader(name string) string {
	return a.ctx.GetHeader(name)
}

func (a *GinAdapter) GetMethod() string {
	return a.ctx.Request.Method
}

func (a *GinAdapter) GetPath() string {
	return a.ctx.Request.URL.Path
}

func (a *GinAdapter) GetURL() string {
	scheme := "http"
	if a.ctx.Request.TLS != nil {
		scheme = "https"
	}
	host := a.ctx.Request.Host
	if host == "" {
		host = a.ctx.GetHeader("Host")
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, a.ctx.Request.URL.Path)
}

// ============================================================================
// Middleware Configuration
// ============================================================================

// MiddlewareConfig configures the payment middleware.
type MiddlewareConfig struct {
	Routes                 x402http.RoutesConfig
	FacilitatorClients     []x402.FacilitatorClient
	Schemes                []SchemeRegistration
	SyncFacilitatorOnStart bool
	ErrorHandler           func(*gin.Context, error)
	SettlementHandler      func(*gin.Context, *x402.SettleResponse)
	Timeout                time.Duration
}

// SchemeRegistration registers a scheme server for a network.
type SchemeRegistration struct {
	Network x402.Network
	Server  x402.SchemeNetworkServer
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*MiddlewareConfig)

func WithFacilitatorClient(client x402.FacilitatorClient) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.FacilitatorClients = append(c.FacilitatorClients, client)
	}
}

func WithScheme(network x402.Network, schemeServer x402.SchemeNetworkServer) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Schemes = append(c.Schemes, SchemeRegistration{Network: network, Server: schemeServer})
	}
}

func WithSyncFacilitatorOnStart(sync bool) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.SyncFacilitatorOnStart = sync
	}
}

func WithErrorHandler(handler func(*gin.Context, error)) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.ErrorHandler = handler
	}
}

func WithSettlementHandler(handler func(*gin.Context, *x402.SettleResponse)) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.SettlementHandler = handler
	}
}

func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Timeout = timeout
	}
}

// ============================================================================
// Payment Middleware
// ============================================================================

// PaymentMiddleware creates Gin middleware for x402 payment handling using a
// pre-configured resource server.
func PaymentMiddleware(routes x402http.RoutesConfig, server *x402.ResourceServer, opts ...MiddlewareOption) gin.HandlerFunc {
	config := &MiddlewareConfig{
		Routes:                 routes,
		SyncFacilitatorOnStart: true,
		Timeout:                30 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	httpServer := x402http.WrapX402HTTPResourceServer(routes, server)

	if config.SyncFacilitatorOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		defer cancel()
		if err := httpServer.Initialize(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to initialize x402 resource server")
		}
	}

	return createMiddlewareHandler(httpServer, config)
}

// PaymentMiddlewareFromConfig creates Gin middleware, constructing the
// resource server internally from the supplied options.
func PaymentMiddlewareFromConfig(routes x402http.RoutesConfig, opts ...MiddlewareOption) gin.HandlerFunc {
	config := &MiddlewareConfig{
		Routes:                 routes,
		SyncFacilitatorOnStart: true,
		Timeout:                30 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	var serverOpts []x402.ResourceServerOption
	for _, client := range config.FacilitatorClients {
		serverOpts = append(serverOpts, x402.WithFacilitatorClient(client))
	}

	httpServer := x402http.NewX402HTTPResourceServer(config.Routes, serverOpts...)

	for _, scheme := range config.Schemes {
		httpServer.Register(scheme.Network, scheme.Server)
	}

	if config.SyncFacilitatorOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		defer cancel()
		if err := httpServer.Initialize(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to initialize x402 resource server")
		}
	}

	return createMiddlewareHandler(httpServer, config)
}

func createMiddlewareHandler(server *x402http.HTTPServer, config *MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		adapter := NewGinAdapter(c)
		reqCtx := x402http.HTTPRequestContext{
			Adapter: adapter,
			Path:    c.Request.URL.Path,
			Method:  c.Request.Method,
		}

		if !server.RequiresPayment(reqCtx) {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()

		result := server.ProcessHTTPRequest(ctx, reqCtx)

		switch result.Type {
		case x402http.ResultNoPaymentRequired:
			c.Next()
		case x402http.ResultPaymentError:
			handlePaymentError(c, result.Response, config)
		case x402http.ResultPaymentVerified:
			handlePaymentVerified(c, server, ctx, result, config)
		}
	}
}

func handlePaymentError(c *gin.Context, response *x402http.HTTPResponseInstructions, _ *MiddlewareConfig) {
	c.Status(response.Status)
	for key, value := range response.Headers {
		c.Header(key, value)
	}
	c.JSON(response.Status, response.Body)
	c.Abort()
}

func handlePaymentVerified(c *gin.Context, server *x402http.HTTPServer, ctx context.Context, result x402http.HTTPProcessResult, config *MiddlewareConfig) {
	writer := &responseCapture{
		ResponseWriter: c.Writer,
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}
	c.Writer = writer

	c.Next()

	if c.IsAborted() {
		return
	}

	c.Writer = writer.ResponseWriter

	if writer.statusCode >= 400 {
		c.Writer.WriteHeader(writer.statusCode)
		_, _ = c.Writer.Write(writer.body.Bytes())
		return
	}

	settleResult := server.ProcessSettlement(ctx, *result.PaymentPayload, *result.PaymentRequirements)

	if !settleResult.Success {
		errorReason := settleResult.ErrorReason
		if errorReason == "" {
			errorReason = "settlement failed"
		}
		if config.ErrorHandler != nil {
			config.ErrorHandler(c, fmt.Errorf("settlement failed: %s", errorReason))
		} else {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "settlement failed", "details": errorReason})
		}
		return
	}

	for key, value := range settleResult.Headers {
		c.Header(key, value)
	}

	if config.SettlementHandler != nil {
		config.SettlementHandler(c, &x402.SettleResponse{
			Success:     true,
			Transaction: settleResult.Transaction,
			Network:     settleResult.Network,
			Payer:       settleResult.Payer,
		})
	}

	c.Writer.WriteHeader(writer.statusCode)
	_, _ = c.Writer.Write(writer.body.Bytes())
}

// ============================================================================
// Response Capture
// ============================================================================

// responseCapture buffers the downstream handler's response so it can be
// discarded (on settlement failure) or released (on success) after
// settlement runs.
type responseCapture struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
	mu         sync.Mutex
}

func (w *responseCapture) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeHeaderLocked(code)
}

func (w *responseCapture) writeHeaderLocked(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseCapture) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.written {
		w.writeHeaderLocked(http.StatusOK)
	}
	return w.body.Write(data)
}

func (w *responseCapture) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}
