// Package chi adapts the protocol-level x402 resource server to
// net/http-compatible routers, in particular go-chi/chi. Unlike the Gin
// adapter, the middleware signature here is a plain func(http.Handler)
// http.Handler, so it composes with chi.Router.Use and any other
// net/http middleware.
package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	x402 "github.com/x402-io/x402/go"
	x402http "github.com/x402-io/x402/go/http"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, body interface{}) {
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// ============================================================================
// net/http Adapter Implementation
// ============================================================================

// RequestAdapter implements x402http.HTTPAdapter over a stdlib *http.Request.
type RequestAdapter struct {
	req *http.Request
}

// NewRequestAdapter creates a net/http adapter.
func NewRequestAdapter(r *http.Request) *RequestAdapter {
	return &RequestAdapter{req: r}
}

func (a *RequestAdapter) GetHeader(name string) string {
	return a.req.Header.Get(name)
}

func (a *RequestAdapter) GetMethod() string {
	return a.req.Method
}

func (a *RequestAdapter) GetPath() string {
	return a.req.URL.Path
}

func (a *RequestAdapter) GetURL() string {
	scheme := "http"
	if a.req.TLS != nil {
		scheme = "https"
	}
	host := a.req.Host
	if host == "" {
		host = a.req.Header.Get("Host")
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, a.req.URL.Path)
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
	ErrorHandler           func(http.ResponseWriter, *http.Request, error)
	SettlementHandler      func(http.ResponseWriter, *http.Request, *x402.SettleResponse)
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

func WithErrorHandler(handler func(http.ResponseWriter, *http.Request, error)) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.ErrorHandler = handler
	}
}

func WithSettlementHandler(handler func(http.ResponseWriter, *http.Request, *x402.SettleResponse)) MiddlewareOption {
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

// PaymentMiddleware creates net/http middleware for x402 payment handling
// using a pre-configured resource server.
func PaymentMiddleware(routes x402http.RoutesConfig, server *x402.ResourceServer, opts ...MiddlewareOption) func(http.Handler) http.Handler {
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

	return newMiddleware(httpServer, config)
}

// PaymentMiddlewareFromConfig creates net/http middleware, constructing the
// resource server internally from the supplied options.
func PaymentMiddlewareFromConfig(routes x402http.RoutesConfig, opts ...MiddlewareOption) func(http.Handler) http.Handler {
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

	return newMiddleware(httpServer, config)
}

func newMiddleware(server *x402http.HTTPServer, config *MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			adapter := NewRequestAdapter(r)
			reqCtx := x402http.HTTPRequestContext{
				Adapter: adapter,
				Path:    r.URL.Path,
				Method:  r.Method,
			}

			if !server.RequiresPayment(reqCtx) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), config.Timeout)
			defer cancel()

			result := server.ProcessHTTPRequest(ctx, reqCtx)

			switch result.Type {
			case x402http.ResultNoPaymentRequired:
				next.ServeHTTP(w, r)
			case x402http.ResultPaymentError:
				handlePaymentError(w, r, result.Response, config)
			case x402http.ResultPaymentVerified:
				handlePaymentVerified(w, r.WithContext(ctx), next, server, ctx, result, config)
			}
		})
	}
}

func handlePaymentError(w http.ResponseWriter, r *http.Request, response *x402http.HTTPResponseInstructions, config *MiddlewareConfig) {
	if config.ErrorHandler != nil {
		config.ErrorHandler(w, r, fmt.Errorf("payment error: status %d", response.Status))
		return
	}
	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.Status)
	writeJSON(w, response.Body)
}

func handlePaymentVerified(w http.ResponseWriter, r *http.Request, next http.Handler, server *x402http.HTTPServer, ctx context.Context, result x402http.HTTPProcessResult, config *MiddlewareConfig) {
	capture := &responseCapture{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}

	next.ServeHTTP(capture, r)

	if capture.statusCode >= 400 {
		w.WriteHeader(capture.statusCode)
		_, _ = w.Write(capture.body.Bytes())
		return
	}

	settleResult := server.ProcessSettlement(ctx, *result.PaymentPayload, *result.PaymentRequirements)

	if !settleResult.Success {
		errorReason := settleResult.ErrorReason
		if errorReason == "" {
			errorReason = "settlement failed"
		}
		if config.ErrorHandler != nil {
			config.ErrorHandler(w, r, fmt.Errorf("settlement failed: %s", errorReason))
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			writeJSON(w, map[string]string{"error": "settlement failed", "details": errorReason})
		}
		return
	}

	for key, value := range settleResult.Headers {
		w.Header().Set(key, value)
	}

	if config.SettlementHandler != nil {
		config.SettlementHandler(w, r, &x402.SettleResponse{
			Success:     true,
			Transaction: settleResult.Transaction,
			Network:     settleResult.Network,
			Payer:       settleResult.Payer,
		})
	}

	w.WriteHeader(capture.statusCode)
	_, _ = w.Write(capture.body.Bytes())
}

// ============================================================================
// Response Capture
// ============================================================================

// responseCapture buffers the downstream handler's response so it can be
// discarded (on settlement failure) or released (on success) after
// settlement runs.
type responseCapture struct {
	http.ResponseWriter
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

func (w *responseCapture) Header() http.Header {
	return w.ResponseWriter.Header()
}
