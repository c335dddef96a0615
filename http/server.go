package http

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/codec"
)

// ============================================================================
// HTTP Adapter Interface
// ============================================================================

// HTTPAdapter provides framework-agnostic HTTP operations. Implement this
// for each web framework (Gin, Echo, net/http, etc).
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
}

// ============================================================================
// Configuration Types
// ============================================================================

// DynamicPayToFunc resolves a route's payTo address from request context,
// for multi-tenant resource servers that route payment to different
// recipients per request.
type DynamicPayToFunc func(context.Context, HTTPRequestContext) (string, error)

// DynamicPriceFunc resolves a route's price from request context, for
// usage-based or otherwise request-dependent pricing.
type DynamicPriceFunc func(context.Context, HTTPRequestContext) (x402.Price, error)

// UnpaidResponse is a custom body for the 402 response returned to API
// clients (as opposed to the PAYMENT-REQUIRED header, which always carries
// the canonical PaymentRequired payload regardless of this).
type UnpaidResponse struct {
	ContentType string
	Body        interface{}
}

// UnpaidResponseBodyFunc generates a custom response body for unpaid API
// requests. If nil, the 402 response carries no body.
type UnpaidResponseBodyFunc func(ctx context.Context, reqCtx HTTPRequestContext) (*UnpaidResponse, error)

// PaymentOption is one way a client can pay for a route. PayTo and Price
// accept either a static value (string / x402.Price) or the corresponding
// Dynamic*Func, resolved per-request in BuildPaymentRequirementsFromOptions.
type PaymentOption struct {
	Scheme            string
	PayTo             interface{} // string or DynamicPayToFunc
	Price             interface{} // x402.Price or DynamicPriceFunc
	Network           x402.Network
	MaxTimeoutSeconds int
	Extra             map[string]interface{}
}

// PaymentOptions is a slice of PaymentOption for convenience.
type PaymentOptions = []PaymentOption

// RouteConfig defines payment configuration for one HTTP route pattern.
type RouteConfig struct {
	Accepts     PaymentOptions
	Description string
	MimeType    string
	Extensions  map[string]interface{}

	// UnpaidResponseBody optionally generates a custom 402 body for API
	// clients. If nil, the 402 response carries no body.
	UnpaidResponseBody UnpaidResponseBodyFunc
}

// RoutesConfig maps route patterns ("GET /api/*" or bare "/api/*" for any
// method) to their payment configuration.
type RoutesConfig map[string]RouteConfig

// CompiledRoute is a route pattern parsed into a matchable form.
type CompiledRoute struct {
	Verb   string
	Regex  *regexp.Regexp
	Config RouteConfig
}

// ============================================================================
// Request/Response Types
// ============================================================================

// HTTPRequestContext encapsulates the inbound request, framework-agnostic.
type HTTPRequestContext struct {
	Adapter HTTPAdapter
	Path    string
	Method  string
}

// HTTPResponseInstructions tells the framework how to respond.
type HTTPResponseInstructions struct {
	Status  int
	Headers map[string]string
	Body    interface{}
}

// HTTPProcessResult is the outcome of ProcessHTTPRequest.
type HTTPProcessResult struct {
	Type                string
	Response            *HTTPResponseInstructions
	PaymentPayload      *x402.PaymentPayload
	PaymentRequirements *x402.PaymentRequirements
}

// Result type constants.
const (
	ResultNoPaymentRequired = "no-payment-required"
	ResultPaymentVerified   = "payment-verified"
	ResultPaymentError      = "payment-error"
)

// ProcessSettleResult is the outcome of ProcessSettlement.
type ProcessSettleResult struct {
	Success     bool
	Headers     map[string]string
	ErrorReason string
	Transaction string
	Network     x402.Network
	Payer       string
}

// ============================================================================
// x402HTTPResourceServer
// ============================================================================

// x402HTTPResourceServer adds HTTP route matching and header handling on
// top of the protocol-level ResourceServer.
type x402HTTPResourceServer struct {
	*x402.ResourceServer
	compiledRoutes []CompiledRoute
}

// NewX402HTTPResourceServer creates an HTTP resource server from routes and
// resource-server options.
func NewX402HTTPResourceServer(routes RoutesConfig, opts ...x402.ResourceServerOption) *x402HTTPResourceServer {
	return WrapX402HTTPResourceServer(routes, x402.NewResourceServer(opts...))
}

// WrapX402HTTPResourceServer wraps an existing ResourceServer with HTTP
// route matching.
func WrapX402HTTPResourceServer(routes RoutesConfig, resourceServer *x402.ResourceServer) *x402HTTPResourceServer {
	server := &x402HTTPResourceServer{ResourceServer: resourceServer}

	if routes == nil {
		routes = make(RoutesConfig)
	}
	for pattern, config := range routes {
		verb, regex := parseRoutePattern(pattern)
		server.compiledRoutes = append(server.compiledRoutes, CompiledRoute{
			Verb:   verb,
			Regex:  regex,
			Config: config,
		})
	}

	return server
}

// BuildPaymentRequirementsFromOptions resolves each option's dynamic payTo/
// price (if any) against reqCtx and builds one PaymentRequirements per
// option via the underlying ResourceServer.
func (s *x402HTTPResourceServer) BuildPaymentRequirementsFromOptions(
	ctx context.Context,
	options []PaymentOption,
	reqCtx HTTPRequestContext,
) ([]x402.PaymentRequirements, error) {
	allRequirements := make([]x402.PaymentRequirements, 0, len(options))

	for _, option := range options {
		var resolvedPayTo string
		switch payTo := option.PayTo.(type) {
		case DynamicPayToFunc:
			resolved, err := payTo(ctx, reqCtx)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve dynamic payTo: %w", err)
			}
			resolvedPayTo = resolved
		case string:
			resolvedPayTo = payTo
		default:
			return nil, fmt.Errorf("payTo must be string or DynamicPayToFunc, got %T", option.PayTo)
		}

		var resolvedPrice x402.Price
		if priceFunc, ok := option.Price.(DynamicPriceFunc); ok {
			resolved, err := priceFunc(ctx, reqCtx)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve dynamic price: %w", err)
			}
			resolvedPrice = resolved
		} else {
			resolvedPrice = option.Price
		}

		resourceConfig := x402.ResourceConfig{
			Scheme:            option.Scheme,
			PayTo:             resolvedPayTo,
			Price:             resolvedPrice,
			Network:           option.Network,
			MaxTimeoutSeconds: option.MaxTimeoutSeconds,
			Extra:             option.Extra,
		}

		requirements, err := s.BuildPaymentRequirementsFromConfig(ctx, resourceConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build requirements for %s on %s: %w", option.Scheme, option.Network, err)
		}

		allRequirements = append(allRequirements, requirements...)
	}

	return allRequirements, nil
}

// ProcessHTTPRequest is the central request-handling flow: match the route,
// decode any presented payment, build the offer set, and either verify the
// payment or return a 402.
func (s *x402HTTPResourceServer) ProcessHTTPRequest(ctx context.Context, reqCtx HTTPRequestContext) HTTPProcessResult {
	routeConfig := s.getRouteConfig(reqCtx.Path, reqCtx.Method)
	if routeConfig == nil {
		return HTTPProcessResult{Type: ResultNoPaymentRequired}
	}

	paymentOptions := routeConfig.Accepts
	if len(paymentOptions) == 0 {
		return HTTPProcessResult{Type: ResultNoPaymentRequired}
	}

	payload, err := s.extractPayment(reqCtx.Adapter)
	if err != nil {
		return HTTPProcessResult{
			Type: ResultPaymentError,
			Response: &HTTPResponseInstructions{
				Status:  400,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    map[string]string{"error": err.Error()},
			},
		}
	}

	requirements, err := s.BuildPaymentRequirementsFromOptions(ctx, paymentOptions, reqCtx)
	if err != nil {
		return HTTPProcessResult{
			Type: ResultPaymentError,
			Response: &HTTPResponseInstructions{
				Status:  500,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    map[string]string{"error": err.Error()},
			},
		}
	}

	resourceInfo := &x402.ResourceInfo{
		URL:         reqCtx.Adapter.GetURL(),
		Description: routeConfig.Description,
		MimeType:    routeConfig.MimeType,
	}
	for i := range requirements {
		if requirements[i].Extra == nil {
			requirements[i].Extra = make(map[string]interface{})
		}
		requirements[i].Extra["resourceUrl"] = resourceInfo.URL
	}

	extensions := routeConfig.Extensions

	if payload == nil {
		paymentRequired := s.CreatePaymentRequiredResponse(requirements, resourceInfo, "Payment required", extensions)

		var unpaid *UnpaidResponse
		if routeConfig.UnpaidResponseBody != nil {
			unpaid, err = routeConfig.UnpaidResponseBody(ctx, reqCtx)
			if err != nil {
				return HTTPProcessResult{
					Type: ResultPaymentError,
					Response: &HTTPResponseInstructions{
						Status:  500,
						Headers: map[string]string{"Content-Type": "application/json"},
						Body:    map[string]string{"error": fmt.Sprintf("failed to generate unpaid response: %v", err)},
					},
				}
			}
		}

		return HTTPProcessResult{
			Type:     ResultPaymentError,
			Response: s.createPaymentRequiredResponse(paymentRequired, unpaid),
		}
	}

	matching := s.FindMatchingRequirements(requirements, *payload)
	if matching == nil {
		paymentRequired := s.CreatePaymentRequiredResponse(requirements, resourceInfo, x402.ReasonInvalidAcceptedRequirements, extensions)
		return HTTPProcessResult{
			Type:     ResultPaymentError,
			Response: s.createPaymentRequiredResponse(paymentRequired, nil),
		}
	}

	if _, verifyErr := s.VerifyPayment(ctx, *payload, *matching); verifyErr != nil {
		paymentRequired := s.CreatePaymentRequiredResponse(requirements, resourceInfo, verifyErr.Error(), extensions)
		return HTTPProcessResult{
			Type:     ResultPaymentError,
			Response: s.createPaymentRequiredResponse(paymentRequired, nil),
		}
	}

	return HTTPProcessResult{
		Type:                ResultPaymentVerified,
		PaymentPayload:      payload,
		PaymentRequirements: matching,
	}
}

// RequiresPayment reports whether reqCtx matches a route configured with
// payment options, without doing any of the verification work.
func (s *x402HTTPResourceServer) RequiresPayment(reqCtx HTTPRequestContext) bool {
	return s.getRouteConfig(reqCtx.Path, reqCtx.Method) != nil
}

// ProcessSettlement settles a verified payment and, on success, builds the
// PAYMENT-RESPONSE header for the caller to attach to the downstream
// response.
func (s *x402HTTPResourceServer) ProcessSettlement(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) *ProcessSettleResult {
	settleResult, err := s.SettlePayment(ctx, payload, requirements)
	if err != nil {
		return &ProcessSettleResult{Success: false, ErrorReason: err.Error()}
	}
	if !settleResult.Success {
		return &ProcessSettleResult{Success: false, ErrorReason: settleResult.ErrorReason}
	}

	return &ProcessSettleResult{
		Success:     true,
		Headers:     s.createSettlementHeaders(settleResult),
		Transaction: settleResult.Transaction,
		Network:     settleResult.Network,
		Payer:       settleResult.Payer,
	}
}

// ============================================================================
// Helper Methods
// ============================================================================

func (s *x402HTTPResourceServer) getRouteConfig(path, method string) *RouteConfig {
	normalizedPath := normalizePath(path)
	upperMethod := strings.ToUpper(method)

	for _, route := range s.compiledRoutes {
		if route.Regex.MatchString(normalizedPath) && (route.Verb == "*" || route.Verb == upperMethod) {
			config := route.Config
			return &config
		}
	}
	return nil
}

// extractPayment decodes the PAYMENT-SIGNATURE header, if present.
func (s *x402HTTPResourceServer) extractPayment(adapter HTTPAdapter) (*x402.PaymentPayload, error) {
	header := adapter.GetHeader(codec.HeaderPaymentSignature)
	if header == "" {
		return nil, nil
	}

	payload, err := codec.Decode[x402.PaymentPayload](codec.HeaderPaymentSignature, header)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

func (s *x402HTTPResourceServer) createPaymentRequiredResponse(paymentRequired x402.PaymentRequired, unpaid *UnpaidResponse) *HTTPResponseInstructions {
	encoded, err := codec.Encode(paymentRequired)
	if err != nil {
		return &HTTPResponseInstructions{
			Status:  500,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    map[string]string{"error": fmt.Sprintf("failed to encode payment required: %v", err)},
		}
	}

	contentType := "application/json"
	var body interface{}
	if unpaid != nil {
		contentType = unpaid.ContentType
		body = unpaid.Body
	}

	return &HTTPResponseInstructions{
		Status: 402,
		Headers: map[string]string{
			"Content-Type":          contentType,
			codec.HeaderPaymentRequired: encoded,
		},
		Body: body,
	}
}

func (s *x402HTTPResourceServer) createSettlementHeaders(response *x402.SettleResponse) map[string]string {
	encoded, err := codec.Encode(*response)
	if err != nil {
		return nil
	}
	return map[string]string{codec.HeaderPaymentResponse: encoded}
}

// ============================================================================
// Utility Functions
// ============================================================================

// parseRoutePattern parses a route pattern like "GET /api/*" into a verb
// ("*" for any) and a matching regex. "[param]" segments match a single
// path component.
func parseRoutePattern(pattern string) (string, *regexp.Regexp) {
	parts := strings.Fields(pattern)

	var verb, path string
	if len(parts) == 2 {
		verb = strings.ToUpper(parts[0])
		path = parts[1]
	} else {
		verb = "*"
		path = pattern
	}

	regexPattern := "^" + regexp.QuoteMeta(path)
	regexPattern = strings.ReplaceAll(regexPattern, `\*`, `.*?`)
	paramRegex := regexp.MustCompile(`\\\[([^\]]+)\\\]`)
	regexPattern = paramRegex.ReplaceAllString(regexPattern, `[^/]+`)
	regexPattern += "$"

	return verb, regexp.MustCompile(regexPattern)
}

// normalizePath strips query/fragment, decodes escaping, and collapses
// slashes so route matching is insensitive to harmless path variation.
func normalizePath(path string) string {
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}

	path = strings.ReplaceAll(path, `\`, `/`)
	path = regexp.MustCompile(`/+`).ReplaceAllString(path, `/`)
	path = strings.TrimSuffix(path, `/`)

	if path == "" {
		path = "/"
	}
	return path
}
