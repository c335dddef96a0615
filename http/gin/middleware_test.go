package gin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/codec"
	x402http "github.com/x402-io/x402/go/http"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Mock Implementations
// ============================================================================

type mockSchemeServer struct {
	scheme string
}

func (m *mockSchemeServer) Scheme() string { return m.scheme }

func (m *mockSchemeServer) ParsePrice(price x402.Price, network x402.Network) (*x402.AssetAmount, error) {
	return &x402.AssetAmount{Asset: "USDC", Amount: "1000000"}, nil
}

func (m *mockSchemeServer) EnhancePaymentRequirements(ctx context.Context, requirements x402.PaymentRequirements, supportedKind *x402.SupportedKind, extensions map[string]interface{}) (x402.PaymentRequirements, error) {
	return requirements, nil
}

type mockFacilitatorClient struct {
	verifyFunc    func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error)
	settleFunc    func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error)
	supportedFunc func(ctx context.Context) (*x402.SupportedResponse, error)
}

func (m *mockFacilitatorClient) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, payloadBytes, requirementsBytes)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "0xmock"}, nil
}

func (m *mockFacilitatorClient) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
	if m.settleFunc != nil {
		return m.settleFunc(ctx, payloadBytes, requirementsBytes)
	}
	return &x402.SettleResponse{Success: true, Transaction: "0xtx", Network: "eip155:1", Payer: "0xmock"}, nil
}

func (m *mockFacilitatorClient) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	if m.supportedFunc != nil {
		return m.supportedFunc(ctx)
	}
	return &x402.SupportedResponse{
		Kinds:      []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: "eip155:1"}},
		Extensions: []string{},
		Signers:    make(map[string][]string),
	}, nil
}

// ============================================================================
// Test Helpers
// ============================================================================

func createTestRouter() *gin.Engine {
	return gin.New()
}

func createPaymentHeader(payTo string) string {
	payload := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      "exact",
		Network:     "eip155:1",
		Payload:     map[string]interface{}{"sig": "test"},
		Accepted: x402.PaymentRequirements{
			Scheme:            "exact",
			Network:           "eip155:1",
			Asset:             "USDC",
			Amount:            "1000000",
			PayTo:             payTo,
			MaxTimeoutSeconds: 300,
			Extra: map[string]interface{}{
				"resourceUrl": "http://example.com/api",
			},
		},
	}

	encoded, err := codec.Encode(payload)
	if err != nil {
		panic(err)
	}
	return encoded
}

// ============================================================================
// GinAdapter Tests
// ============================================================================

func TestGinAdapterGetHeader(t *testing.T) {
	router := createTestRouter()
	var adapter *GinAdapter

	router.GET("/test", func(c *gin.Context) {
		adapter = NewGinAdapter(c)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Custom-Header", "test-value")
	req.Header.Set("payment-signature", "sig-data")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if adapter.GetHeader("X-Custom-Header") != "test-value" {
		t.Error("expected X-Custom-Header to be 'test-value'")
	}
	if adapter.GetHeader("payment-signature") != "sig-data" {
		t.Error("expected payment-signature header")
	}
}

func TestGinAdapterGetMethod(t *testing.T) {
	for _, method := range []string{"GET", "POST", "PUT", "DELETE"} {
		t.Run(method, func(t *testing.T) {
			router := createTestRouter()
			var adapter *GinAdapter

			router.Handle(method, "/test", func(c *gin.Context) {
				adapter = NewGinAdapter(c)
			})

			req := httptest.NewRequest(method, "/test", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if adapter.GetMethod() != method {
				t.Errorf("expected method %s, got %s", method, adapter.GetMethod())
			}
		})
	}
}

func TestGinAdapterGetPath(t *testing.T) {
	router := createTestRouter()
	var adapter *GinAdapter

	router.GET("/api/users/:id", func(c *gin.Context) {
		adapter = NewGinAdapter(c)
	})

	req := httptest.NewRequest("GET", "/api/users/123", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if adapter.GetPath() != "/api/users/123" {
		t.Errorf("expected path '/api/users/123', got '%s'", adapter.GetPath())
	}
}

func TestGinAdapterGetURL(t *testing.T) {
	router := createTestRouter()
	var adapter *GinAdapter

	router.GET("/api/test", func(c *gin.Context) {
		adapter = NewGinAdapter(c)
	})

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Host = "example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	expected := "http://example.com/api/test"
	if adapter.GetURL() != expected {
		t.Errorf("expected URL '%s', got '%s'", expected, adapter.GetURL())
	}
}

// ============================================================================
// PaymentMiddleware Tests
// ============================================================================

func TestPaymentMiddlewareCallsNextWhenNoPaymentRequired(t *testing.T) {
	routes := x402http.RoutesConfig{
		"GET /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes, WithSyncFacilitatorOnStart(false)))

	nextCalled := false
	router.GET("/public", func(c *gin.Context) {
		nextCalled = true
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/public", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if !nextCalled {
		t.Error("expected next() to be called for non-protected route")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestPaymentMiddlewareReturns402ForPaymentError(t *testing.T) {
	mockClient := &mockFacilitatorClient{}
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"GET /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
			Description: "API access",
		},
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes,
		WithFacilitatorClient(mockClient),
		WithScheme("eip155:1", mockServer),
		WithSyncFacilitatorOnStart(true),
		WithTimeout(5*time.Second),
	))

	router.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "protected"})
	})

	req := httptest.NewRequest("GET", "/api", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}
	if w.Header().Get("PAYMENT-REQUIRED") == "" {
		t.Error("expected PAYMENT-REQUIRED header")
	}
}

func TestPaymentMiddlewareSettlesAndReturnsResponseForVerifiedPayment(t *testing.T) {
	settleCalled := false

	mockClient := &mockFacilitatorClient{
		verifyFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
		},
		settleFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
			settleCalled = true
			return &x402.SettleResponse{Success: true, Transaction: "0xtx", Network: "eip155:1", Payer: "0xpayer"}, nil
		},
	}

	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"POST /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes,
		WithFacilitatorClient(mockClient),
		WithScheme("eip155:1", mockServer),
		WithSyncFacilitatorOnStart(true),
		WithTimeout(5*time.Second),
	))

	router.POST("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "protected-data"})
	})

	req := httptest.NewRequest("POST", "/api", nil)
	req.Header.Set("PAYMENT-SIGNATURE", createPaymentHeader("0xtest"))
	req.Host = "example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if !settleCalled {
		t.Error("expected settlement to be called")
	}
	if w.Header().Get("PAYMENT-RESPONSE") == "" {
		t.Error("expected PAYMENT-RESPONSE header")
	}
}

func TestPaymentMiddlewareSkipsSettlementWhenHandlerReturns400OrHigher(t *testing.T) {
	settleCalled := false

	mockClient := &mockFacilitatorClient{
		verifyFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
		},
		settleFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
			settleCalled = true
			return &x402.SettleResponse{Success: true, Transaction: "0xtx"}, nil
		},
	}

	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"POST /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes,
		WithFacilitatorClient(mockClient),
		WithScheme("eip155:1", mockServer),
		WithSyncFacilitatorOnStart(true),
		WithTimeout(5*time.Second),
	))

	router.POST("/api", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})

	req := httptest.NewRequest("POST", "/api", nil)
	req.Header.Set("PAYMENT-SIGNATURE", createPaymentHeader("0xtest"))
	req.Host = "example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	if settleCalled {
		t.Error("settlement should not be called when handler returns >= 400")
	}
}

func TestPaymentMiddlewareReturns402WhenSettlementFails(t *testing.T) {
	mockClient := &mockFacilitatorClient{
		verifyFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
		},
		settleFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
			return &x402.SettleResponse{Success: false, ErrorReason: "insufficient funds"}, nil
		},
	}

	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"POST /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes,
		WithFacilitatorClient(mockClient),
		WithScheme("eip155:1", mockServer),
		WithSyncFacilitatorOnStart(true),
		WithTimeout(5*time.Second),
	))

	router.POST("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "protected-data"})
	})

	req := httptest.NewRequest("POST", "/api", nil)
	req.Header.Set("PAYMENT-SIGNATURE", createPaymentHeader("0xtest"))
	req.Host = "example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["error"] != "settlement failed" {
		t.Errorf("expected error 'settlement failed', got '%v'", response["error"])
	}
	if response["details"] != "insufficient funds" {
		t.Errorf("expected details 'insufficient funds', got '%v'", response["details"])
	}
}

func TestPaymentMiddlewareCustomErrorHandler(t *testing.T) {
	customHandlerCalled := false

	mockClient := &mockFacilitatorClient{
		verifyFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
		},
		settleFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
			return &x402.SettleResponse{Success: false, ErrorReason: "settlement rejected"}, nil
		},
	}

	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"POST /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	customErrorHandler := func(c *gin.Context, err error) {
		customHandlerCalled = true
		c.JSON(http.StatusPaymentRequired, gin.H{"custom_error": err.Error()})
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes,
		WithFacilitatorClient(mockClient),
		WithScheme("eip155:1", mockServer),
		WithErrorHandler(customErrorHandler),
		WithSyncFacilitatorOnStart(true),
		WithTimeout(5*time.Second),
	))

	router.POST("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "protected-data"})
	})

	req := httptest.NewRequest("POST", "/api", nil)
	req.Header.Set("PAYMENT-SIGNATURE", createPaymentHeader("0xtest"))
	req.Host = "example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if !customHandlerCalled {
		t.Error("expected custom error handler to be called")
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["custom_error"] == nil {
		t.Error("expected custom_error in response")
	}
}

func TestPaymentMiddlewareCustomSettlementHandler(t *testing.T) {
	settlementHandlerCalled := false
	var capturedSettleResponse *x402.SettleResponse

	mockClient := &mockFacilitatorClient{
		verifyFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
			return &x402.VerifyResponse{IsValid: true, Payer: "0xpayer"}, nil
		},
		settleFunc: func(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
			return &x402.SettleResponse{Success: true, Transaction: "0xtx123", Network: "eip155:1", Payer: "0xpayer"}, nil
		},
	}

	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"POST /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	customSettlementHandler := func(c *gin.Context, settleResponse *x402.SettleResponse) {
		settlementHandlerCalled = true
		capturedSettleResponse = settleResponse
		c.Header("X-Transaction-ID", settleResponse.Transaction)
	}

	router := createTestRouter()
	router.Use(PaymentMiddlewareFromConfig(routes,
		WithFacilitatorClient(mockClient),
		WithScheme("eip155:1", mockServer),
		WithSettlementHandler(customSettlementHandler),
		WithSyncFacilitatorOnStart(true),
		WithTimeout(5*time.Second),
	))

	router.POST("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "protected-data"})
	})

	req := httptest.NewRequest("POST", "/api", nil)
	req.Header.Set("PAYMENT-SIGNATURE", createPaymentHeader("0xtest"))
	req.Host = "example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if !settlementHandlerCalled {
		t.Error("expected custom settlement handler to be called")
	}
	if capturedSettleResponse == nil {
		t.Fatal("expected settle response to be captured")
	}
	if capturedSettleResponse.Transaction != "0xtx123" {
		t.Errorf("expected transaction '0xtx123', got '%s'", capturedSettleResponse.Transaction)
	}
	if w.Header().Get("X-Transaction-ID") != "0xtx123" {
		t.Error("expected custom X-Transaction-ID header")
	}
}

// ============================================================================
// X402Payment (Builder Pattern) Tests
// ============================================================================

func TestX402PaymentCreatesWorkingMiddleware(t *testing.T) {
	mockClient := &mockFacilitatorClient{}
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"GET /api": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(X402Payment(Config{
		Routes:      routes,
		Facilitator: mockClient,
		Schemes: []SchemeConfig{
			{Network: "eip155:1", Server: mockServer},
		},
		SyncFacilitatorOnStart: true,
		Timeout:                5 * time.Second,
	}))

	router.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": "protected"})
	})
	router.GET("/public", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "public"})
	})

	req := httptest.NewRequest("GET", "/public", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200 for public route, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402 for protected route, got %d", w.Code)
	}
}

func TestX402PaymentRegistersMultipleFacilitators(t *testing.T) {
	mockClient1 := &mockFacilitatorClient{}
	mockClient2 := &mockFacilitatorClient{}
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"*": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(X402Payment(Config{
		Routes:       routes,
		Facilitators: []x402.FacilitatorClient{mockClient1, mockClient2},
		Schemes: []SchemeConfig{
			{Network: "eip155:1", Server: mockServer},
		},
		SyncFacilitatorOnStart: true,
	}))

	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}
}

func TestX402PaymentRegistersMultipleSchemes(t *testing.T) {
	mockServer1 := &mockSchemeServer{scheme: "exact"}
	mockServer2 := &mockSchemeServer{scheme: "exact"}

	routes := x402http.RoutesConfig{
		"*": {
			Accepts: x402http.PaymentOptions{
				{Scheme: "exact", PayTo: "0xtest", Price: "$1.00", Network: "eip155:1"},
			},
		},
	}

	router := createTestRouter()
	router.Use(X402Payment(Config{
		Routes: routes,
		Schemes: []SchemeConfig{
			{Network: "eip155:1", Server: mockServer1},
			{Network: "eip155:8453", Server: mockServer2},
		},
		SyncFacilitatorOnStart: false,
	}))

	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", w.Code)
	}
}

// ============================================================================
// responseCapture Tests
// ============================================================================

func TestResponseCaptureCapturesStatusCode(t *testing.T) {
	capture := &responseCapture{
		ResponseWriter: &mockGinResponseWriter{ResponseRecorder: httptest.NewRecorder()},
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}

	capture.WriteHeader(http.StatusCreated)

	if capture.statusCode != http.StatusCreated {
		t.Errorf("expected status 201, got %d", capture.statusCode)
	}
}

func TestResponseCaptureCapturesBody(t *testing.T) {
	capture := &responseCapture{
		ResponseWriter: &mockGinResponseWriter{ResponseRecorder: httptest.NewRecorder()},
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}

	data := []byte(`{"message":"test"}`)
	n, err := capture.Write(data)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("expected to write %d bytes, wrote %d", len(data), n)
	}
	if capture.body.String() != `{"message":"test"}` {
		t.Errorf("expected body '%s', got '%s'", `{"message":"test"}`, capture.body.String())
	}
}

func TestResponseCaptureWriteString(t *testing.T) {
	capture := &responseCapture{
		ResponseWriter: &mockGinResponseWriter{ResponseRecorder: httptest.NewRecorder()},
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}

	n, err := capture.WriteString("hello world")
	if err != nil {
		t.Fatalf("writestring failed: %v", err)
	}
	if n != 11 {
		t.Errorf("expected to write 11 bytes, wrote %d", n)
	}
	if capture.body.String() != "hello world" {
		t.Errorf("expected body 'hello world', got '%s'", capture.body.String())
	}
}

func TestResponseCaptureWriteHeaderOnlyOnce(t *testing.T) {
	capture := &responseCapture{
		ResponseWriter: &mockGinResponseWriter{ResponseRecorder: httptest.NewRecorder()},
		body:           &bytes.Buffer{},
		statusCode:     http.StatusOK,
	}

	capture.WriteHeader(http.StatusCreated)
	capture.WriteHeader(http.StatusAccepted)

	if capture.statusCode != http.StatusCreated {
		t.Errorf("expected status 201 (first call), got %d", capture.statusCode)
	}
}

// mockGinResponseWriter implements gin.ResponseWriter for testing.
type mockGinResponseWriter struct {
	*httptest.ResponseRecorder
	status int
	size   int
}

func (m *mockGinResponseWriter) Status() int { return m.status }
func (m *mockGinResponseWriter) Size() int   { return m.size }
func (m *mockGinResponseWriter) Written() bool { return m.size > 0 }

func (m *mockGinResponseWriter) WriteHeader(code int) {
	m.status = code
	m.ResponseRecorder.WriteHeader(code)
}

func (m *mockGinResponseWriter) WriteHeaderNow() {}

func (m *mockGinResponseWriter) Write(data []byte) (int, error) {
	n, err := m.ResponseRecorder.Write(data)
	m.size += n
	return n, err
}

func (m *mockGinResponseWriter) WriteString(s string) (int, error) {
	return m.Write([]byte(s))
}

func (m *mockGinResponseWriter) Pusher() http.Pusher { return nil }

func (m *mockGinResponseWriter) CloseNotify() <-chan bool {
	return make(chan bool)
}

func (m *mockGinResponseWriter) Flush() {
	m.ResponseRecorder.Flush()
}

func (m *mockGinResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}
