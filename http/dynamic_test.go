package http

import (
	"context"
	"fmt"
	"testing"

	x402 "github.com/x402-io/x402/go"
)

// Note: mockHTTPAdapter and mockSchemeServer are defined in server_test.go

func TestDynamicPayTo(t *testing.T) {
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := RoutesConfig{
		"GET /marketplace/item/[id]": {
			Accepts: PaymentOptions{
				{
					Scheme:  "exact",
					Network: "eip155:8453",
					Price:   "$10.00",
					PayTo: DynamicPayToFunc(func(ctx context.Context, reqCtx HTTPRequestContext) (string, error) {
						if reqCtx.Path == "/marketplace/item/123" {
							return "0xSeller123", nil
						}
						return "0xDefaultSeller", nil
					}),
				},
			},
		},
	}

	server := NewX402HTTPResourceServer(
		routes,
		x402.WithSchemeServer("eip155:8453", mockServer),
		x402.WithFacilitatorClient(&mockFacilitatorClient{}),
	)
	if err := server.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	reqCtx := HTTPRequestContext{
		Adapter: &mockHTTPAdapter{method: "GET", path: "/marketplace/item/123", url: "http://example.com/marketplace/item/123"},
		Path:    "/marketplace/item/123",
		Method:  "GET",
	}

	result := server.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Type != ResultPaymentError {
		t.Errorf("expected payment error (no payment provided), got %s", result.Type)
	}
	if result.Response.Status != 402 {
		t.Errorf("expected 402 once payTo resolves without error, got %d", result.Response.Status)
	}
}

func TestDynamicPrice(t *testing.T) {
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := RoutesConfig{
		"GET /api/data": {
			Accepts: PaymentOptions{
				{
					Scheme:  "exact",
					Network: "eip155:8453",
					PayTo:   "0xRecipient",
					Price: DynamicPriceFunc(func(ctx context.Context, reqCtx HTTPRequestContext) (x402.Price, error) {
						if reqCtx.Path == "/api/data" {
							return "$0.10", nil
						}
						return "$0.01", nil
					}),
				},
			},
		},
	}

	server := NewX402HTTPResourceServer(
		routes,
		x402.WithSchemeServer("eip155:8453", mockServer),
		x402.WithFacilitatorClient(&mockFacilitatorClient{}),
	)
	if err := server.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	reqCtx := HTTPRequestContext{
		Adapter: &mockHTTPAdapter{method: "GET", path: "/api/data", url: "http://example.com/api/data"},
		Path:    "/api/data",
		Method:  "GET",
	}

	result := server.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Type != ResultPaymentError {
		t.Fatalf("expected payment error, got %s", result.Type)
	}
	if result.Response.Status != 402 {
		t.Errorf("expected dynamic price to resolve without error, got status %d", result.Response.Status)
	}
}

func TestDynamicPayToAndPrice(t *testing.T) {
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := RoutesConfig{
		"POST /content/[creatorId]": {
			Accepts: PaymentOptions{
				{
					Scheme:  "exact",
					Network: "eip155:8453",
					PayTo: DynamicPayToFunc(func(ctx context.Context, reqCtx HTTPRequestContext) (string, error) {
						if reqCtx.Path == "/content/creator123" {
							return "0xCreator123Wallet", nil
						}
						return "0xDefaultCreator", nil
					}),
					Price: DynamicPriceFunc(func(ctx context.Context, reqCtx HTTPRequestContext) (x402.Price, error) {
						if reqCtx.Path == "/content/creator123" {
							return "$5.00", nil
						}
						return "$1.00", nil
					}),
				},
			},
		},
	}

	server := NewX402HTTPResourceServer(
		routes,
		x402.WithSchemeServer("eip155:8453", mockServer),
		x402.WithFacilitatorClient(&mockFacilitatorClient{}),
	)
	if err := server.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	reqCtx := HTTPRequestContext{
		Adapter: &mockHTTPAdapter{method: "POST", path: "/content/creator123", url: "http://example.com/content/creator123"},
		Path:    "/content/creator123",
		Method:  "POST",
	}

	result := server.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Type != ResultPaymentError {
		t.Errorf("expected payment error (no payment provided), got %s", result.Type)
	}
}

func TestDynamicPayToError(t *testing.T) {
	routes := RoutesConfig{
		"GET /test": {
			Accepts: PaymentOptions{
				{
					Scheme:  "exact",
					Network: "eip155:8453",
					Price:   "$10.00",
					PayTo: DynamicPayToFunc(func(ctx context.Context, reqCtx HTTPRequestContext) (string, error) {
						return "", fmt.Errorf("seller not found")
					}),
				},
			},
		},
	}

	server := NewX402HTTPResourceServer(routes)

	reqCtx := HTTPRequestContext{
		Adapter: &mockHTTPAdapter{method: "GET", path: "/test", url: "http://example.com/test"},
		Path:    "/test",
		Method:  "GET",
	}

	result := server.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Type != ResultPaymentError {
		t.Errorf("expected payment error, got %s", result.Type)
	}
	if result.Response == nil {
		t.Fatal("expected error response")
	}
	if result.Response.Status != 500 {
		t.Errorf("expected status 500, got %d", result.Response.Status)
	}
}

func TestDynamicPriceError(t *testing.T) {
	routes := RoutesConfig{
		"GET /test": {
			Accepts: PaymentOptions{
				{
					Scheme:  "exact",
					Network: "eip155:8453",
					PayTo:   "0xRecipient",
					Price: DynamicPriceFunc(func(ctx context.Context, reqCtx HTTPRequestContext) (x402.Price, error) {
						return nil, fmt.Errorf("pricing server unavailable")
					}),
				},
			},
		},
	}

	server := NewX402HTTPResourceServer(routes)

	reqCtx := HTTPRequestContext{
		Adapter: &mockHTTPAdapter{method: "GET", path: "/test", url: "http://example.com/test"},
		Path:    "/test",
		Method:  "GET",
	}

	result := server.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Type != ResultPaymentError {
		t.Errorf("expected payment error, got %s", result.Type)
	}
	if result.Response.Status != 500 {
		t.Errorf("expected status 500, got %d", result.Response.Status)
	}
}

func TestStaticPayToAndPrice(t *testing.T) {
	mockServer := &mockSchemeServer{scheme: "exact"}

	routes := RoutesConfig{
		"GET /test": {
			Accepts: PaymentOptions{
				{Scheme: "exact", Network: "eip155:8453", PayTo: "0xStaticRecipient", Price: "$10.00"},
			},
		},
	}

	server := NewX402HTTPResourceServer(routes, x402.WithSchemeServer("eip155:8453", mockServer))

	reqCtx := HTTPRequestContext{
		Adapter: &mockHTTPAdapter{method: "GET", path: "/test", url: "http://example.com/test"},
		Path:    "/test",
		Method:  "GET",
	}

	result := server.ProcessHTTPRequest(context.Background(), reqCtx)
	if result.Response != nil && result.Response.Status == 500 {
		t.Errorf("should not have resolution errors with static values, got body: %+v", result.Response.Body)
	}
}
