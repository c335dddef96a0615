package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/codec"
)

// ============================================================================
// x402HTTPClient - HTTP-aware payment client
// ============================================================================

// x402HTTPClient wraps a protocol-level Client with HTTP header handling.
type x402HTTPClient struct {
	client *x402.Client
}

// NewX402HTTPClient creates an HTTP-aware client from an existing protocol
// client.
func NewX402HTTPClient(client *x402.Client) *x402HTTPClient {
	return &x402HTTPClient{client: client}
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps an *http.Client's transport so that a 402
// response triggers an automatic retry carrying a PAYMENT-SIGNATURE header.
func WrapHTTPClientWithPayment(client *http.Client, x402Client *x402HTTPClient) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	client.Transport = &PaymentRoundTripper{
		Transport:  transport,
		x402Client: x402Client,
		retryCount: &sync.Map{},
	}

	return client
}

// PaymentRoundTripper implements http.RoundTripper, transparently paying for
// any request that comes back with HTTP 402.
type PaymentRoundTripper struct {
	Transport  http.RoundTripper
	x402Client *x402HTTPClient

	// retryCount tracks retries per in-flight request, keyed by pointer
	// identity, to bound each request to at most one payment retry.
	retryCount *sync.Map
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	requestID := fmt.Sprintf("%p", req)
	count, _ := t.retryCount.LoadOrStore(requestID, 0)
	retries := count.(int)

	if retries > 1 {
		t.retryCount.Delete(requestID)
		return nil, x402.NewPaymentError(x402.ReasonPaymentRetryLoop, "payment retry limit exceeded", nil)
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		t.retryCount.Delete(requestID)
		return resp, nil
	}

	t.retryCount.Store(requestID, retries+1)

	header := resp.Header.Get(codec.HeaderPaymentRequired)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if header == "" {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("402 response carries no %s header", codec.HeaderPaymentRequired)
	}

	paymentRequired, err := codec.Decode[x402.PaymentRequired](codec.HeaderPaymentRequired, header)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("failed to decode %s header: %w", codec.HeaderPaymentRequired, err)
	}

	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := t.x402Client.client.CreatePaymentPayload(ctx, paymentRequired.Accepts)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	encoded, err := codec.Encode(payload)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("failed to encode payment payload: %w", err)
	}

	paymentReq := req.Clone(ctx)
	paymentReq.Header.Set(codec.HeaderPaymentSignature, encoded)

	newResp, err := t.Transport.RoundTrip(paymentReq)
	t.retryCount.Delete(requestID)

	return newResp, err
}

// ============================================================================
// Convenience Methods
// ============================================================================

// DoWithPayment performs req, transparently paying for a 402 response.
func (c *x402HTTPClient) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := &http.Client{
		Transport: &PaymentRoundTripper{
			Transport:  http.DefaultTransport,
			x402Client: c,
			retryCount: &sync.Map{},
		},
	}
	return client.Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request, transparently paying for a 402
// response.
func (c *x402HTTPClient) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// PostWithPayment performs a POST request, transparently paying for a 402
// response.
func (c *x402HTTPClient) PostWithPayment(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// ============================================================================
// Response Header Helpers
// ============================================================================

// GetPaymentRequiredResponse decodes the PAYMENT-REQUIRED header from an
// HTTP response's header set.
func GetPaymentRequiredResponse(headers http.Header) (x402.PaymentRequired, error) {
	header := headers.Get(codec.HeaderPaymentRequired)
	if header == "" {
		return x402.PaymentRequired{}, fmt.Errorf("no %s header found in response", codec.HeaderPaymentRequired)
	}
	return codec.Decode[x402.PaymentRequired](codec.HeaderPaymentRequired, header)
}

// GetPaymentSettleResponse decodes the PAYMENT-RESPONSE header from an HTTP
// response's header set.
func GetPaymentSettleResponse(headers http.Header) (*x402.SettleResponse, error) {
	header := headers.Get(codec.HeaderPaymentResponse)
	if header == "" {
		return nil, fmt.Errorf("no %s header found in response", codec.HeaderPaymentResponse)
	}
	settled, err := codec.Decode[x402.SettleResponse](codec.HeaderPaymentResponse, header)
	if err != nil {
		return nil, err
	}
	return &settled, nil
}
