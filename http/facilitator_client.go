package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/x402-io/x402/go"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient implements x402.FacilitatorClient against a remote
// facilitator service's /verify, /settle, and /supported HTTP endpoints.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

// AuthProvider generates authentication headers for facilitator requests.
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders carries per-endpoint authentication headers.
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures an HTTPFacilitatorClient.
type FacilitatorConfig struct {
	URL          string
	HTTPClient   *http.Client
	AuthProvider AuthProvider
	Timeout      time.Duration
}

// NewHTTPFacilitatorClient creates an HTTP facilitator client.
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPFacilitatorClient{
		url:          config.URL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}
}

// Verify implements x402.FacilitatorClient.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	var response x402.VerifyResponse
	if err := c.post(ctx, "/verify", payloadBytes, requirementsBytes, func(h AuthHeaders) map[string]string { return h.Verify }, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Settle implements x402.FacilitatorClient.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
	var response x402.SettleResponse
	if err := c.post(ctx, "/settle", payloadBytes, requirementsBytes, func(h AuthHeaders) map[string]string { return h.Settle }, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetSupported implements x402.FacilitatorClient.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (*x402.SupportedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range authHeaders.Supported {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supported request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(body))
	}

	var supported x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

// ============================================================================
// Internal helpers
// ============================================================================

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, payloadBytes, requirementsBytes []byte, pickAuth func(AuthHeaders) map[string]string, out interface{}) error {
	var payload, requirements map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	requestBody, err := json.Marshal(map[string]interface{}{
		"x402Version":         x402.ProtocolVersion,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range pickAuth(authHeaders) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
