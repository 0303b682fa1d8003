package melhorenvio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tournevent/shipquote/pkg/shipping"
)

// Default aggregator hosts.
const (
	DefaultSandboxURL    = "https://sandbox.melhorenvio.com.br"
	DefaultProductionURL = "https://melhorenvio.com.br"
)

// HTTPAPIClient is the production implementation of APIClient using HTTP.
type HTTPAPIClient struct {
	baseURLs   map[shipping.Environment]string
	userAgent  string
	httpClient *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	SandboxURL    string
	ProductionURL string
	UserAgent     string // required by the aggregator, usually "app (contact email)"
	Timeout       time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client for production use.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	sandbox := cfg.SandboxURL
	if sandbox == "" {
		sandbox = DefaultSandboxURL
	}
	production := cfg.ProductionURL
	if production == "" {
		production = DefaultProductionURL
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "shipquote/1.0"
	}

	return &HTTPAPIClient{
		baseURLs: map[shipping.Environment]string{
			shipping.EnvSandbox:    sandbox,
			shipping.EnvProduction: production,
		},
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Calculate posts a rate request covering all products.
func (c *HTTPAPIClient) Calculate(ctx context.Context, env shipping.Environment, token string, req *CalculateRequest) ([]CalculateOption, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, env, token, "/api/v2/me/shipment/calculate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result []CalculateOption
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, shipping.NewError(shipping.KindCarrierTransient, "DECODE", "failed to decode calculate response").
			WithProvider(ProviderName).
			WithCause(err)
	}
	return result, nil
}

// ListServices fetches the service catalogue.
func (c *HTTPAPIClient) ListServices(ctx context.Context, env shipping.Environment, token string) ([]Service, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, env, token, "/api/v2/me/shipment/services", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result []Service
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, shipping.NewError(shipping.KindCarrierTransient, "DECODE", "failed to decode services response").
			WithProvider(ProviderName).
			WithCause(err)
	}
	return result, nil
}

// doRequest performs an HTTP request with bearer authentication. Transport
// failures, including timeouts, are returned as transient errors.
func (c *HTTPAPIClient) doRequest(ctx context.Context, method string, env shipping.Environment, token, path string, body interface{}) (*http.Response, error) {
	base, ok := c.baseURLs[env]
	if !ok {
		return nil, shipping.NewError(shipping.KindValidation, "INVALID_ENVIRONMENT",
			fmt.Sprintf("unknown environment %q", env))
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, shipping.NewError(shipping.KindCarrierTransient, "NETWORK", "request to aggregator failed").
			WithProvider(ProviderName).
			WithCause(err)
	}
	return resp, nil
}

// parseError maps a non-200 response onto the error taxonomy.
func (c *HTTPAPIClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := string(body)
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if text := apiErr.text(); text != "" {
			msg = text
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	var e *shipping.Error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e = shipping.NewError(shipping.KindCarrierRejection, shipping.CodeUnauthorized, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		e = shipping.NewError(shipping.KindCarrierRejection, shipping.CodeValidation, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e = shipping.NewError(shipping.KindCarrierTransient, fmt.Sprintf("HTTP_%d", resp.StatusCode), msg)
	default:
		e = shipping.NewError(shipping.KindCarrierRejection, fmt.Sprintf("HTTP_%d", resp.StatusCode), msg)
	}
	return e.WithProvider(ProviderName).WithStatusCode(resp.StatusCode)
}

// Ensure HTTPAPIClient implements APIClient interface
var _ APIClient = (*HTTPAPIClient)(nil)
