// Package cep resolves Brazilian postal codes to their state (UF).
package cep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tournevent/shipquote/pkg/shipping"
)

// DefaultBaseURL is the public ViaCEP endpoint.
const DefaultBaseURL = "https://viacep.com.br"

// ErrUnresolved is returned when the postal code does not exist.
var ErrUnresolved = errors.New("postal code could not be resolved")

// ViaCEP looks up postal codes with the ViaCEP API.
type ViaCEP struct {
	baseURL    string
	httpClient *http.Client
}

// NewViaCEP creates a client. An empty baseURL uses DefaultBaseURL.
func NewViaCEP(baseURL string, timeout time.Duration) *ViaCEP {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ViaCEP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type viaCEPResponse struct {
	CEP        string `json:"cep"`
	Localidade string `json:"localidade"`
	UF         string `json:"uf"`
	Erro       any    `json:"erro"` // true, or "true" on some deployments
}

// ResolveState returns the two letter state code for postalCode.
func (v *ViaCEP) ResolveState(ctx context.Context, postalCode string) (string, error) {
	code, err := shipping.NormalizePostalCode(postalCode)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ws/%s/json/", v.baseURL, code), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("viacep request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("viacep returned status %d", resp.StatusCode)
	}

	var body viaCEPResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode viacep response: %w", err)
	}
	if body.Erro != nil && body.Erro != false && body.Erro != "false" {
		return "", ErrUnresolved
	}
	uf := strings.ToUpper(strings.TrimSpace(body.UF))
	if len(uf) != 2 {
		return "", ErrUnresolved
	}
	return uf, nil
}
