package credentials

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ExchangeRequest describes one token endpoint call.
type ExchangeRequest struct {
	TokenURL     string
	Client       ClientCredentials
	RefreshToken string
	Scopes       []string
}

// Exchanger performs the OAuth token exchange against a provider.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (*oauth2.Token, error)
}

// OAuth2Exchanger exchanges tokens with golang.org/x/oauth2. It uses the
// refresh_token grant when a refresh token is present and the
// client_credentials grant otherwise.
type OAuth2Exchanger struct {
	httpClient *http.Client
}

// NewOAuth2Exchanger creates an exchanger. userAgent is sent on every token
// request because some providers reject anonymous clients.
func NewOAuth2Exchanger(timeout time.Duration, userAgent string) *OAuth2Exchanger {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &OAuth2Exchanger{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &userAgentTransport{base: http.DefaultTransport, userAgent: userAgent},
		},
	}
}

// Exchange implements Exchanger.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	if req.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     req.Client.ClientID,
			ClientSecret: req.Client.ClientSecret,
			Scopes:       req.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  req.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		// An expired token forces the source to hit the token endpoint.
		expired := &oauth2.Token{RefreshToken: req.RefreshToken, Expiry: time.Unix(1, 0)}
		return conf.TokenSource(ctx, expired).Token()
	}

	if req.Client.ClientID == "" || req.Client.ClientSecret == "" {
		return nil, errors.New("client credentials grant requires client id and secret")
	}
	conf := &clientcredentials.Config{
		ClientID:     req.Client.ClientID,
		ClientSecret: req.Client.ClientSecret,
		TokenURL:     req.TokenURL,
		Scopes:       req.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return conf.Token(ctx)
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

var _ Exchanger = (*OAuth2Exchanger)(nil)
