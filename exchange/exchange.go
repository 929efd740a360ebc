// Package exchange trades an OAuth authorization code for an access token.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/familiez/sso-verifier/autherr"
	"github.com/familiez/sso-verifier/metadata"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout = 10 * time.Second
)

// Options are configurable options for the Exchanger.
type Options struct {
	httpClient   *http.Client
	clientSecret string
	logger       *zap.Logger
}

// WithHttpClient allows for a configurable http client.
func WithHttpClient(httpClient *http.Client) Option {
	return func(mo *Options) {
		mo.httpClient = httpClient
	}
}

// WithClientSecret adds the client secret to every exchange request.
func WithClientSecret(secret string) Option {
	return func(mo *Options) {
		mo.clientSecret = secret
	}
}

// WithLogger sets the logger that receives the cause of failed exchanges.
func WithLogger(logger *zap.Logger) Option {
	return func(mo *Options) {
		mo.logger = logger
	}
}

func defaultOptions() *Options {
	opts := &Options{}
	WithHttpClient(&http.Client{Timeout: defaultFetchTimeout})(opts)
	WithLogger(zap.NewNop())(opts)
	return opts
}

// Option for the Exchanger.
type Option func(*Options)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type tokenResponse struct {
	AccessToken *string `json:"access_token"`
}

// Exchanger performs the authorization code grant with PKCE against the token endpoint named by the
// discovery document.
type Exchanger struct {
	mp           metadata.Provider
	clientId     string
	redirectUri  string
	clientSecret string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewExchanger creates a new Exchanger.
func NewExchanger(mp metadata.Provider, clientId string, redirectUri string, options ...Option) *Exchanger {
	opts := defaultOptions()
	for _, option := range options {
		option(opts)
	}

	return &Exchanger{
		mp:           mp,
		clientId:     clientId,
		redirectUri:  redirectUri,
		clientSecret: opts.clientSecret,
		httpClient:   opts.httpClient,
		logger:       opts.logger,
	}
}

// Exchange trades code and its PKCE verifier for an access token. Every failure of the round trip is
// autherr.ErrExchangeFailed; missing settings are an *autherr.ConfigError.
func (e *Exchanger) Exchange(ctx context.Context, code string, codeVerifier string) (string, error) {
	md, err := e.mp.GetMetadata(ctx)
	if err != nil {
		if autherr.IsConfig(err) {
			return "", err
		}
		e.logger.Error("token exchange failed", zap.String("step", "getting metadata"), zap.Error(err))
		return "", autherr.ErrExchangeFailed
	}

	if md.TokenEndpoint == "" {
		return "", autherr.NewConfigError("token_endpoint", "is missing from discovery document")
	}

	if e.clientId == "" {
		return "", autherr.NewConfigError("SYNOLOGY_CLIENT_ID", "is not configured")
	}

	accessToken, err := e.requestToken(ctx, md.TokenEndpoint, tokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		ClientID:     e.clientId,
		RedirectURI:  e.redirectUri,
		CodeVerifier: codeVerifier,
		ClientSecret: e.clientSecret,
	})
	if err != nil {
		e.logger.Error("token exchange failed", zap.String("url", md.TokenEndpoint), zap.Error(err))
		return "", autherr.ErrExchangeFailed
	}

	return accessToken, nil
}

func (e *Exchanger) requestToken(ctx context.Context, tokenEndpoint string, body tokenRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating new http request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("making http request for token: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		return "", fmt.Errorf("request for token %q was not HTTP 2xx OK, it was: %d", tokenEndpoint, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	if tr.AccessToken == nil {
		return "", fmt.Errorf("token response has no access_token")
	}

	return *tr.AccessToken, nil
}
