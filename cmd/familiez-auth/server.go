package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	verifier "github.com/familiez/sso-verifier"
	"github.com/familiez/sso-verifier/config"
	"github.com/familiez/sso-verifier/exchange"
	"github.com/familiez/sso-verifier/keyset/jwks"
	"github.com/familiez/sso-verifier/metadata/discovery"
	"github.com/familiez/sso-verifier/middleware"
)

// CodeExchanger trades an authorization code for an access token.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string, codeVerifier string) (string, error)
}

// App wires the verifier and exchanger behind an HTTP router.
type App struct {
	Verifier  middleware.TokenVerifier
	Exchanger CodeExchanger
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

// NewApp builds the providers, verifier and exchanger from cfg. One discovery cache is shared by all of them.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	httpClient := config.NewHTTPClient(cfg.VerifyTLS)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mp := discovery.NewMetadataProvider(cfg.DiscoveryURL,
		discovery.WithHttpClient(httpClient),
		discovery.WithCacheTtl(cfg.DiscoveryTTL),
		discovery.WithLogger(logger),
	)

	kp, err := jwks.NewKeySetProvider(mp,
		jwks.WithHttpClient(httpClient),
		jwks.WithCacheTtl(cfg.KeySetTTL),
		jwks.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating key set provider: %w", err)
	}

	v, err := verifier.NewVerifier(cfg.DiscoveryURL, cfg.ClientID,
		verifier.WithMetadataProvider(mp),
		verifier.WithKeySetProvider(kp),
		verifier.WithLogger(logger),
		verifier.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("creating verifier: %w", err)
	}

	ex := exchange.NewExchanger(mp, cfg.ClientID, cfg.RedirectURI,
		exchange.WithHttpClient(httpClient),
		exchange.WithClientSecret(cfg.ClientSecret),
		exchange.WithLogger(logger),
	)

	return &App{Verifier: v, Exchanger: ex, Registry: registry, Logger: logger}, nil
}

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", a.handleRoot)
	r.Post("/auth/exchange", a.handleExchange)
	r.With(middleware.RequireAuth(a.Verifier, a.Logger)).Get("/auth/me", a.handleMe)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	return r
}

func (a *App) handleRoot(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, a.Logger, http.StatusOK, map[string]string{"Hello visitor": "The Familiez api lives!"})
}

type exchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
}

func (a *App) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || req.CodeVerifier == "" {
		middleware.WriteJSON(w, a.Logger, http.StatusBadRequest, map[string]string{"detail": "code and code_verifier are required"})
		return
	}

	accessToken, err := a.Exchanger.Exchange(r.Context(), req.Code, req.CodeVerifier)
	if err != nil {
		middleware.WriteError(w, a.Logger, err)
		return
	}

	middleware.WriteJSON(w, a.Logger, http.StatusOK, map[string]string{"access_token": accessToken})
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	jwt, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteJSON(w, a.Logger, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
		return
	}

	middleware.WriteJSON(w, a.Logger, http.StatusOK, map[string]any{"user": jwt.Claims})
}
