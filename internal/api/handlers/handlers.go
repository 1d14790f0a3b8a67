// Package handlers carries the public-facing HTTP handlers: the proxy
// orchestrator, health, and model discovery.
package handlers

import (
	"net/http"

	"github.com/kleisproxy/kleis/internal/account"
	"github.com/kleisproxy/kleis/internal/config"
	"github.com/kleisproxy/kleis/internal/registry"
	"github.com/kleisproxy/kleis/internal/usage"
)

// Handler bundles the services the public surface depends on.
type Handler struct {
	accounts   *account.Service
	usage      *usage.Manager
	registry   *registry.Service
	cfg        *config.Holder
	httpClient *http.Client
}

// New constructs the public handler set.
func New(accounts *account.Service, usageManager *usage.Manager, reg *registry.Service, cfg *config.Holder, httpClient *http.Client) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handler{
		accounts:   accounts,
		usage:      usageManager,
		registry:   reg,
		cfg:        cfg,
		httpClient: httpClient,
	}
}
