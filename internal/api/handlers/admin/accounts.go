package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/account"
	"github.com/kleisproxy/kleis/internal/api/middleware"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/providers"
	log "github.com/sirupsen/logrus"
)

// ListAccounts returns every provider account. Token columns carry the
// json:"-" tag, so serialization already drops them.
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListProviderAccounts(c.Request.Context())
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// SetPrimaryAccount promotes the account to primary for its provider.
func (h *Handler) SetPrimaryAccount(c *gin.Context) {
	acct, err := h.store.SetPrimaryProviderAccount(c.Request.Context(), c.Param("id"), h.now().UnixMilli())
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	if acct == nil {
		middleware.Fail(c, apperr.New(apperr.KindNotFound, "account not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// RefreshAccount forces a token refresh through the lease-coordinated
// path; a concurrent holder surfaces as 409.
func (h *Handler) RefreshAccount(c *gin.Context) {
	acct, err := h.accounts.RefreshProviderAccount(c.Request.Context(), c.Param("id"), h.now())
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type oauthStartRequest struct {
	RedirectURI      string `json:"redirectUri"`
	Mode             string `json:"mode"`
	EnterpriseDomain string `json:"enterpriseDomain"`
}

// StartOAuth begins a sign-in flow for the provider named in the path.
// Expired pending flows are garbage-collected on the way in.
func (h *Handler) StartOAuth(c *gin.Context) {
	provider, err := parseProvider(c.Param("id"))
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	var req oauthStartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.Fail(c, apperr.Wrap(err, apperr.KindBadRequest, "request body is not valid JSON"))
			return
		}
	}

	if n, err := h.store.DeleteExpiredOAuthStates(c.Request.Context(), h.now().UnixMilli()); err == nil && n > 0 {
		log.WithField("count", n).Debug("pruned expired oauth states")
	}

	result, err := h.accounts.StartProviderOAuth(c.Request.Context(), provider, oauth.StartOptions{
		RedirectURI:      req.RedirectURI,
		Mode:             req.Mode,
		EnterpriseDomain: req.EnterpriseDomain,
	})
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type oauthCompleteRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// CompleteOAuth finishes a pending flow and persists the account.
func (h *Handler) CompleteOAuth(c *gin.Context) {
	provider, err := parseProvider(c.Param("id"))
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	var req oauthCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Fail(c, apperr.Wrap(err, apperr.KindBadRequest, "request body is not valid JSON"))
		return
	}
	if req.State == "" {
		middleware.Fail(c, apperr.New(apperr.KindBadRequest, "state is required"))
		return
	}

	acct, err := h.accounts.CompleteProviderOAuth(c.Request.Context(), provider, req.State, req.Code)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type importRequest struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresAt    int64          `json:"expiresAt"`
	AccountID    string         `json:"accountId"`
	Label        string         `json:"label"`
	Metadata     map[string]any `json:"metadata"`
}

// ImportAccount stores externally obtained credentials.
func (h *Handler) ImportAccount(c *gin.Context) {
	provider, err := parseProvider(c.Param("id"))
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.Fail(c, apperr.Wrap(err, apperr.KindBadRequest, "request body is not valid JSON"))
		return
	}

	acct, err := h.accounts.ImportProviderAccount(c.Request.Context(), provider, account.ImportInput{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		AccountID:    req.AccountID,
		Label:        req.Label,
		Metadata:     req.Metadata,
	})
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// DeleteAccount hard-deletes the account. If it was primary, the store
// promotes the most recently created sibling.
func (h *Handler) DeleteAccount(c *gin.Context) {
	deleted, err := h.store.DeleteProviderAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	if !deleted {
		middleware.Fail(c, apperr.New(apperr.KindNotFound, "account not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func parseProvider(raw string) (providers.Provider, error) {
	p := providers.Provider(raw)
	switch p {
	case providers.Codex, providers.Copilot, providers.Claude:
		return p, nil
	}
	return "", apperr.New(apperr.KindBadRequest, "unknown provider %q", raw)
}
