package admin

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kleisproxy/kleis/internal/api/middleware"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/constant"
	"github.com/kleisproxy/kleis/internal/store"
)

// keyView is an API key row with the secret masked to prefix + last 4.
type keyView struct {
	store.APIKey
	MaskedKey string `json:"maskedKey"`
}

func maskKey(key string) string {
	if len(key) <= len(constant.APIKeyPrefix)+4 {
		return constant.APIKeyPrefix + "****"
	}
	return constant.APIKeyPrefix + "****" + key[len(key)-4:]
}

// ListKeys returns every key, secrets masked.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.store.ListAPIKeys(c.Request.Context())
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{APIKey: k, MaskedKey: maskKey(k.Key)})
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

type createKeyRequest struct {
	Label          string   `json:"label"`
	ProviderScopes []string `json:"providerScopes"`
	ModelScopes    []string `json:"modelScopes"`
	ExpiresAt      *int64   `json:"expiresAt"`
}

// CreateKey mints a new key. The full key value and discovery token are
// returned exactly once; afterwards only the masked form is available.
func (h *Handler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.Fail(c, apperr.Wrap(err, apperr.KindBadRequest, "request body is not valid JSON"))
			return
		}
	}

	keyValue, err := randomToken(constant.APIKeyPrefix)
	if err != nil {
		middleware.Fail(c, apperr.Wrap(err, apperr.KindInternal, "failed to generate key material"))
		return
	}
	discovery, err := randomToken(constant.DiscoveryTokenPrefix)
	if err != nil {
		middleware.Fail(c, apperr.Wrap(err, apperr.KindInternal, "failed to generate key material"))
		return
	}

	key := &store.APIKey{
		ID:                   uuid.NewString(),
		Key:                  keyValue,
		ModelsDiscoveryToken: &discovery,
		Label:                req.Label,
		ProviderScopes:       req.ProviderScopes,
		ModelScopes:          req.ModelScopes,
		ExpiresAt:            req.ExpiresAt,
		CreatedAt:            h.now().UnixMilli(),
	}
	if err := h.store.CreateAPIKey(c.Request.Context(), key); err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":                  keyView{APIKey: *key, MaskedKey: maskKey(key.Key)},
		"keyValue":             keyValue,
		"modelsDiscoveryToken": discovery,
	})
}

// UpdateKey patches label, scopes, or expiry. Absent fields are left
// untouched; an explicit null clears the field.
func (h *Handler) UpdateKey(c *gin.Context) {
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		middleware.Fail(c, apperr.Wrap(err, apperr.KindBadRequest, "request body is not valid JSON"))
		return
	}

	var patch store.APIKeyPatch
	if msg, ok := raw["label"]; ok {
		var label string
		if err := json.Unmarshal(msg, &label); err != nil {
			middleware.Fail(c, apperr.New(apperr.KindBadRequest, "label must be a string"))
			return
		}
		patch.Label = &label
	}
	if msg, ok := raw["providerScopes"]; ok {
		var scopes []string
		if err := json.Unmarshal(msg, &scopes); err != nil {
			middleware.Fail(c, apperr.New(apperr.KindBadRequest, "providerScopes must be an array of strings"))
			return
		}
		patch.ProviderScopes = &scopes
	}
	if msg, ok := raw["modelScopes"]; ok {
		var scopes []string
		if err := json.Unmarshal(msg, &scopes); err != nil {
			middleware.Fail(c, apperr.New(apperr.KindBadRequest, "modelScopes must be an array of strings"))
			return
		}
		patch.ModelScopes = &scopes
	}
	if msg, ok := raw["expiresAt"]; ok {
		var expiresAt *int64
		if err := json.Unmarshal(msg, &expiresAt); err != nil {
			middleware.Fail(c, apperr.New(apperr.KindBadRequest, "expiresAt must be a number or null"))
			return
		}
		patch.ExpiresAt = &expiresAt
	}

	key, err := h.store.UpdateAPIKey(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	if key == nil {
		middleware.Fail(c, apperr.New(apperr.KindNotFound, "key not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": keyView{APIKey: *key, MaskedKey: maskKey(key.Key)}})
}

// RevokeKey marks the key revoked; revoking twice keeps the original
// revocation time.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, err := h.store.RevokeAPIKey(c.Request.Context(), c.Param("id"), h.now().UnixMilli())
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	if key == nil {
		middleware.Fail(c, apperr.New(apperr.KindNotFound, "key not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": keyView{APIKey: *key, MaskedKey: maskKey(key.Key)}})
}

// DeleteKey hard-deletes a revoked key and its usage rows.
func (h *Handler) DeleteKey(c *gin.Context) {
	deleted, err := h.store.DeleteRevokedAPIKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrAPIKeyNotRevoked) {
			middleware.Fail(c, apperr.New(apperr.KindBadRequest, "key must be revoked before deletion"))
			return
		}
		middleware.Fail(c, err)
		return
	}
	if !deleted {
		middleware.Fail(c, apperr.New(apperr.KindNotFound, "key not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func randomToken(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
