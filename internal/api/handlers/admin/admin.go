// Package admin implements the management API: provider accounts, API
// keys, and usage reporting. Every route sits behind the admin bearer
// token; responses never include raw credentials.
package admin

import (
	"time"

	"github.com/kleisproxy/kleis/internal/account"
	"github.com/kleisproxy/kleis/internal/store"
)

// Handler bundles the services the admin surface depends on.
type Handler struct {
	store    *store.Store
	accounts *account.Service
	now      func() time.Time
}

// New constructs the admin handler set.
func New(st *store.Store, accounts *account.Service) *Handler {
	return &Handler{store: st, accounts: accounts, now: time.Now}
}
