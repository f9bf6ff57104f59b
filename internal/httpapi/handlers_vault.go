package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/querygate/internal/catalog"
	"github.com/jordanhubbard/querygate/internal/vault"
)

// VaultStatusHandler handles GET /admin/v1/vault.
func VaultStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"enabled": d.Vault.Enabled(),
			"locked":  d.Vault.IsLocked(),
		}
		if !d.Vault.IsLocked() {
			out["keys"] = d.Vault.Keys()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// VaultUnlockHandler handles POST /admin/v1/vault/unlock. Unlocking for
// the first time generates the salt, so the blob is persisted right
// away.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	type req struct {
		AdminPassword string `json:"admin_password"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Unlock([]byte(in.AdminPassword)); err != nil {
			if errors.Is(err, vault.ErrShortPassword) {
				jsonError(w, err.Error(), http.StatusBadRequest)
				return
			}
			jsonError(w, err.Error(), http.StatusForbidden)
			return
		}
		persistVault(d, r)
		auditVault(d, r, "vault.unlock")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "locked": false})
	}
}

// VaultLockHandler handles POST /admin/v1/vault/lock.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Vault.Lock()
		auditVault(d, r, "vault.lock")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "locked": true})
	}
}

// VaultRotateHandler handles POST /admin/v1/vault/rotate: re-derives the
// data key from a new master password and re-encrypts every stored
// value. The vault must be unlocked.
func VaultRotateHandler(d Dependencies) http.HandlerFunc {
	type req struct {
		NewAdminPassword string `json:"new_admin_password"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in req
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Rotate([]byte(in.NewAdminPassword)); err != nil {
			switch {
			case errors.Is(err, vault.ErrLocked):
				jsonError(w, err.Error(), http.StatusConflict)
			case errors.Is(err, vault.ErrShortPassword):
				jsonError(w, err.Error(), http.StatusBadRequest)
			default:
				jsonError(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		persistVault(d, r)
		auditVault(d, r, "vault.rotate")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func persistVault(d Dependencies, r *http.Request) {
	if d.Catalog == nil {
		return
	}
	warnOnErr(d, "vault_persist", d.Catalog.SaveVaultBlob(r.Context(), d.Vault.Salt(), d.Vault.Export()))
}

func auditVault(d Dependencies, r *http.Request, action string) {
	if d.Catalog == nil {
		return
	}
	warnOnErr(d, "audit", d.Catalog.LogAudit(r.Context(), catalog.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  "vault",
		RequestID: middleware.GetReqID(r.Context()),
	}))
}
