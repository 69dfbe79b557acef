package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polyrelay/polyrelay/internal/credential"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
	"github.com/polyrelay/polyrelay/internal/route"
)

// requireMaster gates the admin surface behind the master credential.
func (s *Server) requireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := RouteFromContext(r.Context())
		if rt == nil || !rt.IsMaster() {
			renderOpenAIError(w, http.StatusForbidden, "admin API requires the master key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accountView is the redacted account shape the admin API returns. Token
// material never leaves the process; only a short suffix for operator
// identification.
type accountView struct {
	ID          string     `json:"id"`
	Email       string     `json:"email,omitempty"`
	Region      string     `json:"region,omitempty"`
	AuthKind    string     `json:"authKind,omitempty"`
	Enabled     bool       `json:"enabled"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	TokenSuffix string     `json:"tokenSuffix,omitempty"`
}

func redact(a *credential.Account) accountView {
	v := accountView{
		ID:          a.ID,
		Email:       a.Email,
		Region:      a.Region,
		AuthKind:    a.AuthKind,
		Enabled:     a.IsEnabled(),
		TokenSuffix: a.TokenSuffix(),
	}
	if !a.ExpiresAt.IsZero() {
		t := a.ExpiresAt
		v.ExpiresAt = &t
	}
	return v
}

func (s *Server) storeFor(w http.ResponseWriter, r *http.Request) (credential.Store, bool) {
	name := r.URL.Query().Get("provider")
	if name == "" {
		renderOpenAIError(w, http.StatusBadRequest, "provider query parameter is required")
		return nil, false
	}
	store, ok := s.opts.Stores[name]
	if !ok {
		renderOpenAIError(w, http.StatusNotFound, "unknown provider: "+name)
		return nil, false
	}
	return store, true
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	store, ok := s.storeFor(w, r)
	if !ok {
		return
	}

	accounts := store.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, redact(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	store, ok := s.storeFor(w, r)
	if !ok {
		return
	}

	var account credential.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		renderOpenAIError(w, http.StatusBadRequest, "invalid account body")
		return
	}
	if account.ID == "" {
		renderOpenAIError(w, http.StatusBadRequest, "account id is required")
		return
	}

	if err := store.AddAccount(r.Context(), &account); err != nil {
		AddError(r.Context(), err)
		renderOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, redact(&account))
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	store, ok := s.storeFor(w, r)
	if !ok {
		return
	}

	var account credential.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		renderOpenAIError(w, http.StatusBadRequest, "invalid account body")
		return
	}
	account.ID = chi.URLParam(r, "id")

	if err := store.UpdateAccount(r.Context(), &account); err != nil {
		AddError(r.Context(), err)
		renderOpenAIError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redact(&account))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	store, ok := s.storeFor(w, r)
	if !ok {
		return
	}

	if err := store.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		AddError(r.Context(), err)
		renderOpenAIError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routes": s.opts.Enforcer.List()})
}

func (s *Server) handleUpsertRoute(w http.ResponseWriter, r *http.Request) {
	var rt route.Route
	if err := json.NewDecoder(r.Body).Decode(&rt); err != nil {
		renderOpenAIError(w, http.StatusBadRequest, "invalid route body")
		return
	}
	rt.ID = chi.URLParam(r, "id")

	if err := s.opts.Enforcer.Upsert(r.Context(), &rt); err != nil {
		AddError(r.Context(), err)
		renderOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &rt)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == route.MasterID {
		renderOpenAIError(w, http.StatusBadRequest, "the master route cannot be deleted")
		return
	}
	if err := s.opts.Enforcer.Delete(r.Context(), id); err != nil {
		AddError(r.Context(), err)
		renderOpenAIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]ratelimit.Status, len(s.opts.Trackers))
	names := make([]string, 0, len(s.opts.Trackers))
	for name := range s.opts.Trackers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = s.opts.Trackers[name].Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.opts.Enforcer.Load(ctx); err != nil {
		AddError(ctx, err)
		renderOpenAIError(w, http.StatusInternalServerError, "route reload failed: "+err.Error())
		return
	}

	failed := make(map[string]string)
	for name, store := range s.opts.Stores {
		if err := store.Reload(); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "partial", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
