package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/recordclient"
)

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req recordclient.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	tk, d, err := a.opts.Auth.LoginWithIP(r.Context(), req.Device, req.Password, clientIP(r))
	if err != nil {
		a.log.Info("device login rejected", zap.String("device", req.Device), zap.Error(err))
		writeError(w, a.log, err)
		return
	}
	a.log.Info("device logged in", zap.String("device", d.Name), zap.String("scope", d.Scope))
	writeJSON(w, http.StatusOK, recordclient.LoginResponse{
		AccessToken:  tk.AccessToken,
		ExpiresAt:    tk.ExpiresAt,
		Scope:        d.Scope,
		MasterSecret: d.MasterSecret,
	})
}

// scope returns the caller's scope, rejecting requests for another scope.
func (a *api) scope(w http.ResponseWriter, r *http.Request, want string) (string, bool) {
	c, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized", "unauthorized"))
		return "", false
	}
	if want != "" && want != c.Scope {
		writeJSON(w, http.StatusForbidden, errorResponse("scope not granted to this device", "forbidden"))
		return "", false
	}
	return c.Scope, true
}

func (a *api) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	scope, ok := a.scope(w, r, chi.URLParam(r, "scope"))
	if !ok {
		return
	}
	snap, err := a.opts.Whitelist.Snapshot(r.Context(), scope)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// pathID parses {id} and reconciles it with the id in the body.
func pathID(r *http.Request, body uuid.UUID) (uuid.UUID, error) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("session id: %w", errs.ErrInvalid)
	}
	if body != uuid.Nil && body != id {
		return uuid.Nil, fmt.Errorf("session id in path and body differ: %w", errs.ErrInvalid)
	}
	return id, nil
}

func (a *api) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	scope, ok := a.scope(w, r, "")
	if !ok {
		return
	}
	var in model.SessionStart
	if !decode(w, r, &in) {
		return
	}
	id, err := pathID(r, in.SessionID)
	if err == nil {
		in.SessionID = id
		err = a.opts.Sessions.Start(r.Context(), scope, in)
	}
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	scope, ok := a.scope(w, r, "")
	if !ok {
		return
	}
	var in model.SessionEnd
	if !decode(w, r, &in) {
		return
	}
	id, err := pathID(r, in.SessionID)
	if err == nil {
		in.SessionID = id
		err = a.opts.Sessions.End(r.Context(), scope, in)
	}
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleAction(w http.ResponseWriter, r *http.Request) {
	scope, ok := a.scope(w, r, "")
	if !ok {
		return
	}
	key, err := uuid.FromString(r.Header.Get(recordclient.IdempotencyHeader))
	if err != nil {
		writeError(w, a.log, fmt.Errorf("%s header: %w", recordclient.IdempotencyHeader, errs.ErrInvalid))
		return
	}
	var in recordclient.ActionRequest
	if !decode(w, r, &in) {
		return
	}
	applied, err := a.opts.Actions.Apply(r.Context(), scope, key, string(in.Kind), in.Payload)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	if !applied {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// RegisterRequest is the body of POST /admin/devices.
type RegisterRequest struct {
	Name     string `json:"name"`
	Scope    string `json:"scope"`
	Password string `json:"password"`
}

func (a *api) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := a.opts.Auth.Register(r.Context(), req.Name, req.Scope, req.Password)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	a.log.Info("device registered", zap.String("device", req.Name), zap.String("scope", req.Scope))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (a *api) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	n, err := a.opts.Auth.RotateMasterSecret(r.Context(), scope)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	a.log.Warn("master secret rotated", zap.String("scope", scope), zap.Int64("devices", n))
	writeJSON(w, http.StatusOK, map[string]int64{"devices": n})
}

// EntryRequest is the body of PUT /admin/whitelist/{scope}/{token}.
type EntryRequest struct {
	Location    *model.Location   `json:"location,omitempty"`
	ActivatedAt time.Time         `json:"activated_at"`
	Status      model.EntryStatus `json:"status,omitempty"`
}

func tokenParam(r *http.Request) (model.TokenIdentity, error) {
	tok, err := uuid.FromString(chi.URLParam(r, "token"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("token identity: %w", errs.ErrInvalid)
	}
	return tok, nil
}

func (a *api) handleUpsertEntry(w http.ResponseWriter, r *http.Request) {
	tok, err := tokenParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	var req EntryRequest
	if !decode(w, r, &req) {
		return
	}
	err = a.opts.Whitelist.Upsert(r.Context(), chi.URLParam(r, "scope"), model.WhitelistEntry{
		Token:       tok,
		Location:    req.Location,
		ActivatedAt: req.ActivatedAt,
		Status:      req.Status,
	})
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	tok, err := tokenParam(r)
	if err != nil {
		writeError(w, a.log, err)
		return
	}
	var req struct {
		Status model.EntryStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.opts.Whitelist.SetStatus(r.Context(), chi.URLParam(r, "scope"), tok, req.Status); err != nil {
		writeError(w, a.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
