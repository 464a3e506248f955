package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/gandalf/internal/gatewaykey"
)

// writeGatewayKeyError maps gatewaykey's sentinel errors to HTTP status,
// since they are not gateway.Err* and so writeAdminError can't classify them.
func writeGatewayKeyError(w http.ResponseWriter, err error) {
	if errors.Is(err, gatewaykey.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse(http.StatusNotFound, "not found"))
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "internal error"))
}

type gatewayKeyCreateRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	RateLimit int        `json:"rate_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type gatewayKeyUpdateRequest struct {
	Name      *string    `json:"name,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	RateLimit *int       `json:"rate_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *server) handleListGatewayKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.deps.GatewayKeys.List()
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: 0, Limit: len(keys), Total: len(keys)},
	})
}

func (s *server) handleCreateGatewayKey(w http.ResponseWriter, r *http.Request) {
	var req gatewayKeyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(http.StatusBadRequest, "name is required"))
		return
	}
	plaintext, key, err := s.deps.GatewayKeys.Create(req.Name, req.Scopes, req.RateLimit, req.ExpiresAt)
	if err != nil {
		writeGatewayKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gatewayKeyCreateResponse{Key: key, Plaintext: plaintext})
}

// gatewayKeyCreateResponse wraps the persisted record with its plaintext,
// which is only ever available at creation time.
type gatewayKeyCreateResponse struct {
	*gatewaykey.Key
	Plaintext string `json:"key"`
}

func (s *server) handleGatewayKeyStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.GatewayKeys.Stats())
}

func (s *server) handleUpdateGatewayKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req gatewayKeyUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.GatewayKeys.Update(id, req.Name, req.Scopes, req.RateLimit, req.ExpiresAt); err != nil {
		writeGatewayKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) handleDeleteGatewayKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.GatewayKeys.Revoke(id); err != nil {
		writeGatewayKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleEnableGatewayKey(w http.ResponseWriter, r *http.Request) {
	s.setGatewayKeyEnabled(w, r, true)
}

func (s *server) handleDisableGatewayKey(w http.ResponseWriter, r *http.Request) {
	s.setGatewayKeyEnabled(w, r, false)
}

func (s *server) setGatewayKeyEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	if err := s.deps.GatewayKeys.SetEnabled(id, enabled); err != nil {
		writeGatewayKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) handleRegenerateGatewayKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plaintext, err := s.deps.GatewayKeys.Regenerate(id)
	if err != nil {
		writeGatewayKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
}
