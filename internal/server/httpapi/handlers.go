// Package httpapi exposes the sharing engine over HTTP: a management
// surface under /api for share owners and the public share-resolution
// surface under /shared that link recipients hit.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docvault/docvault/internal/access"
	"github.com/docvault/docvault/internal/common"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/sharing"
	"github.com/docvault/docvault/internal/timex"
)

// Backupper uploads a sealed store snapshot and returns its storage key.
type Backupper interface {
	BackupExport(ctx context.Context, password []byte) (string, error)
}

// Handler serves the share management and resolution endpoints.
type Handler struct {
	shares *sharing.Service
	backup Backupper
	origin string
	logger logging.Logger
}

// NewHandler creates a Handler. origin is the public origin used when
// rendering share URLs. backup may be nil; the backup endpoint then
// reports 503.
func NewHandler(shares *sharing.Service, backup Backupper, origin string, logger logging.Logger) *Handler {
	return &Handler{shares: shares, backup: backup, origin: origin, logger: logger.With("component", "httpapi")}
}

// CreateShareRequest is the JSON payload for POST /api/shares.
type CreateShareRequest struct {
	ResourceID     string          `json:"resource_id"`
	CreatedBy      string          `json:"created_by"`
	Password       string          `json:"password,omitempty"`
	TTL            timex.Duration  `json:"ttl,omitempty"`
	MaxAccessCount int             `json:"max_access_count,omitempty"`
	Permissions    []access.Action `json:"permissions,omitempty"`
}

// ShareResponse is the public view of a share descriptor. The password
// hash and the raw access log never leave the server through this type.
type ShareResponse struct {
	ID             string          `json:"id"`
	ResourceID     string          `json:"resource_id"`
	Token          string          `json:"token"`
	URL            string          `json:"url"`
	Permissions    []access.Action `json:"permissions"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	MaxAccessCount int             `json:"max_access_count,omitempty"`
	AccessCount    int             `json:"access_count"`
	IsActive       bool            `json:"is_active"`
	Protected      bool            `json:"protected"`
}

func shareResponse(d *sharing.Descriptor, origin string) *ShareResponse {
	return &ShareResponse{
		ID:             d.ID,
		ResourceID:     d.ResourceID,
		Token:          d.Token,
		URL:            d.URL(origin),
		Permissions:    d.Permissions,
		CreatedBy:      d.CreatedBy,
		CreatedAt:      d.CreatedAt,
		ExpiresAt:      d.ExpiresAt,
		MaxAccessCount: d.MaxAccessCount,
		AccessCount:    d.AccessCount,
		IsActive:       d.IsActive,
		Protected:      d.Protected(),
	}
}

// CreateShare handles POST /api/shares.
func (h *Handler) CreateShare(w http.ResponseWriter, r *http.Request) {
	var req CreateShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResourceID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	desc, err := h.shares.CreateShare(r.Context(), req.ResourceID, req.CreatedBy, sharing.Config{
		Password:       req.Password,
		TTL:            req.TTL.Duration,
		MaxAccessCount: req.MaxAccessCount,
		Permissions:    req.Permissions,
	})
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, shareResponse(desc, h.origin))
}

// GetShare handles GET /api/shares/{shareID}.
func (h *Handler) GetShare(w http.ResponseWriter, r *http.Request) {
	desc, err := h.shares.GetShare(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if desc == nil {
		http.Error(w, "share not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse(desc, h.origin))
}

// RevokeShare handles DELETE /api/shares/{shareID}.
func (h *Handler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	err := h.shares.RevokeShare(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			http.Error(w, "share not found", http.StatusNotFound)
			return
		}
		h.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShareStats handles GET /api/shares/{shareID}/stats.
func (h *Handler) ShareStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.shares.Stats(r.Context(), chi.URLParam(r, "shareID"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			http.Error(w, "share not found", http.StatusNotFound)
			return
		}
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CleanupShares handles POST /api/shares/cleanup.
func (h *Handler) CleanupShares(w http.ResponseWriter, r *http.Request) {
	n, err := h.shares.CleanupExpiredShares(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deactivated": n})
}

// BackupRequest is the JSON payload for POST /api/backup.
type BackupRequest struct {
	Password string `json:"password"`
}

// CreateBackup handles POST /api/backup: it exports the store, seals it
// under the supplied password, and uploads it to object storage.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		http.Error(w, "backups not configured", http.StatusServiceUnavailable)
		return
	}

	var req BackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	key, err := h.backup.BackupExport(r.Context(), []byte(req.Password))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// ResolveShare handles GET /shared/{shareID}. The token comes from the
// query string (that is what the share URL carries); an optional password
// arrives in the X-Share-Password header so it stays out of access logs.
func (h *Handler) ResolveShare(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	res, err := h.shares.ValidateShare(r.Context(), token, r.Header.Get("X-Share-Password"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	if !res.Valid {
		writeJSON(w, statusForReason(res.Reason), map[string]any{"valid": false, "reason": res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "share": shareResponse(res.Share, h.origin)})
}

// AccessShareRequest is the JSON payload for POST /shared/{shareID}/access.
type AccessShareRequest struct {
	Token      string `json:"token"`
	Principal  string `json:"principal,omitempty"`
	Password   string `json:"password,omitempty"`
	SourceHint string `json:"source_hint,omitempty"`
}

// AccessShareResponse is the answer of POST /shared/{shareID}/access.
type AccessShareResponse struct {
	Success      bool           `json:"success"`
	Reason       sharing.Reason `json:"reason,omitempty"`
	Share        *ShareResponse `json:"share,omitempty"`
	SessionToken string         `json:"session_token,omitempty"`
}

// AccessShare handles POST /shared/{shareID}/access.
func (h *Handler) AccessShare(w http.ResponseWriter, r *http.Request) {
	var req AccessShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	res, err := h.shares.AccessShare(r.Context(), req.Token, req.Principal, req.Password, req.SourceHint)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	if !res.Success {
		writeJSON(w, statusForReason(res.Reason), &AccessShareResponse{Reason: res.Reason})
		return
	}
	writeJSON(w, http.StatusOK, &AccessShareResponse{
		Success:      true,
		Share:        shareResponse(res.Share, h.origin),
		SessionToken: res.SessionToken,
	})
}

// statusForReason maps failure reasons to HTTP statuses. Dead links are
// 410 rather than 404 so clients can tell "never existed" from "used to
// work".
func statusForReason(reason sharing.Reason) int {
	switch reason {
	case sharing.ReasonNotFound:
		return http.StatusNotFound
	case sharing.ReasonRequiresPassword, sharing.ReasonInvalidCredentials:
		return http.StatusUnauthorized
	case sharing.ReasonUnauthorized:
		return http.StatusForbidden
	case sharing.ReasonRevoked, sharing.ReasonExpired, sharing.ReasonAccessExhausted, sharing.ReasonResourceGone:
		return http.StatusGone
	default:
		return http.StatusForbidden
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
