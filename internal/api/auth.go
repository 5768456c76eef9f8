package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/clawinfra/parlo/internal/security"
)

// TokenRequest mints a token. The admin key may also be sent as the
// X-Admin-Key header.
type TokenRequest struct {
	AdminKey string `json:"admin_key,omitempty"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role,omitempty"` // default "device"
	TTLHours int    `json:"ttl_hours,omitempty"`
}

// handleToken issues device and operator tokens to holders of the admin key.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if !s.auth.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "authentication disabled")
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	key := req.AdminKey
	if h := r.Header.Get("X-Admin-Key"); h != "" {
		key = h
	}
	if !security.CheckAdminKey(s.adminKey, key) {
		s.logger.Warn("token request with bad admin key", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	if req.Role == "" {
		req.Role = security.RoleDevice
	}
	if !slices.Contains(security.ValidRoles, req.Role) {
		writeError(w, http.StatusBadRequest, "unknown role: "+req.Role)
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	ttl := s.tokenTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	token, exp, err := s.auth.Issue(req.DeviceID, req.Role, ttl)
	if err != nil {
		s.logger.Error("sign token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}

	s.logger.Info("token issued", "device", req.DeviceID, "role", req.Role, "ttl", ttl)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"device_id":  req.DeviceID,
		"role":       req.Role,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}
