package api

import (
	"encoding/json"
	"net/http"
	"sort"
)

// handleDevices lists devices with an open connection.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	type deviceInfo struct {
		ID      string `json:"id"`
		Profile string `json:"profile"`
	}
	out := []deviceInfo{}
	if s.online != nil {
		ids := s.online.Devices()
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, deviceInfo{ID: id, Profile: s.devices.Get(id)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeviceDetail routes /api/devices/{id}/{action}.
func (s *Server) handleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/devices/")
	if len(parts) != 2 {
		http.Error(w, "device id and action required", http.StatusBadRequest)
		return
	}
	deviceID, action := parts[0], parts[1]

	switch {
	case action == "profile" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"device": deviceID, "profile": s.devices.Get(deviceID)})
	case action == "profile" && r.Method == http.MethodPut:
		s.handleSetProfile(w, r, deviceID)
	case action == "turns" && r.Method == http.MethodGet:
		s.handleDeviceTurns(w, r, deviceID)
	default:
		http.Error(w, "invalid action or method", http.StatusBadRequest)
	}
}

// handleSetProfile switches the device's stored profile. Open connections
// pick it up on their next connect.
func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request, deviceID string) {
	var body struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Profile == "" {
		writeError(w, http.StatusBadRequest, "profile is required")
		return
	}
	name := body.Profile
	if _, ok := s.devices.Catalog().Get(name); !ok {
		// Accept spoken aliases such as "chef".
		if resolved, ok := s.devices.Catalog().Resolve(name); ok {
			name = resolved
		}
	}
	if err := s.devices.Set(r.Context(), deviceID, name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device": deviceID, "profile": name})
}

func (s *Server) handleDeviceTurns(w http.ResponseWriter, r *http.Request, deviceID string) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}
	entries, err := s.journal.Recent(r.Context(), deviceID, queryInt(r, "limit", 20))
	if err != nil {
		s.logger.Error("journal read failed", "device", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device": deviceID,
		"count":  len(entries),
		"turns":  entries,
	})
}

// handleTurnSearch runs a full-text search over journaled utterances.
func (s *Server) handleTurnSearch(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	entries, err := s.journal.Search(r.Context(), q, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "count": len(entries), "turns": entries})
}
