package api

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/clawinfra/parlo/internal/dialogue"
	"github.com/clawinfra/parlo/internal/models"
	"github.com/clawinfra/parlo/internal/router"
	"github.com/clawinfra/parlo/internal/skills"
	"github.com/clawinfra/parlo/internal/types"
)

// FunctionInfo describes one callable function.
type FunctionInfo struct {
	Name        types.FunctionName      `json:"name"`
	Description string                  `json:"description"`
	Capability  skills.Capability       `json:"capability,omitempty"`
	Source      string                  `json:"source"`
	Params      map[string]skills.Param `json:"params,omitempty"`
}

// handleFunctions lists the functions eligible under ?profile= (the default
// profile when absent), or every registered function with ?all=1.
func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	var fns []*skills.RegisteredFunction
	profile := ""
	if r.URL.Query().Get("all") == "1" {
		fns = s.registry.Functions()
	} else {
		catalog := s.devices.Catalog()
		profile = r.URL.Query().Get("profile")
		if profile == "" {
			profile = catalog.Default()
		}
		if _, ok := catalog.Get(profile); !ok {
			writeError(w, http.StatusNotFound, "unknown profile: "+profile)
			return
		}
		fns = s.router.EligibleFunctions(profile)
	}

	out := make([]FunctionInfo, 0, len(fns))
	for _, fn := range fns {
		out = append(out, FunctionInfo{
			Name:        fn.Name,
			Description: fn.Description,
			Capability:  fn.Capability,
			Source:      fn.Source,
			Params:      fn.Params,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":   profile,
		"count":     len(out),
		"functions": out,
	})
}

// handleProfiles lists the profile catalog.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	catalog := s.devices.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  catalog.Default(),
		"profiles": catalog.List(),
	})
}

// ClassifyRequest asks how an utterance would be resolved.
type ClassifyRequest struct {
	Text    string `json:"text"`
	Device  string `json:"device,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// ClassifyResponse is the dry-run decision.
type ClassifyResponse struct {
	Profile  string          `json:"profile"`
	Stage    string          `json:"stage"`
	Decision router.Decision `json:"decision"`
}

// handleClassify classifies text without dispatching it. The device's
// stored profile applies unless one is given; no session is active.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var req ClassifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	catalog := s.devices.Catalog()
	profile := req.Profile
	switch {
	case profile != "":
		if _, ok := catalog.Get(profile); !ok {
			writeError(w, http.StatusBadRequest, "unknown profile: "+profile)
			return
		}
	case req.Device != "":
		profile = s.devices.Get(req.Device)
	default:
		profile = catalog.Default()
	}

	dc := dialogue.NewContext("dry-run-"+uuid.NewString(), dialogue.Options{
		DeviceID: req.Device,
		Channel:  "api",
		Profile:  profile,
	}, s.logger)
	defer dc.Close()

	d := s.router.Classify(r.Context(), dc, types.NewUtterance(req.Text))
	writeJSON(w, http.StatusOK, ClassifyResponse{Profile: profile, Stage: d.Stage.String(), Decision: d})
}

// ModelInfo is one configured LLM with its usage since start.
type ModelInfo struct {
	ID       string             `json:"id"`
	Name     string             `json:"name,omitempty"`
	Provider string             `json:"provider"`
	Usage    *models.ModelUsage `json:"usage,omitempty"`
}

// handleModels lists the configured models. Unlisted models that served
// requests (local providers) are included with their usage.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	out := []ModelInfo{}
	if s.models == nil {
		writeJSON(w, http.StatusOK, map[string]any{"models": out, "count": 0})
		return
	}

	usage := s.models.Usage()
	for _, m := range s.models.ListModels() {
		info := ModelInfo{ID: m.ID, Name: m.Config.Name, Provider: m.Provider}
		if u, ok := usage[m.ID]; ok {
			info.Usage = &u
			delete(usage, m.ID)
		}
		out = append(out, info)
	}
	for _, id := range slices.Sorted(maps.Keys(usage)) {
		u := usage[id]
		provider, _, _ := strings.Cut(id, "/")
		out = append(out, ModelInfo{ID: id, Provider: provider, Usage: &u})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out, "count": len(out)})
}
