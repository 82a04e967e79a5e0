package httptransport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"census/internal/population"
	"census/pkg/platform/sentinel"
)

type assignSubPopulationRequest struct {
	OrganizationID int64  `json:"organization_id"`
	UniqueCorpID   string `json:"unique_corp_id"`
	DependentID    string `json:"dependent_id"`
}

// handleAssignSubPopulation resolves the identified member through the org's
// active population. A member that maps to no bucket gets a null assignment,
// not an error.
func (h *Handler) handleAssignSubPopulation(w http.ResponseWriter, r *http.Request) {
	var req assignSubPopulationRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "malformed request body")
		return
	}

	m, err := h.verifications.GetByOrgIdentity(r.Context(), req.OrganizationID, req.UniqueCorpID, req.DependentID)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	assignment, err := h.populations.AssignMember(r.Context(), m)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"assignment": assignment})
}

func (h *Handler) handleSubPopulationFeatures(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "subPopulationID"), 10, 64)
	if err != nil {
		h.badRequest(w, "sub-population id must be an integer")
		return
	}

	featureType, err := parseFeatureType(r.URL.Query().Get("type"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}

	features, err := h.populations.Features(r.Context(), id, featureType)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"features": features})
}

func parseFeatureType(name string) (int, error) {
	switch name {
	case "track":
		return population.FeatureTypeTrack, nil
	case "wallet":
		return population.FeatureTypeWallet, nil
	default:
		return 0, fmt.Errorf("unknown feature type %q: %w", name, sentinel.ErrInvalidState)
	}
}
