package httptransport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"census/internal/member"
	"census/internal/verification"
	"census/pkg/platform/sentinel"
)

type lookupRequest struct {
	Policy         string `json:"policy"`
	OrganizationID int64  `json:"organization_id,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	Email          string `json:"email,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	WorkState      string `json:"work_state,omitempty"`
	UniqueCorpID   string `json:"unique_corp_id,omitempty"`
	DependentID    string `json:"dependent_id,omitempty"`
}

// resolve runs the named lookup policy. Overeligibility is the only policy
// returning more than one member.
func (h *Handler) resolve(r *http.Request, req lookupRequest) ([]member.Member, error) {
	ctx := r.Context()
	switch req.Policy {
	case verification.PolicyPrimary:
		m, err := h.verifications.GetByPrimary(ctx, req.DateOfBirth, req.Email)
		return single(m, err)
	case verification.PolicySecondary:
		m, err := h.verifications.GetBySecondary(ctx, req.DateOfBirth, req.FirstName, req.LastName, req.WorkState)
		return single(m, err)
	case verification.PolicyTertiary:
		m, err := h.verifications.GetByTertiary(ctx, req.DateOfBirth, req.UniqueCorpID)
		return single(m, err)
	case verification.PolicyClientSpecific:
		m, err := h.verifications.GetByClientSpecific(ctx, req.OrganizationID, req.UniqueCorpID, req.DateOfBirth)
		return single(m, err)
	case verification.PolicyOrgIdentity:
		m, err := h.verifications.GetByOrgIdentity(ctx, req.OrganizationID, req.UniqueCorpID, req.DependentID)
		return single(m, err)
	case verification.PolicyOvereligibility:
		return h.verifications.GetByOvereligibility(ctx, req.DateOfBirth, req.FirstName, req.LastName)
	default:
		return nil, fmt.Errorf("unknown lookup policy %q: %w", req.Policy, sentinel.ErrInvalidState)
	}
}

func single(m *member.Member, err error) ([]member.Member, error) {
	if err != nil {
		return nil, err
	}
	return []member.Member{*m}, nil
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "malformed request body")
		return
	}

	matches, err := h.resolve(r, req)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"members": matches})
}

type createVerificationRequest struct {
	lookupRequest
	UserID           int64             `json:"user_id"`
	VerificationType string            `json:"verification_type"`
	AdditionalFields map[string]string `json:"additional_fields,omitempty"`
}

// handleCreateVerification looks the member up under the requested policy and
// records the verification. A lookup miss still records the failed attempt
// before the 404 goes out. The caller's device info rides along on the
// additional fields for the audit trail.
func (h *Handler) handleCreateVerification(w http.ResponseWriter, r *http.Request) {
	var req createVerificationRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "malformed request body")
		return
	}
	if req.UserID == 0 {
		h.badRequest(w, "user_id is required")
		return
	}

	createReq := verification.CreateRequest{
		UserID:           req.UserID,
		OrganizationID:   req.OrganizationID,
		VerificationType: req.VerificationType,
		PolicyUsed:       req.Policy,
		AdditionalFields: withClientInfo(req.AdditionalFields, ClientInfoFrom(r.Context())),
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Email:            req.Email,
		DateOfBirth:      req.DateOfBirth,
		WorkState:        req.WorkState,
	}

	matches, err := h.resolve(r, req.lookupRequest)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		h.writeError(r.Context(), w, err)
		return
	}

	if req.Policy == verification.PolicyOvereligibility {
		records, err := h.verifications.CreateBulk(r.Context(), createReq, matches)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}
		respond(w, http.StatusCreated, map[string]any{"verifications": records})
		return
	}

	if len(matches) > 0 {
		createReq.Member = &matches[0]
	}
	record, err := h.verifications.Create(r.Context(), createReq)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusCreated, record)
}

func (h *Handler) handleDeactivateVerification(w http.ResponseWriter, r *http.Request) {
	verificationID, err := strconv.ParseInt(chi.URLParam(r, "verificationID"), 10, 64)
	if err != nil {
		h.badRequest(w, "verification id must be an integer")
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		h.badRequest(w, "user_id query parameter is required")
		return
	}

	if err := h.verifications.Deactivate(r.Context(), verificationID, userID); err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetUserVerifications(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.badRequest(w, "user id must be an integer")
		return
	}

	records, err := h.verifications.GetForUser(r.Context(), userID)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"verifications": records})
}

func (h *Handler) handleMemberAddress(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil {
		h.badRequest(w, "member id must be an integer")
		return
	}

	address, err := h.members.AddressByMemberID(r.Context(), memberID)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"address": address})
}

// withClientInfo folds the parsed user agent into the attempt's additional
// fields without clobbering caller-supplied keys.
func withClientInfo(fields map[string]string, info ClientInfo) map[string]string {
	if info.Raw == "" {
		return fields
	}
	merged := make(map[string]string, len(fields)+3)
	merged["user_agent"] = info.Raw
	merged["device_os"] = info.OS
	merged["device_browser"] = info.Browser
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}
