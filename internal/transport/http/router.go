// Package httptransport is the thin HTTP layer over the census services. It
// decodes requests, delegates to the domain services, and translates sentinel
// errors into the wire error vocabulary.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"census/internal/ingest"
	"census/internal/member"
	"census/internal/population"
	"census/internal/verification"
	"census/pkg/wire"
)

// Ingestor triggers the file pipeline.
type Ingestor interface {
	ProcessFile(ctx context.Context, name, bucket string) error
}

// FileReader serves file status lookups.
type FileReader interface {
	Get(ctx context.Context, id int64) (*ingest.File, error)
}

// VerificationService is the slice of the verification service the handlers
// drive.
type VerificationService interface {
	GetByPrimary(ctx context.Context, dateOfBirth, email string) (*member.Member, error)
	GetBySecondary(ctx context.Context, dateOfBirth, firstName, lastName, workState string) (*member.Member, error)
	GetByTertiary(ctx context.Context, dateOfBirth, uniqueCorpID string) (*member.Member, error)
	GetByClientSpecific(ctx context.Context, organizationID int64, uniqueCorpID, dateOfBirth string) (*member.Member, error)
	GetByOrgIdentity(ctx context.Context, organizationID int64, uniqueCorpID, dependentID string) (*member.Member, error)
	GetByOvereligibility(ctx context.Context, dateOfBirth, firstName, lastName string) ([]member.Member, error)
	Create(ctx context.Context, req verification.CreateRequest) (*wire.EligibilityVerificationForUser, error)
	CreateBulk(ctx context.Context, req verification.CreateRequest, members []member.Member) ([]wire.EligibilityVerificationForUser, error)
	Deactivate(ctx context.Context, verificationID, userID int64) error
	GetForUser(ctx context.Context, userID int64) ([]wire.EligibilityVerificationForUser, error)
}

// PopulationService resolves members to sub-populations and serves features.
type PopulationService interface {
	AssignMember(ctx context.Context, m *member.Member) (*population.MemberSubPopulation, error)
	Features(ctx context.Context, subPopulationID int64, featureType int) ([]int64, error)
}

// MemberDirectory serves member sub-resources maintained by ingest.
type MemberDirectory interface {
	AddressByMemberID(ctx context.Context, memberID int64) (*member.Address, error)
}

// Handler bundles the services behind the router.
type Handler struct {
	ingestor      Ingestor
	files         FileReader
	verifications VerificationService
	populations   PopulationService
	members       MemberDirectory
	logger        *slog.Logger
}

// NewHandler wires the HTTP layer.
func NewHandler(
	ingestor Ingestor,
	files FileReader,
	verifications VerificationService,
	populations PopulationService,
	members MemberDirectory,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		ingestor:      ingestor,
		files:         files,
		verifications: verifications,
		populations:   populations,
		members:       members,
		logger:        logger,
	}
}

// NewRouter builds the chi router with the standard middleware chain.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(captureUserAgent)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/files", func(r chi.Router) {
		r.Post("/", h.handleProcessFile)
		r.Get("/{fileID}", h.handleGetFile)
	})

	r.Route("/verifications", func(r chi.Router) {
		r.Post("/lookup", h.handleLookup)
		r.Post("/", h.handleCreateVerification)
		r.Delete("/{verificationID}", h.handleDeactivateVerification)
	})
	r.Get("/users/{userID}/verifications", h.handleGetUserVerifications)
	r.Get("/members/{memberID}/address", h.handleMemberAddress)

	r.Route("/populations", func(r chi.Router) {
		r.Post("/assignments", h.handleAssignSubPopulation)
	})
	r.Get("/sub-populations/{subPopulationID}/features", h.handleSubPopulationFeatures)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a domain error into the wire vocabulary. Internal
// kinds are logged with the cause; the response body carries the kind only.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := wire.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", "kind", kind, "error", err)
	}
	respond(w, status, map[string]string{"error": string(kind)})
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
