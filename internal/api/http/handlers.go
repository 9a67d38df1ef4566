package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/db/repository"
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// defaultTopLimit is the number of records returned by /iterations/top without a limit.
const defaultTopLimit = 10

// Handler provides the read-only REST handlers of the status server.
type Handler struct {
	run    RunView
	repos  *repository.Repositories
	logger *zap.Logger
}

// NewHandler creates a new Handler instance. repos may be nil when no database is configured.
func NewHandler(run RunView, repos *repository.Repositories, logger *zap.Logger) *Handler {
	return &Handler{
		run:    run,
		repos:  repos,
		logger: logger,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var errNoDatabase = errors.New("database not configured")

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// writeStoreError maps repository errors to status codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err, message)
		return
	}
	h.logger.Error(message, zap.Error(err))
	writeError(w, http.StatusInternalServerError, err, message)
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.run.Status())
}

// GetChampion handles GET /champion.
func (h *Handler) GetChampion(w http.ResponseWriter, r *http.Request) {
	champ, ok := h.run.Champion()
	if !ok {
		writeError(w, http.StatusNotFound, domain.NewNotFoundError("champion", "current"), "no candidate has passed validation yet")
		return
	}
	writeJSON(w, http.StatusOK, champ)
}

// GetLineage handles GET /champion/lineage.
func (h *Handler) GetLineage(w http.ResponseWriter, r *http.Request) {
	lineage := h.run.Lineage()
	if lineage == nil {
		lineage = []domain.LineageEntry{}
	}
	writeJSON(w, http.StatusOK, lineage)
}

// GetHallOfFame handles GET /hall-of-fame.
func (h *Handler) GetHallOfFame(w http.ResponseWriter, r *http.Request) {
	records := h.run.HallOfFame()
	if records == nil {
		records = []domain.IterationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetIteration handles GET /iterations/{iteration}.
func (h *Handler) GetIteration(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDatabase, "iteration lookup needs the database mirror")
		return
	}
	n, err := strconv.Atoi(r.PathValue("iteration"))
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid iteration number"), "")
		return
	}

	rec, err := h.repos.Iteration.GetByIteration(r.Context(), n)
	if err != nil {
		h.writeStoreError(w, err, "failed to get iteration")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetTopValidated handles GET /iterations/top?limit=N.
func (h *Handler) GetTopValidated(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDatabase, "ranking needs the database mirror")
		return
	}
	limit := defaultTopLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"), "")
			return
		}
		limit = min(n, 100)
	}

	records, err := h.repos.Iteration.TopValidated(r.Context(), limit)
	if err != nil {
		h.writeStoreError(w, err, "failed to rank iterations")
		return
	}
	if records == nil {
		records = []domain.IterationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetLatestRun handles GET /runs/latest.
func (h *Handler) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDatabase, "run history needs the database mirror")
		return
	}
	s, err := h.repos.Run.Latest(r.Context())
	if err != nil {
		h.writeStoreError(w, err, "failed to get latest run")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repos == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDatabase, "run history needs the database mirror")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "invalid run id")
		return
	}
	s, err := h.repos.Run.GetByID(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
