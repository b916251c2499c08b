package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
)

// RecordingsHandler lists the uploaded recordings of a claim.
type RecordingsHandler struct {
	index  storage.RecordingIndex
	logger *zap.Logger
}

func NewRecordingsHandler(index storage.RecordingIndex, logger *zap.Logger) *RecordingsHandler {
	return &RecordingsHandler{index: index, logger: logger}
}

func (h *RecordingsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/claims/{claimId}/recordings", h.handleList)
}

func (h *RecordingsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimId")
	recs, err := h.index.RecordingsForClaim(r.Context(), claimID)
	if err != nil {
		h.logger.Error("Failed to list recordings", zap.String("claimId", claimID), zap.Error(err))
		http.Error(w, "Failed to list recordings", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*storage.Recording{}
	}
	writeJSON(w, http.StatusOK, recs, h.logger)
}
