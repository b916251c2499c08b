package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/rtcManager"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

// QualityHandler serves the link quality history of a call.
type QualityHandler struct {
	calls  CallDirectory
	logger *zap.Logger
}

func NewQualityHandler(calls CallDirectory, logger *zap.Logger) *QualityHandler {
	return &QualityHandler{calls: calls, logger: logger}
}

func (h *QualityHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/calls/{callId}/quality", h.handleGetQuality)
}

type qualityResponse struct {
	CallID  string                     `json:"callId"`
	Current *signaling.ConnectionStats `json:"current,omitempty"`
	Remote  *signaling.ConnectionStats `json:"remote,omitempty"`
	History []rtcManager.QualitySample `json:"history"`
}

func (h *QualityHandler) handleGetQuality(w http.ResponseWriter, r *http.Request) {
	detail, err := h.calls.Describe(chi.URLParam(r, "callId"))
	if err != nil {
		if errors.Is(err, rtcManager.ErrUnknownCall) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to read call quality", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := qualityResponse{
		CallID:  detail.CallID,
		Current: detail.Quality,
		Remote:  detail.RemoteQuality,
		History: detail.QualityHistory,
	}
	if resp.History == nil {
		resp.History = []rtcManager.QualitySample{}
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
