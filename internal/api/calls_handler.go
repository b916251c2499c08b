package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/rtcManager"
)

// CallDirectory is the view of the running sessions the API works on.
// rtcManager.Registry implements it.
type CallDirectory interface {
	List() []rtcManager.Snapshot
	Describe(id string) (rtcManager.CallDetail, error)
	End(ctx context.Context, id string) error
	SetRecording(ctx context.Context, id string, on bool) error
	Screenshot(ctx context.Context, id string) (string, error)
}

// NoticeSource returns retained notices for a call.
type NoticeSource interface {
	Recent(callID string) []notification.Notice
}

// CallsHandler serves the session list and per-call controls.
type CallsHandler struct {
	calls   CallDirectory
	notices NoticeSource
	logger  *zap.Logger
}

func NewCallsHandler(calls CallDirectory, notices NoticeSource, logger *zap.Logger) *CallsHandler {
	return &CallsHandler{calls: calls, notices: notices, logger: logger}
}

func (h *CallsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/calls", h.handleList)
	r.Get("/api/calls/{callId}", h.handleGet)
	r.Post("/api/calls/{callId}/end", h.handleEnd)
	r.Post("/api/calls/{callId}/recording", h.handleRecording)
	r.Post("/api/calls/{callId}/screenshot", h.handleScreenshot)
	r.Get("/api/calls/{callId}/notices", h.handleNotices)
}

func (h *CallsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	calls := h.calls.List()
	if calls == nil {
		calls = []rtcManager.Snapshot{}
	}
	writeJSON(w, http.StatusOK, calls, h.logger)
}

func (h *CallsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	detail, err := h.calls.Describe(chi.URLParam(r, "callId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail, h.logger)
}

func (h *CallsHandler) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callId")
	if err := h.calls.End(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Info("Call ended via API", zap.String("callId", id))
	w.WriteHeader(http.StatusNoContent)
}

type recordingRequest struct {
	Recording *bool `json:"recording"`
}

func (h *CallsHandler) handleRecording(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Recording == nil {
		http.Error(w, `Body must be {"recording": true|false}`, http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "callId")
	if err := h.calls.SetRecording(r.Context(), id, *req.Recording); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"recording": *req.Recording}, h.logger)
}

func (h *CallsHandler) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	url, err := h.calls.Screenshot(r.Context(), chi.URLParam(r, "callId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url}, h.logger)
}

func (h *CallsHandler) handleNotices(w http.ResponseWriter, r *http.Request) {
	if h.notices == nil {
		http.Error(w, "Notices not available", http.StatusServiceUnavailable)
		return
	}
	notices := h.notices.Recent(chi.URLParam(r, "callId"))
	if notices == nil {
		notices = []notification.Notice{}
	}
	writeJSON(w, http.StatusOK, notices, h.logger)
}

// fail maps session errors onto status codes. Errors the session raised
// for the request itself are conflicts with its current state.
func (h *CallsHandler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rtcManager.ErrUnknownCall):
		status = http.StatusNotFound
	case callerr.KindOf(err) == callerr.Upload:
		status = http.StatusBadGateway
	case callerr.KindOf(err) != callerr.Unknown:
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Call request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}
