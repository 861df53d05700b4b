package stitcher

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"hls-stitcher/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the stitcher's HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and
// optional Metrics. Metrics may be nil to disable metric recording.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// RegisterChannel handles POST /channels.
// Body: { "id": "sports1", "renditions": { "720p": "http://origin/720p.m3u8" }, "slate": {...} }.
func (h *Handler) RegisterChannel(w http.ResponseWriter, r *http.Request) {
	var cfg ChannelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.log.Debug("invalid channel body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.RegisterChannel(cfg); err != nil {
		switch {
		case errors.Is(err, ErrChannelEnded):
			h.log.Info("channel registration rejected, channel ended",
				slog.String("channel", string(cfg.ID)))
			w.WriteHeader(http.StatusConflict)
		default:
			h.log.Debug("channel registration invalid", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}

	h.log.Info("channel registered",
		slog.String("channel", string(cfg.ID)),
		slog.Int("renditions", len(cfg.Renditions)))
	w.WriteHeader(http.StatusCreated)
}

// GetPlaylist handles GET /channels/{channel_id}/renditions/{rendition}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	channelID := ChannelID(chi.URLParam(r, "channel_id"))
	renditionID := RenditionID(chi.URLParam(r, "rendition"))

	if channelID == "" || renditionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	playlist, err := h.svc.RenderPlaylist(r.Context(), channelID, renditionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrRenditionNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrOriginUnavailable):
			// Upstream failure surfaces as such, never as a
			// synthesized manifest.
			h.log.Warn("origin unavailable",
				slog.String("channel", string(channelID)),
				slog.String("rendition", string(renditionID)))
			w.WriteHeader(http.StatusBadGateway)
		case errors.Is(err, ErrIncompleteWindow):
			h.log.Error("refused to render incomplete window",
				slog.String("channel", string(channelID)),
				slog.String("rendition", string(renditionID)),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			h.log.Error("render playlist failed",
				slog.String("channel", string(channelID)),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(playlist))
	if h.metrics != nil {
		h.metrics.IncPlaylistsServed()
	}
}

// EndChannel handles POST /channels/{channel_id}/end.
func (h *Handler) EndChannel(w http.ResponseWriter, r *http.Request) {
	channelID := ChannelID(chi.URLParam(r, "channel_id"))
	if channelID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.EndChannel(channelID); err != nil {
		h.log.Error("end channel failed",
			slog.String("channel", string(channelID)),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.log.Info("channel ended", slog.String("channel", string(channelID)))
	w.WriteHeader(http.StatusOK)
	if h.metrics != nil {
		h.metrics.IncChannelsEnded()
	}
}
