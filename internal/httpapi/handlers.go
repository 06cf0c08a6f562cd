package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

const maxBodyBytes = 1 << 20

type healthResponse struct {
	Status       string `json:"status"`
	Model        string `json:"model"`
	VoicesLoaded int    `json:"voices_loaded"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "ok",
		Model:        rt.deps.DefaultVoice.ID,
		VoicesLoaded: rt.deps.Voices.Len(),
	})
}

func (rt *Router) handleVoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, voice.ListLocal(rt.deps.DefaultVoice.ModelPath, rt.deps.DataDirs))
}

func (rt *Router) handleAllVoices(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.deps.Catalog.Voices(r.Context())
	if err != nil {
		rt.logger.Error("failed to fetch voice catalog", slogError(err))
		writeError(w, http.StatusBadGateway, "failed to fetch voice catalog")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

type downloadRequest struct {
	Voice           string `json:"voice"`
	ForceRedownload bool   `json:"force_redownload"`
}

func (rt *Router) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	id := strings.TrimSpace(req.Voice)
	if id == "" {
		writeError(w, http.StatusBadRequest, "voice is required")
		return
	}

	start := time.Now()
	if err := rt.deps.Catalog.Download(r.Context(), id, rt.deps.DownloadDir, req.ForceRedownload); err != nil {
		rt.logger.Error("voice download failed", slog.String("voice", id), slogError(err))
		writeError(w, http.StatusBadGateway, "failed to download voice "+id)
		return
	}
	rt.logger.Info("voice downloaded",
		slog.String("voice", id),
		slog.String("dir", rt.deps.DownloadDir),
		slog.Bool("force", req.ForceRedownload))
	rt.deps.Recorder.Record(r.Context(), protocol.Event{
		Type:      protocol.EventVoiceDownloaded,
		Voice:     id,
		Timestamp: time.Now().UTC(),
		Attributes: map[string]any{
			"dir":         rt.deps.DownloadDir,
			"force":       req.ForceRedownload,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	writeJSON(w, http.StatusOK, id)
}

// decodeBody reads a single JSON value from the request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}
