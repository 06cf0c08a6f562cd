package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/params"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

// HeaderSynthesisID carries the id under which a synthesis is recorded.
const HeaderSynthesisID = "X-Synthesis-Id"

type synthesizeRequest struct {
	Text        string   `json:"text"`
	Voice       string   `json:"voice"`
	Speaker     string   `json:"speaker"`
	SpeakerID   *int     `json:"speaker_id"`
	LengthScale *float64 `json:"length_scale"`
	NoiseScale  *float64 `json:"noise_scale"`
	NoiseWScale *float64 `json:"noise_w_scale"`
	OutputRaw   bool     `json:"output_raw"`
}

func (rt *Router) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}

	ctx := r.Context()
	start := time.Now()
	id := uuid.NewString()
	mode := audio.Container
	if req.OutputRaw {
		mode = audio.Raw
	}

	ctx, span := rt.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.synthesis_id", id),
		attribute.String("tts.mode", mode.String()),
		attribute.Int("tts.text_length", len(text)),
	))
	defer span.End()

	v := rt.resolveVoice(ctx, req.Voice)
	if v == nil {
		// Client went away while waiting for the voice.
		return
	}
	cfg := rt.deps.Resolver.Resolve(params.Request{
		Speaker:     req.Speaker,
		SpeakerID:   req.SpeakerID,
		LengthScale: req.LengthScale,
		NoiseScale:  req.NoiseScale,
		NoiseWScale: req.NoiseWScale,
	}, v.Record)
	span.SetAttributes(attribute.String("tts.voice", v.ID))

	log := rt.logger.With(slog.String("synthesis_id", id), slog.String("voice", v.ID))
	log.Debug("synthesizing",
		slog.String("text", text),
		slog.String("mode", mode.String()),
		slog.Any("speaker_id", cfg.SpeakerID),
		slog.Float64("length_scale", cfg.LengthScale),
		slog.Float64("noise_scale", cfg.NoiseScale),
		slog.Float64("noise_w_scale", cfg.NoiseWScale))

	summary := protocol.SynthesisSummary{
		Mode:       mode.String(),
		SpeakerID:  cfg.SpeakerID,
		TextLength: len(text),
		Silence:    rt.deps.SentenceSilence,
	}
	finish := func(outcome string, err error) {
		took := time.Since(start)
		summary.DurationMS = took.Milliseconds()
		evtType := protocol.EventSynthesisCompleted
		if err != nil {
			summary.Error = err.Error()
			evtType = protocol.EventSynthesisFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.Int("tts.chunks", summary.Chunks), attribute.Int64("tts.bytes", summary.Bytes))
		rt.observe(ctx, v.ID, mode, outcome, summary.Bytes, took)
		rt.deps.Recorder.Record(context.WithoutCancel(ctx), protocol.Event{
			RequestID:  id,
			Type:       evtType,
			Voice:      v.ID,
			Timestamp:  time.Now().UTC(),
			Attributes: summary.Attributes(),
		})
	}

	stream, err := v.Engine.Synthesize(ctx, text, cfg)
	if err != nil {
		log.Error("synthesis failed to start", slogError(err))
		writeError(w, http.StatusInternalServerError, "synthesis failed")
		finish("engine_error", err)
		return
	}
	framer := audio.NewFramer(stream, mode, rt.deps.SentenceSilence)
	defer framer.Close()

	// Nothing is committed until the first frame exists, so early engine failures can still be reported.
	first, err := framer.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		w.Header().Set("Content-Type", mode.ContentType())
		w.Header().Set(HeaderSynthesisID, id)
		w.WriteHeader(http.StatusOK)
		log.Warn("synthesis produced no audio")
		finish("empty", nil)
		return
	case err != nil:
		if ctx.Err() != nil {
			log.Info("client disconnected before audio started")
			finish("cancelled", err)
			return
		}
		log.Error("synthesis failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "synthesis failed")
		finish("engine_error", err)
		return
	}

	w.Header().Set("Content-Type", mode.ContentType())
	w.Header().Set(HeaderSynthesisID, id)
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(first)
	summary.Bytes = int64(n)
	if err == nil {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		var rest int64
		rest, err = audio.Copy(ctx, w, framer)
		summary.Bytes += rest
	}
	summary.Chunks = framer.Chunks()

	switch {
	case err == nil:
		log.Info("synthesis completed",
			slog.Int("chunks", summary.Chunks),
			slog.Int64("bytes", summary.Bytes),
			slog.Duration("duration", time.Since(start)))
		finish("ok", nil)
	case ctx.Err() != nil:
		log.Info("client disconnected during streaming", slog.Int64("bytes", summary.Bytes))
		finish("cancelled", err)
	default:
		log.Error("synthesis stream truncated", slog.Int64("bytes", summary.Bytes), slogError(err))
		finish("truncated", err)
	}
}

// resolveVoice returns the requested voice, or the default voice when it is missing or fails to load.
// It returns nil only when ctx is done.
func (rt *Router) resolveVoice(ctx context.Context, id string) *voice.Voice {
	id = strings.TrimSpace(id)
	if id == "" || id == rt.deps.DefaultVoice.ID {
		return rt.deps.DefaultVoice
	}
	v, err := rt.deps.Voices.Get(ctx, id)
	if err == nil {
		return v
	}
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, voice.ErrNotFound) {
		rt.logger.Warn("voice not found, using default",
			slog.String("voice", id),
			slog.String("default", rt.deps.DefaultVoice.ID))
	} else {
		rt.logger.Warn("voice failed to load, using default",
			slog.String("voice", id),
			slog.String("default", rt.deps.DefaultVoice.ID),
			slogError(err))
	}
	return rt.deps.DefaultVoice
}

func (rt *Router) observe(ctx context.Context, voiceID string, mode audio.Mode, outcome string, bytes int64, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("voice", voiceID),
		attribute.String("mode", mode.String()),
		attribute.String("outcome", outcome),
	)
	ctx = context.WithoutCancel(ctx)
	if rt.metrics.requests != nil {
		rt.metrics.requests.Add(ctx, 1, attrs)
	}
	if rt.metrics.bytes != nil && bytes > 0 {
		rt.metrics.bytes.Add(ctx, bytes, attrs)
	}
	if rt.metrics.duration != nil {
		rt.metrics.duration.Record(ctx, took.Seconds(), attrs)
	}
}
