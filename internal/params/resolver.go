// Package params resolves the synthesis parameters for a request.
//
// Each scale is taken from the request, else the launch-time default, else the voice's own
// default. Speaker selection never fails: unknown names and out-of-range ids fall back with a
// warning.
package params

import (
	"log/slog"
	"sort"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

// Defaults are the launch-time values. Nil means "not configured".
type Defaults struct {
	Speaker     *int
	LengthScale *float64
	NoiseScale  *float64
	NoiseWScale *float64
}

// DefaultsFromConfig copies the optional launch defaults out of the configuration.
func DefaultsFromConfig(cfg config.SynthesisConfig) Defaults {
	return Defaults{
		Speaker:     cfg.Speaker,
		LengthScale: cfg.LengthScale,
		NoiseScale:  cfg.NoiseScale,
		NoiseWScale: cfg.NoiseWScale,
	}
}

// Request carries the per-request overrides. Nil means "not supplied".
type Request struct {
	Speaker     string
	SpeakerID   *int
	LengthScale *float64
	NoiseScale  *float64
	NoiseWScale *float64
}

type Resolver struct {
	defaults Defaults
	logger   *slog.Logger
}

func NewResolver(defaults Defaults, logger *slog.Logger) *Resolver {
	return &Resolver{defaults: defaults, logger: logger.With(slog.String("component", "params"))}
}

// Resolve computes the effective synthesis configuration for one request.
func (r *Resolver) Resolve(req Request, v voice.Record) tts.SynthesisConfig {
	return tts.SynthesisConfig{
		SpeakerID:   r.speaker(req, v),
		LengthScale: cascade(req.LengthScale, r.defaults.LengthScale, v.Config.LengthScale),
		NoiseScale:  cascade(req.NoiseScale, r.defaults.NoiseScale, v.Config.NoiseScale),
		NoiseWScale: cascade(req.NoiseWScale, r.defaults.NoiseWScale, v.Config.NoiseWScale),
	}
}

func cascade(request, launch *float64, voiceDefault float64) float64 {
	if request != nil {
		return *request
	}
	if launch != nil {
		return *launch
	}
	return voiceDefault
}

func (r *Resolver) speaker(req Request, v voice.Record) *int {
	speakerID := copyInt(req.SpeakerID)

	if speakerID == nil && v.Config.NumSpeakers > 1 {
		if req.Speaker != "" {
			if id, ok := v.Config.SpeakerIDMap[req.Speaker]; ok {
				speakerID = &id
			}
		}
		if speakerID == nil {
			r.logger.Warn("speaker not found",
				slog.String("speaker", req.Speaker),
				slog.String("voice", v.ID),
				slog.Any("available", speakerNames(v.Config.SpeakerIDMap)))
			fallback := 0
			if r.defaults.Speaker != nil {
				fallback = *r.defaults.Speaker
			}
			speakerID = &fallback
		}
	}

	if speakerID != nil && (*speakerID < 0 || *speakerID >= v.Config.NumSpeakers) {
		r.logger.Warn("speaker id out of range, using 0",
			slog.Int("speaker_id", *speakerID),
			slog.Int("num_speakers", v.Config.NumSpeakers),
			slog.String("voice", v.ID))
		zero := 0
		speakerID = &zero
	}
	return speakerID
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func speakerNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
