package protocol

import "time"

// Event types recorded in history and published on the bus.
const (
	EventSynthesisCompleted = "synthesis.completed"
	EventSynthesisFailed    = "synthesis.failed"
	EventVoiceLoaded        = "voice.loaded"
	EventVoiceDownloaded    = "voice.downloaded"
)

// Event describes something the server did.
type Event struct {
	RequestID  string         `json:"request_id,omitempty"`
	Type       string         `json:"type"`
	Voice      string         `json:"voice"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SynthesisSummary is attached to synthesis events.
type SynthesisSummary struct {
	Mode       string  `json:"mode"`
	SpeakerID  *int    `json:"speaker_id,omitempty"`
	TextLength int     `json:"text_length"`
	Chunks     int     `json:"chunks"`
	Bytes      int64   `json:"bytes"`
	DurationMS int64   `json:"duration_ms"`
	Silence    float64 `json:"sentence_silence"`
	Error      string  `json:"error,omitempty"`
}

// Attributes flattens the summary for Event.Attributes.
func (s SynthesisSummary) Attributes() map[string]any {
	attrs := map[string]any{
		"mode":             s.Mode,
		"text_length":      s.TextLength,
		"chunks":           s.Chunks,
		"bytes":            s.Bytes,
		"duration_ms":      s.DurationMS,
		"sentence_silence": s.Silence,
	}
	if s.SpeakerID != nil {
		attrs["speaker_id"] = *s.SpeakerID
	}
	if s.Error != "" {
		attrs["error"] = s.Error
	}
	return attrs
}

// Subject returns the bus subject for an event type under prefix.
func Subject(prefix, eventType string) string {
	return prefix + "." + eventType
}
