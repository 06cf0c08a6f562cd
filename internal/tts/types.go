package tts

import "context"

// Chunk is one increment of synthesized audio, usually one sentence.
// PCM holds signed 16-bit little-endian samples.
type Chunk struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// SynthesisConfig is the fully resolved parameter set handed to an engine.
// SpeakerID is nil for single-speaker voices where no speaker was requested.
type SynthesisConfig struct {
	SpeakerID   *int
	LengthScale float64
	NoiseScale  float64
	NoiseWScale float64
}

// Stream yields chunks in production order. Next returns io.EOF once the
// utterance is complete. A Stream is not restartable and must be closed.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Engine synthesizes speech for one loaded voice model.
type Engine interface {
	Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (Stream, error)
}

// ModelSpec identifies a model file and the audio format it produces.
type ModelSpec struct {
	Path       string
	SampleRate int
	Channels   int
}

// Loader turns a model on disk into a ready engine. Loading is assumed expensive.
type Loader interface {
	Load(ctx context.Context, model ModelSpec) (Engine, error)
}
