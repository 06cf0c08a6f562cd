package tts

import (
	"context"
	"encoding/binary"
	"io"
	"strings"
	"unicode"
)

// samplesPerRune sets how much audio the mock engine emits per character at length scale 1.
const samplesPerRune = 64

type mockLoader struct{}

// NewMockLoader returns a loader whose engines emit one square-wave chunk per sentence.
// It is meant for development setups without a synthesis binary.
func NewMockLoader() Loader {
	return mockLoader{}
}

func (mockLoader) Load(_ context.Context, model ModelSpec) (Engine, error) {
	return NewMockEngine(model.SampleRate, model.Channels), nil
}

type mockEngine struct {
	sampleRate int
	channels   int
}

func NewMockEngine(sampleRate, channels int) Engine {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockEngine{sampleRate: sampleRate, channels: channels}
}

func (m *mockEngine) Synthesize(_ context.Context, text string, cfg SynthesisConfig) (Stream, error) {
	scale := cfg.LengthScale
	if scale <= 0 {
		scale = 1
	}
	return &mockStream{engine: m, sentences: SplitSentences(text), scale: scale}, nil
}

type mockStream struct {
	engine    *mockEngine
	sentences []string
	scale     float64
	next      int
}

func (s *mockStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.next >= len(s.sentences) {
		return Chunk{}, io.EOF
	}
	sentence := s.sentences[s.next]
	s.next++

	samples := int(float64(len([]rune(sentence))*samplesPerRune)*s.scale) * s.engine.channels
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(3000)
		if (i/32)%2 == 1 {
			v = -3000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return Chunk{SampleRate: s.engine.sampleRate, Channels: s.engine.channels, PCM: pcm}, nil
}

func (s *mockStream) Close() error { return nil }

// SplitSentences breaks text on terminal punctuation, dropping empty pieces.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}
