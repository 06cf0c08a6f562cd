package tts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.onnx")
	if err := os.WriteFile(path, []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func drain(t *testing.T, s Stream) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestExecEngineStreamsChunks(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := writeScript(t, `echo "$@" > `+argsFile+`
cat > /dev/null
echo '{"pcm_base64":"AQACAA==","sample_rate":16000,"channels":1}'
echo ''
echo '{"pcm_base64":"AQACAA=="}'
`)
	model := writeModel(t)

	loader, err := NewExecLoader(script+" --quiet", true)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	engine, err := loader.Load(context.Background(), ModelSpec{Path: model, SampleRate: 22050, Channels: 1})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stream, err := engine.Synthesize(context.Background(), "Hello. World.", SynthesisConfig{LengthScale: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Close()

	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].SampleRate != 16000 {
		t.Fatalf("expected sample rate from output, got %d", chunks[0].SampleRate)
	}
	if chunks[1].SampleRate != 22050 || chunks[1].Channels != 1 {
		t.Fatalf("expected model defaults for second chunk, got %+v", chunks[1])
	}
	if string(chunks[0].PCM) != "\x01\x00\x02\x00" {
		t.Fatalf("unexpected pcm %v", chunks[0].PCM)
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(args)); got != "--quiet --model "+model+" --cuda" {
		t.Fatalf("unexpected args %q", got)
	}
}

func TestExecEngineReportsFailure(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "model is corrupt" >&2
exit 3
`)
	loader, err := NewExecLoader(script, false)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	engine, err := loader.Load(context.Background(), ModelSpec{Path: writeModel(t), SampleRate: 22050, Channels: 1})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	stream, err := engine.Synthesize(context.Background(), "Hello.", SynthesisConfig{})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Close()

	_, err = drain(t, stream)
	if err == nil || !strings.Contains(err.Error(), "model is corrupt") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecLoaderMissingModel(t *testing.T) {
	loader, err := NewExecLoader("piper", false)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if _, err := loader.Load(context.Background(), ModelSpec{Path: filepath.Join(t.TempDir(), "missing.onnx")}); err == nil {
		t.Fatalf("expected error for missing model")
	}
}

func TestNewExecLoaderEmptyCommand(t *testing.T) {
	if _, err := NewExecLoader("   ", false); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestMockEngineChunkPerSentence(t *testing.T) {
	engine := NewMockEngine(16000, 1)
	stream, err := engine.Synthesize(context.Background(), "One. Two! Three?", SynthesisConfig{LengthScale: 1})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	chunks, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if want := len("One.") * samplesPerRune * 2; len(chunks[0].PCM) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(chunks[0].PCM))
	}
	if chunks[2].SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", chunks[2].SampleRate)
	}
}

func TestMockStreamHonoursCancellation(t *testing.T) {
	stream, _ := NewMockEngine(0, 0).Synthesize(context.Background(), "One. Two.", SynthesisConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("  Dr.Who said hi. Then left!  And? ")
	want := []string{"Dr.Who said hi.", "Then left!", "And?"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
