package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

const multiSpeakerDoc = `{
  "audio": {"sample_rate": 16000, "quality": "low"},
  "num_speakers": 3,
  "speaker_id_map": {"alice": 0, "bob": 1, "carol": 2},
  "inference": {"noise_scale": 0.5, "length_scale": 1.1, "noise_w": 0.7}
}`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingLoader struct {
	calls atomic.Int32
	delay time.Duration
}

func (l *countingLoader) Load(_ context.Context, model tts.ModelSpec) (tts.Engine, error) {
	l.calls.Add(1)
	time.Sleep(l.delay)
	return tts.NewMockEngine(model.SampleRate, model.Channels), nil
}

func writeVoice(t *testing.T, dir, id, doc string) string {
	t.Helper()
	model := filepath.Join(dir, id+ModelExt)
	if err := os.WriteFile(model, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
	if doc != "" {
		if err := os.WriteFile(model+".json", []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return model
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SampleRate != DefaultSampleRate || cfg.Channels != 1 || cfg.NumSpeakers != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NoiseScale != DefaultNoiseScale || cfg.LengthScale != DefaultLengthScale || cfg.NoiseWScale != DefaultNoiseWScale {
		t.Fatalf("unexpected scale defaults %+v", cfg)
	}
}

func TestParseConfigMultiSpeaker(t *testing.T) {
	cfg, err := ParseConfig([]byte(multiSpeakerDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SampleRate != 16000 || cfg.NumSpeakers != 3 || cfg.SpeakerIDMap["carol"] != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.NoiseScale != 0.5 || cfg.LengthScale != 1.1 || cfg.NoiseWScale != 0.7 {
		t.Fatalf("unexpected scales %+v", cfg)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	if _, err := ParseConfig([]byte("nope")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCacheGetIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeVoice(t, dir, "en_US-test-low", multiSpeakerDoc)
	loader := &countingLoader{}
	cache := NewCache([]string{dir}, loader, newLogger())

	first, err := cache.Get(context.Background(), "en_US-test-low")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := cache.Get(context.Background(), "en_US-test-low")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same instance")
	}
	if n := loader.calls.Load(); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
	if first.Config.NumSpeakers != 3 {
		t.Fatalf("expected config loaded with voice")
	}
}

func TestCacheSingleFlight(t *testing.T) {
	dir := t.TempDir()
	writeVoice(t, dir, "en_US-slow-low", multiSpeakerDoc)
	loader := &countingLoader{delay: 50 * time.Millisecond}
	cache := NewCache([]string{dir}, loader, newLogger())

	var wg sync.WaitGroup
	results := make([]*Voice, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := cache.Get(context.Background(), "en_US-slow-low")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if n := loader.calls.Load(); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
	for i, v := range results {
		if v != results[0] {
			t.Fatalf("result %d differs from first", i)
		}
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one cached voice, got %d", cache.Len())
	}
}

func TestCacheSearchesDataDirsInOrder(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeVoice(t, second, "shared", `{"audio": {"sample_rate": 8000}}`)
	want := writeVoice(t, first, "shared", `{"audio": {"sample_rate": 44100}}`)

	cache := NewCache([]string{first, second}, &countingLoader{}, newLogger())
	v, err := cache.Get(context.Background(), "shared")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.ModelPath != want || v.Config.SampleRate != 44100 {
		t.Fatalf("expected voice from first data dir, got %+v", v.Record)
	}
}

func TestCacheNotFound(t *testing.T) {
	cache := NewCache([]string{t.TempDir()}, &countingLoader{}, newLogger())
	for _, id := range []string{"missing", "../etc/passwd", ""} {
		if _, err := cache.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%q: expected ErrNotFound, got %v", id, err)
		}
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache")
	}
}

func TestCacheLoadFailureIsNotCached(t *testing.T) {
	dir := t.TempDir()
	writeVoice(t, dir, "broken", "")
	loader := &countingLoader{}
	cache := NewCache([]string{dir}, loader, newLogger())

	if _, err := cache.Get(context.Background(), "broken"); err == nil {
		t.Fatalf("expected error for voice without config")
	}
	if cache.Len() != 0 {
		t.Fatalf("failed load must not be cached")
	}
}

func TestPreloadAndHook(t *testing.T) {
	dir := t.TempDir()
	model := writeVoice(t, dir, "default", multiSpeakerDoc)
	cache := NewCache(nil, &countingLoader{}, newLogger())

	var hooked string
	cache.OnLoad(func(_ context.Context, v *Voice, _ time.Duration) { hooked = v.ID })

	v, err := cache.Preload(context.Background(), "default", model)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	if hooked != "default" {
		t.Fatalf("expected load hook to fire")
	}
	got, err := cache.Get(context.Background(), "default")
	if err != nil || got != v {
		t.Fatalf("expected preloaded voice from cache, got %v, %v", got, err)
	}
}

func TestResolveModelPath(t *testing.T) {
	dir := t.TempDir()
	model := writeVoice(t, dir, "en_GB-alba-medium", "{}")

	got, err := ResolveModelPath(model, nil)
	if err != nil || got != model {
		t.Fatalf("expected direct path, got %q, %v", got, err)
	}
	got, err = ResolveModelPath("en_GB-alba-medium", []string{t.TempDir(), dir})
	if err != nil || got != model {
		t.Fatalf("expected lookup by id, got %q, %v", got, err)
	}
	if _, err := ResolveModelPath("nope", []string{dir}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ModelID(model) != "en_GB-alba-medium" {
		t.Fatalf("unexpected model id %q", ModelID(model))
	}
}

func TestListLocal(t *testing.T) {
	defaultDir, dataDir := t.TempDir(), t.TempDir()
	defaultModel := writeVoice(t, defaultDir, "main", `{"tag": "default"}`)
	writeVoice(t, dataDir, "main", `{"tag": "shadowed"}`)
	writeVoice(t, dataDir, "extra", `{"tag": "extra"}`)
	writeVoice(t, dataDir, "noconfig", "")
	writeVoice(t, dataDir, "garbage", "not json")

	voices := ListLocal(defaultModel, []string{dataDir})
	if len(voices) != 2 {
		t.Fatalf("expected 2 voices, got %d: %v", len(voices), voices)
	}
	if string(voices["main"]) != `{"tag": "default"}` {
		t.Fatalf("expected default model document to win, got %s", voices["main"])
	}
	if _, ok := voices["extra"]; !ok {
		t.Fatalf("expected extra voice listed")
	}
}
