package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

// ErrNotFound is returned when no data directory holds the requested voice.
var ErrNotFound = errors.New("voice not found")

// Record describes a loaded voice. It is immutable once loaded.
type Record struct {
	ID        string
	ModelPath string
	Config    Config
}

// Voice is a loaded voice ready for synthesis.
type Voice struct {
	Record
	Engine tts.Engine
}

// LoadHook is notified after a voice has been loaded and inserted.
type LoadHook func(ctx context.Context, v *Voice, took time.Duration)

// Cache maps voice ids to loaded voices. Entries are inserted once and never evicted,
// so an id always resolves to the same *Voice for the life of the process.
type Cache struct {
	dataDirs []string
	loader   tts.Loader
	log      *slog.Logger
	hook     LoadHook

	mu     sync.RWMutex
	voices map[string]*Voice
	group  singleflight.Group

	loads metric.Int64Counter
}

func NewCache(dataDirs []string, loader tts.Loader, log *slog.Logger) *Cache {
	c := &Cache{
		dataDirs: append([]string(nil), dataDirs...),
		loader:   loader,
		log:      log.With(slog.String("component", "voice-cache")),
		voices:   make(map[string]*Voice),
	}
	loads, err := otel.Meter("github.com/loqalabs/loqa-tts/voice").Int64Counter(
		"tts.voice.loads",
		metric.WithDescription("Voice models loaded into the cache"),
	)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	c.loads = loads
	return c
}

// OnLoad registers a hook called after each successful load.
func (c *Cache) OnLoad(hook LoadHook) {
	c.hook = hook
}

// Preload loads the model at modelPath under id, bypassing the data directory search.
func (c *Cache) Preload(ctx context.Context, id, modelPath string) (*Voice, error) {
	v, err, _ := c.group.Do(id, func() (any, error) {
		if v, ok := c.lookup(id); ok {
			return v, nil
		}
		return c.load(ctx, id, modelPath)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Voice), nil
}

// Get returns the cached voice for id, loading it from the data directories on first use.
// Concurrent callers for the same id share a single load. The load itself is not cancelled
// when one caller's ctx is; the caller merely stops waiting.
func (c *Cache) Get(ctx context.Context, id string) (*Voice, error) {
	if v, ok := c.lookup(id); ok {
		return v, nil
	}
	if !validID(id) {
		return nil, ErrNotFound
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		if v, ok := c.lookup(id); ok {
			return v, nil
		}
		path, ok := FindModel(c.dataDirs, id)
		if !ok {
			return nil, ErrNotFound
		}
		return c.load(loadCtx, id, path)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Voice), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many voices are loaded.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.voices)
}

func (c *Cache) lookup(id string) (*Voice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.voices[id]
	return v, ok
}

func (c *Cache) load(ctx context.Context, id, modelPath string) (*Voice, error) {
	start := time.Now()
	c.log.Debug("loading voice", slog.String("voice", id), slog.String("model", modelPath))

	cfg, err := ReadConfig(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load voice %s: %w", id, err)
	}
	engine, err := c.loader.Load(ctx, tts.ModelSpec{Path: modelPath, SampleRate: cfg.SampleRate, Channels: cfg.Channels})
	if err != nil {
		return nil, fmt.Errorf("load voice %s: %w", id, err)
	}
	v := &Voice{
		Record: Record{ID: id, ModelPath: modelPath, Config: cfg},
		Engine: engine,
	}

	c.mu.Lock()
	if existing, ok := c.voices[id]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.voices[id] = v
	c.mu.Unlock()

	took := time.Since(start)
	if c.loads != nil {
		c.loads.Add(ctx, 1, metric.WithAttributes(attribute.String("voice", id)))
	}
	c.log.Info("voice loaded",
		slog.String("voice", id),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("num_speakers", cfg.NumSpeakers),
		slog.Duration("took", took))
	if c.hook != nil {
		c.hook(ctx, v, took)
	}
	return v, nil
}
