// Package httpapi exposes synthesis and voice management over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/params"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

const instrumentationName = "github.com/loqalabs/loqa-tts/httpapi"

// Catalog is the upstream voice repository.
type Catalog interface {
	Voices(ctx context.Context) (json.RawMessage, error)
	Download(ctx context.Context, id, dir string, force bool) error
}

// Recorder receives server events. Implementations must not block for long.
type Recorder interface {
	Record(ctx context.Context, evt protocol.Event)
}

type Deps struct {
	DefaultVoice    *voice.Voice
	Voices          *voice.Cache
	Resolver        *params.Resolver
	Catalog         Catalog
	Recorder        Recorder
	DataDirs        []string
	DownloadDir     string
	SentenceSilence float64
	Interceptors    []Interceptor
	CORSOrigins     []string
	Logger          *slog.Logger
}

type Router struct {
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics apiMetrics
}

type apiMetrics struct {
	requests metric.Int64Counter
	bytes    metric.Int64Counter
	duration metric.Float64Histogram
}

func NewRouter(deps Deps) *Router {
	logger := deps.Logger.With(slog.String("component", "http"))
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Router{
		deps:    deps,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: newAPIMetrics(logger),
	}
}

func newAPIMetrics(logger *slog.Logger) apiMetrics {
	meter := otel.Meter(instrumentationName)
	var m apiMetrics
	var err error
	if m.requests, err = meter.Int64Counter("tts.requests",
		metric.WithDescription("Synthesis requests by outcome")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	if m.bytes, err = meter.Int64Counter("tts.audio.bytes",
		metric.WithDescription("Audio bytes streamed to clients"),
		metric.WithUnit("By")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	if m.duration, err = meter.Float64Histogram("tts.synthesis.duration",
		metric.WithDescription("Wall time from request to end of stream"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// Handler builds the HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(rt.logger))
	r.Use(chimiddleware.Recoverer)

	origins := rt.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(Intercept(rt.deps.Interceptors...))

	r.Get("/health", rt.handleHealth)
	r.Get("/healthz", rt.handleHealth)
	r.Get("/ready", rt.handleHealth)
	r.Get("/voices", rt.handleVoices)
	r.Get("/all-voices", rt.handleAllVoices)
	r.Post("/download", rt.handleDownload)
	r.Post("/", rt.handleSynthesize)

	return r
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, protocol.Event) {}
