package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/protocol"
)

const recorderBuffer = 256

type eventStore interface {
	Append(ctx context.Context, evt protocol.Event) error
}

type eventPublisher interface {
	Publish(evt protocol.Event) error
}

// eventRecorder hands events to the history store and the bus from a single goroutine
// so request handlers never wait on either. Events are dropped when the buffer is full.
type eventRecorder struct {
	store     eventStore
	publisher eventPublisher
	events    chan protocol.Event
	log       *slog.Logger
}

func newEventRecorder(store eventStore, publisher eventPublisher, log *slog.Logger) *eventRecorder {
	return &eventRecorder{
		store:     store,
		publisher: publisher,
		events:    make(chan protocol.Event, recorderBuffer),
		log:       log.With(slog.String("component", "events")),
	}
}

func (r *eventRecorder) Record(_ context.Context, evt protocol.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case r.events <- evt:
	default:
		r.log.Warn("event buffer full, dropping event", slog.String("type", evt.Type), slog.String("voice", evt.Voice))
	}
}

// Run delivers events until ctx is done, then flushes what is already buffered.
func (r *eventRecorder) Run(ctx context.Context) {
	for {
		select {
		case evt := <-r.events:
			r.deliver(ctx, evt)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *eventRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-r.events:
			r.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (r *eventRecorder) deliver(ctx context.Context, evt protocol.Event) {
	if r.store != nil {
		if err := r.store.Append(ctx, evt); err != nil {
			r.log.Warn("failed to store event", slog.String("type", evt.Type), slog.String("error", err.Error()))
		}
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(evt); err != nil {
			r.log.Warn("failed to publish event", slog.String("type", evt.Type), slog.String("error", err.Error()))
		}
	}
}
