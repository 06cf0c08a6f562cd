package bus

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, EmbeddedHost: "127.0.0.1", EmbeddedPort: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(config.BusConfig{}, "test", newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestPublishUsesTypedSubject(t *testing.T) {
	srv := startServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("tts.events.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	client, err := Connect(config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "tts.events",
	}, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}

	evt := protocol.Event{RequestID: "req-1", Type: protocol.EventSynthesisCompleted, Voice: "en_US-lessac-medium"}
	if err := client.Publish(evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "tts.events.synthesis.completed" {
			t.Fatalf("unexpected subject %q", msg.Subject)
		}
		var got protocol.Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.RequestID != "req-1" || got.Voice != "en_US-lessac-medium" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}
