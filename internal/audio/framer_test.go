package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

type sliceStream struct {
	chunks []tts.Chunk
	pulled int
	err    error
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (tts.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return tts.Chunk{}, err
	}
	if s.pulled >= len(s.chunks) {
		if s.err != nil {
			return tts.Chunk{}, s.err
		}
		return tts.Chunk{}, io.EOF
	}
	c := s.chunks[s.pulled]
	s.pulled++
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func pcm(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func frameAll(t *testing.T, src tts.Stream, mode Mode, silence float64) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := Copy(context.Background(), &buf, NewFramer(src, mode, silence)); err != nil {
		t.Fatalf("copy: %v", err)
	}
	return buf.Bytes()
}

func TestContainerHeader(t *testing.T) {
	src := &sliceStream{chunks: []tts.Chunk{
		{SampleRate: 22050, Channels: 1, PCM: pcm(10, 7)},
		{SampleRate: 16000, Channels: 2, PCM: pcm(4, 9)},
	}}
	out := frameAll(t, src, Container, 0)

	if len(out) != HeaderSize+14 {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+14, len(out))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[12:16]) != "fmt " || string(out[36:40]) != "data" {
		t.Fatalf("bad header markers: %q", out[:HeaderSize])
	}
	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", le.Uint32(out[4:8]), 0x7FFFFFFF},
		{"fmt size", le.Uint32(out[16:20]), 16},
		{"format", uint32(le.Uint16(out[20:22])), 1},
		{"channels", uint32(le.Uint16(out[22:24])), 1},
		{"sample rate", le.Uint32(out[24:28]), 22050},
		{"byte rate", le.Uint32(out[28:32]), 44100},
		{"block align", uint32(le.Uint16(out[32:34])), 2},
		{"bits", uint32(le.Uint16(out[34:36])), 16},
		{"data size", le.Uint32(out[40:44]), 0x7FFFFFFF},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, c.got, c.want)
		}
	}
	if !bytes.Equal(out[HeaderSize:HeaderSize+10], pcm(10, 7)) {
		t.Fatalf("expected first payload right after header")
	}
}

func TestStereoHeaderFields(t *testing.T) {
	h := Header(48000, 2)
	if got := binary.LittleEndian.Uint32(h[28:32]); got != 192000 {
		t.Fatalf("byte rate: got %d", got)
	}
	if got := binary.LittleEndian.Uint16(h[32:34]); got != 4 {
		t.Fatalf("block align: got %d", got)
	}
}

func TestRawModeHasNoHeader(t *testing.T) {
	src := &sliceStream{chunks: []tts.Chunk{{SampleRate: 22050, Channels: 1, PCM: []byte("RIFFpcm")}}}
	out := frameAll(t, src, Raw, 0)
	if string(out) != "RIFFpcm" {
		t.Fatalf("expected bare payload, got %q", out)
	}
}

func TestSilenceBetweenChunks(t *testing.T) {
	first, second := pcm(6, 1), pcm(8, 2)
	src := &sliceStream{chunks: []tts.Chunk{
		{SampleRate: 22050, Channels: 1, PCM: first},
		{SampleRate: 22050, Channels: 1, PCM: second},
	}}
	out := frameAll(t, src, Raw, 0.5)

	if want := len(first) + 44100 + len(second); len(out) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(out))
	}
	if !bytes.Equal(out[:6], first) {
		t.Fatalf("expected no silence before the first chunk")
	}
	if !bytes.Equal(out[6:6+44100], make([]byte, 44100)) {
		t.Fatalf("expected 44100 zero bytes between chunks")
	}
	if !bytes.Equal(out[6+44100:], second) {
		t.Fatalf("expected second payload after silence")
	}
}

func TestSilenceRounds(t *testing.T) {
	if got := SilenceBytes(22050, 0.3333); got != 7349*2 {
		t.Fatalf("expected rounded sample count, got %d bytes", got)
	}
	if got := SilenceBytes(22050, 0); got != 0 {
		t.Fatalf("expected no silence, got %d", got)
	}
}

func TestFrameOrder(t *testing.T) {
	src := &sliceStream{chunks: []tts.Chunk{
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 1)},
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 2)},
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 3)},
	}}
	f := NewFramer(src, Container, 0.1)
	var sizes []int
	for {
		frame, err := f.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		sizes = append(sizes, len(frame))
	}
	want := []int{HeaderSize, 2, 20, 2, 20, 2}
	if len(sizes) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("expected frames %v, got %v", want, sizes)
		}
	}
	if f.Chunks() != 3 {
		t.Fatalf("expected 3 chunks pulled, got %d", f.Chunks())
	}
}

func TestFramerIsLazy(t *testing.T) {
	src := &sliceStream{chunks: []tts.Chunk{
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 1)},
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 2)},
	}}
	f := NewFramer(src, Container, 0)
	if _, err := f.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	if src.pulled != 1 {
		t.Fatalf("expected exactly one chunk pulled for the header, got %d", src.pulled)
	}
}

func TestEmptyStreamProducesNothing(t *testing.T) {
	out := frameAll(t, &sliceStream{}, Container, 1)
	if len(out) != 0 {
		t.Fatalf("expected no bytes, got %d", len(out))
	}
}

func TestCopyStopsOnCancel(t *testing.T) {
	src := &sliceStream{chunks: []tts.Chunk{
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 1)},
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 2)},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Copy(ctx, io.Discard, NewFramer(src, Raw, 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if src.pulled != 0 {
		t.Fatalf("expected no chunks pulled after cancel")
	}
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("connection reset")
}

func TestCopyStopsOnWriteError(t *testing.T) {
	src := &sliceStream{chunks: []tts.Chunk{
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 1)},
		{SampleRate: 100, Channels: 1, PCM: pcm(2, 2)},
	}}
	w := &failingWriter{}
	if _, err := Copy(context.Background(), w, NewFramer(src, Raw, 0)); err == nil {
		t.Fatalf("expected write error")
	}
	if src.pulled != 1 || w.writes != 1 {
		t.Fatalf("expected to stop after first failed write, pulled=%d writes=%d", src.pulled, w.writes)
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	boom := errors.New("engine crashed")
	src := &sliceStream{chunks: []tts.Chunk{{SampleRate: 100, Channels: 1, PCM: pcm(2, 1)}}, err: boom}
	_, err := Copy(context.Background(), io.Discard, NewFramer(src, Raw, 0))
	if !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}
}

func TestContentTypes(t *testing.T) {
	if Container.ContentType() != "audio/wav" || Raw.ContentType() != "audio/pcm" {
		t.Fatalf("unexpected content types")
	}
}
