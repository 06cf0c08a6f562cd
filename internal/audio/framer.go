// Package audio frames synthesized PCM chunks for HTTP streaming.
package audio

import (
	"context"
	"errors"
	"io"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Mode selects how the PCM stream is packaged.
type Mode int

const (
	// Container wraps the PCM in a streaming WAV header.
	Container Mode = iota
	// Raw emits bare PCM.
	Raw
)

func (m Mode) ContentType() string {
	if m == Raw {
		return "audio/pcm"
	}
	return "audio/wav"
}

func (m Mode) String() string {
	if m == Raw {
		return "raw"
	}
	return "wav"
}

// Framer pulls chunks from a synthesis stream one at a time and yields byte frames:
// the header once (container mode), silence before every chunk after the first, then the
// chunk payload. Header fields and the silence sample rate are committed from the first chunk.
type Framer struct {
	src     tts.Stream
	mode    Mode
	silence float64

	index      int
	sampleRate int
	channels   int
	pending    [][]byte
	done       bool
}

func NewFramer(src tts.Stream, mode Mode, silenceSeconds float64) *Framer {
	return &Framer{src: src, mode: mode, silence: silenceSeconds}
}

// Next returns the next frame, or io.EOF after the last one.
func (f *Framer) Next(ctx context.Context) ([]byte, error) {
	for len(f.pending) == 0 {
		if f.done {
			return nil, io.EOF
		}
		chunk, err := f.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			f.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		f.push(chunk)
	}
	frame := f.pending[0]
	f.pending = f.pending[1:]
	return frame, nil
}

func (f *Framer) push(chunk tts.Chunk) {
	if f.index == 0 {
		f.sampleRate = chunk.SampleRate
		f.channels = chunk.Channels
		if f.mode == Container {
			f.pending = append(f.pending, Header(f.sampleRate, f.channels))
		}
	} else if n := SilenceBytes(f.sampleRate, f.silence); n > 0 {
		f.pending = append(f.pending, make([]byte, n))
	}
	if len(chunk.PCM) > 0 {
		f.pending = append(f.pending, chunk.PCM)
	}
	f.index++
}

// Chunks reports how many chunks have been pulled so far.
func (f *Framer) Chunks() int { return f.index }

// Close releases the underlying synthesis stream.
func (f *Framer) Close() error { return f.src.Close() }

// Copy writes every remaining frame to w, flushing after each one when w supports it.
// It stops pulling as soon as ctx is done or a write fails.
func Copy(ctx context.Context, w io.Writer, f *Framer) (int64, error) {
	flusher, _ := w.(interface{ Flush() })
	var written int64
	for {
		frame, err := f.Next(ctx)
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(frame)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
