package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecLoader starts engines backed by an external synthesis command. For every
// request the command is run as `<command> --model <path> [--cuda]`; it reads one
// JSON request on stdin and writes one JSON line per synthesized sentence.
type ExecLoader struct {
	cmd     []string
	useCUDA bool
}

type execRequest struct {
	Text        string  `json:"text"`
	SpeakerID   *int    `json:"speaker_id,omitempty"`
	LengthScale float64 `json:"length_scale"`
	NoiseScale  float64 `json:"noise_scale"`
	NoiseWScale float64 `json:"noise_w_scale"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

func NewExecLoader(command string, useCUDA bool) (*ExecLoader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecLoader{cmd: args, useCUDA: useCUDA}, nil
}

func (l *ExecLoader) Load(_ context.Context, model ModelSpec) (Engine, error) {
	if _, err := os.Stat(model.Path); err != nil {
		return nil, fmt.Errorf("stat model: %w", err)
	}
	args := append([]string{}, l.cmd[1:]...)
	args = append(args, "--model", model.Path)
	if l.useCUDA {
		args = append(args, "--cuda")
	}
	return &execEngine{base: l.cmd[0], args: args, model: model}, nil
}

type execEngine struct {
	base  string
	args  []string
	model ModelSpec
}

func (e *execEngine) Synthesize(ctx context.Context, text string, cfg SynthesisConfig) (Stream, error) {
	data, err := json.Marshal(execRequest{
		Text:        text,
		SpeakerID:   cfg.SpeakerID,
		LengthScale: cfg.LengthScale,
		NoiseScale:  cfg.NoiseScale,
		NoiseWScale: cfg.NoiseWScale,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.base, e.args...)
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	return &execStream{
		cmd:    cmd,
		cancel: cancel,
		reader: bufio.NewReader(stdout),
		stderr: stderr,
		model:  e.model,
	}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	reader *bufio.Reader
	stderr *tailBuffer
	model  ModelSpec

	done    bool
	waitErr error
	once    sync.Once
}

func (s *execStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return s.decode(line)
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return Chunk{}, fmt.Errorf("read tts output: %w", err)
		}
		s.done = true
		if werr := s.wait(); werr != nil {
			return Chunk{}, werr
		}
		return Chunk{}, io.EOF
	}
}

func (s *execStream) decode(line []byte) (Chunk, error) {
	var resp execResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return Chunk{}, fmt.Errorf("decode tts output: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return Chunk{}, fmt.Errorf("decode tts pcm: %w", err)
	}
	chunk := Chunk{SampleRate: resp.SampleRate, Channels: resp.Channels, PCM: pcm}
	if chunk.SampleRate <= 0 {
		chunk.SampleRate = s.model.SampleRate
	}
	if chunk.Channels <= 0 {
		chunk.Channels = s.model.Channels
	}
	return chunk, nil
}

func (s *execStream) wait() error {
	s.once.Do(func() {
		if err := s.cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				err = fmt.Errorf("tts command failed: %w: %s", err, msg)
			} else {
				err = fmt.Errorf("tts command failed: %w", err)
			}
			s.waitErr = err
		}
	})
	return s.waitErr
}

// Close stops the subprocess if it is still producing audio.
func (s *execStream) Close() error {
	if !s.done {
		s.done = true
		s.cancel()
		_ = s.wait()
		return nil
	}
	s.cancel()
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
