// Package catalog talks to the upstream voice repository.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/voice"
)

// ErrUnknownVoice is returned for ids that cannot name a catalog voice.
var ErrUnknownVoice = errors.New("unknown voice")

const catalogKey = "voices.json"

type Client struct {
	voicesURL string
	baseURL   string
	http      *http.Client
	cache     *expirable.LRU[string, json.RawMessage]
	log       *slog.Logger
}

func NewClient(cfg config.CatalogConfig, log *slog.Logger) *Client {
	c := &Client{
		voicesURL: cfg.VoicesURL,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:       log.With(slog.String("component", "catalog")),
	}
	if cfg.CacheTTLSeconds > 0 {
		c.cache = expirable.NewLRU[string, json.RawMessage](1, nil, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}
	return c
}

// Voices returns the upstream voices.json document verbatim.
func (c *Client) Voices(ctx context.Context) (json.RawMessage, error) {
	if c.cache != nil {
		if doc, ok := c.cache.Get(catalogKey); ok {
			return doc, nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.voicesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("catalog is not valid JSON")
	}
	doc := json.RawMessage(body)
	if c.cache != nil {
		c.cache.Add(catalogKey, doc)
	}
	return doc, nil
}

// Download fetches the model and its config document for id into dir.
// Files already present are kept unless force is set.
func (c *Client) Download(ctx context.Context, id, dir string, force bool) error {
	prefix, err := c.voicePrefix(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	for _, name := range []string{id + voice.ModelExt, id + voice.ConfigExt} {
		target := filepath.Join(dir, name)
		if !force {
			if _, err := os.Stat(target); err == nil {
				c.log.Debug("voice file present, skipping", slog.String("path", target))
				continue
			}
		}
		if err := c.fetchFile(ctx, prefix+"/"+name, target); err != nil {
			return err
		}
		c.log.Info("downloaded voice file", slog.String("voice", id), slog.String("path", target))
	}
	return nil
}

// voicePrefix maps "en_US-lessac-medium" to "{base}/en/en_US/lessac/medium".
func (c *Client) voicePrefix(id string) (string, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || strings.ContainsAny(id, `/\`) || id != filepath.Base(id) {
		return "", fmt.Errorf("%w: %q", ErrUnknownVoice, id)
	}
	lang, name, quality := parts[0], parts[1], parts[2]
	if lang == "" || name == "" || quality == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownVoice, id)
	}
	family, _, _ := strings.Cut(lang, "_")
	return strings.Join([]string{c.baseURL, family, lang, name, quality}, "/"), nil
}

func (c *Client) fetchFile(ctx context.Context, url, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownVoice, url)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("install %s: %w", target, err)
	}
	return nil
}
