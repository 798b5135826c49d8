// Package tts implements worker.TTSProvider as an HTTP proxy client, the
// speech-synthesis mirror of internal/stt's transcription proxy — same
// bearer-auth-over-HTTP idiom grounded on the teacher's
// internal/channels/telegram/stt.go.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

const (
	defaultTimeoutSeconds = 30
	synthesizeEndpoint    = "/synthesize_speech"
	maxResponseBytes      = 10 * 1024 * 1024
)

// Config carries the proxy's connection details, loaded from settings.
type Config struct {
	ProxyURL  string
	APIKey    string
	VoiceID   string
	TimeoutMs int64
}

// Provider calls a configured TTS proxy service to synthesize speech audio.
type Provider struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

// Synthesize posts text to the proxy and returns the rendered audio bytes
// and their MIME type. A 401/403 becomes worker.APIKeyError so /tts replies
// can tell the user their TTS credentials are misconfigured.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if p.cfg.ProxyURL == "" {
		return nil, "", fmt.Errorf("tts: not configured")
	}

	timeout := time.Duration(p.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := p.cfg.ProxyURL + synthesizeEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, strings.NewReader(text))
	if err != nil {
		return nil, "", fmt.Errorf("tts: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if p.cfg.VoiceID != "" {
		req.Header.Set("X-Voice-Id", p.cfg.VoiceID)
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("tts: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, "", &worker.APIKeyError{Err: fmt.Errorf("tts: upstream returned %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("tts: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("tts: upstream returned %d: %s", resp.StatusCode, string(body))
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	return body, mimeType, nil
}
