// Package stt implements worker.STTProvider as an HTTP proxy client,
// grounded on the teacher's transcribeAudio in
// internal/channels/telegram/stt.go: multipart file upload, bearer-token
// auth, a context timeout, and a typed JSON response.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

const (
	defaultTimeoutSeconds = 30
	transcribeEndpoint    = "/transcribe_audio"
	maxResponseBytes      = 1 << 20
)

// Config carries the proxy's connection details, loaded from settings.
type Config struct {
	ProxyURL  string
	APIKey    string
	TenantID  string
	TimeoutMs int64
}

// Provider calls a configured STT proxy service to transcribe audio bytes.
type Provider struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

type response struct {
	Transcript string `json:"transcript"`
}

// Transcribe uploads audio as multipart form data and returns the proxy's
// transcript. A 401/403 from the proxy is surfaced as worker.APIKeyError so
// C13 can tell the user their STT credentials are misconfigured rather than
// a generic failure.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if p.cfg.ProxyURL == "" {
		return "", nil
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "audio"+extensionFor(mimeType))
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if p.cfg.TenantID != "" {
		if err := w.WriteField("tenant_id", p.cfg.TenantID); err != nil {
			return "", fmt.Errorf("stt: write tenant_id field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	timeout := time.Duration(p.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := p.cfg.ProxyURL + transcribeEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &worker.APIKeyError{Err: fmt.Errorf("stt: upstream returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return parsed.Transcript, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".ogg"
	}
}
