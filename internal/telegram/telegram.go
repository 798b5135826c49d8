// Package telegram implements worker.TelegramClient against the real
// Telegram Bot API via telego.Bot, grounded on the teacher's
// internal/channels/telegram package (long-polling, file download with
// retry, image sanitization before delivery).
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/worker"
)

const (
	defaultDownloadMaxRetries = 3
	sanitizedMaxDimension     = 1568 // keeps photos within common vision-model limits
)

// Config carries the connection settings the worker's cmd entrypoint loads
// from internal/settings.
type Config struct {
	Token string
	Proxy string
}

// Client wraps telego.Bot to satisfy worker.TelegramClient.
type Client struct {
	bot   *telego.Bot
	token string
}

// New constructs a Client from cfg. It does not start polling; callers
// invoke GetUpdates themselves from the worker's pollOnce loop (C13), unlike
// the teacher's Channel.Start which owns its own long-polling goroutine —
// this bridge's supervisor (C14) already owns the poll loop, so Client stays
// a thin, stateless API wrapper.
func New(cfg Config) (*Client, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Client{bot: bot, token: cfg.Token}, nil
}

func (c *Client) Username() string { return c.bot.Username() }

// GetUpdates performs one long-polling call for updates newer than offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]telego.Update, error) {
	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:  int(offset),
		Timeout: timeoutSeconds,
		AllowedUpdates: []string{
			"message",
			"edited_message",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: getUpdates: %w", err)
	}
	return updates, nil
}

// SendMessage sends text to chatID, chunked by the caller (C10) beforehand.
// A parse-mode rejection (Telegram's "can't parse entities" 400) is
// surfaced as worker.ErrParseModeRejected so flushOutboundQueue can retry in
// plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, replyToMessageID *int64, messageThreadID *int64, parseMode string) error {
	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	}
	if parseMode != "" {
		params.ParseMode = parseMode
	}
	if replyToMessageID != nil {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(*replyToMessageID)}
	}
	if messageThreadID != nil {
		params.MessageThreadID = resolveThreadID(int(*messageThreadID))
	}

	_, err := c.bot.SendMessage(ctx, params)
	return c.translateError(err, parseMode)
}

// SendChatAction sends a typing/upload indicator; failures are non-fatal to
// callers (C13 logs and continues), so translateError's status detail still
// applies for consistency.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string, messageThreadID *int64) error {
	params := &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: action,
	}
	if messageThreadID != nil {
		params.MessageThreadID = resolveThreadID(int(*messageThreadID))
	}
	return c.translateError(c.bot.SendChatAction(ctx, params), "")
}

// SendVoice uploads a TTS rendering (C13's voice-reply path) as an in-memory
// upload rather than round-tripping through a temp file.
func (c *Client) SendVoice(ctx context.Context, chatID int64, audio []byte, mimeType string, messageThreadID *int64) error {
	ext := ".ogg"
	if mimeType != "" && mimeType != "audio/ogg" {
		ext = ".oga"
	}
	params := &telego.SendVoiceParams{
		ChatID: telego.ChatID{ID: chatID},
		Voice:  telegoutil.File(telegoutil.NameReader(bytes.NewReader(audio), "voice"+ext)),
	}
	if messageThreadID != nil {
		params.MessageThreadID = resolveThreadID(int(*messageThreadID))
	}
	_, err := c.bot.SendVoice(ctx, params)
	return c.translateError(err, "")
}

// DownloadFile fetches fileID's bytes via getFile + the file-storage URL,
// enforcing maxBytes both from the reported file size and during the copy
// itself (a server can lie about Content-Length), with retry matching the
// teacher's downloadMedia.
func (c *Client) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= defaultDownloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < defaultDownloadMaxRetries {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("telegram: getFile after %d attempts: %w", defaultDownloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return nil, "", fmt.Errorf("telegram: file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: build download request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read downloaded file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("telegram: file exceeds max size during download: %d bytes", len(data))
	}

	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "image/") {
		sanitized, err := SanitizeImage(data)
		if err != nil {
			// Fall back to the original bytes rather than failing the whole
			// download; the agent still gets the image, just unsanitized.
			return data, contentType, nil
		}
		return sanitized, "image/jpeg", nil
	}

	return data, contentType, nil
}

// SanitizeImage strips EXIF metadata and re-encodes a downloaded photo as
// plain JPEG before it is attached to a prompt, following the teacher's
// sanitizeImage step (resolveMedia in media.go) against disintegration/imaging
// rather than passing the original bytes (which may carry GPS/orientation
// EXIF tags) straight to the agent.
func SanitizeImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("telegram: decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > sanitizedMaxDimension || bounds.Dy() > sanitizedMaxDimension {
		img = imaging.Fit(img, sanitizedMaxDimension, sanitizedMaxDimension, imaging.Lanczos)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("telegram: re-encode image: %w", err)
	}
	return out.Bytes(), nil
}

// translateError wraps telego's API error into worker-facing sentinels:
// a parse-mode rejection becomes ErrParseModeRejected, everything else
// becomes a *worker-shaped TelegramAPIError carrying status/retry-after so
// C11's retry policy can decide without importing telego.
func (c *Client) translateError(err error, parseMode string) error {
	if err == nil {
		return nil
	}

	var apiErr *telego.Error
	if errors.As(err, &apiErr) {
		if parseMode != "" && apiErr.ErrorCode == http.StatusBadRequest {
			return fmt.Errorf("%w: %s", worker.ErrParseModeRejected, apiErr.Description)
		}
		retryAfter := 0
		if apiErr.Parameters != nil {
			retryAfter = apiErr.Parameters.RetryAfter
		}
		return &worker.TelegramAPIError{StatusCode: apiErr.ErrorCode, RetryAfterSecond: retryAfter, Err: err}
	}
	return &worker.TelegramAPIError{Err: err}
}

func resolveThreadID(threadID int) int {
	const generalTopicID = 1
	if threadID == generalTopicID {
		return 0
	}
	return threadID
}
