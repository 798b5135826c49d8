// Package inbound normalizes raw Telegram updates into envelopes and
// authorizes them against the configured allowlists and group-activation
// policy.
package inbound

import (
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

// photoSizeCap is the largest photo variant the bridge will download; a
// variant above this is skipped in favor of the next-largest one.
const photoSizeCap = 5 * 1024 * 1024

// Normalize builds an Envelope from the first of update.Message or
// update.EditedMessage carrying usable content (text or media). It returns
// ok=false if neither message has anything usable. When threadedMode is
// false, any forum-topic thread ID is stripped.
func Normalize(update telego.Update, threadedMode bool) (queue.Envelope, bool) {
	for _, msg := range []*telego.Message{update.Message, update.EditedMessage} {
		if msg == nil {
			continue
		}
		env, ok := normalizeMessage(update.UpdateID, *msg, threadedMode)
		if ok {
			return env, true
		}
	}
	return queue.Envelope{}, false
}

func normalizeMessage(updateID int, msg telego.Message, threadedMode bool) (queue.Envelope, bool) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	media := resolveMedia(msg)
	if text == "" && media == nil {
		return queue.Envelope{}, false
	}

	env := queue.Envelope{
		UpdateID:  int64(updateID),
		ChatID:    msg.Chat.ID,
		ChatType:  queue.ChatType(msg.Chat.Type),
		MessageID: int64(msg.MessageID),
		Date:      int64(msg.Date),
		Text:      text,
		Media:     media,
	}
	if msg.From != nil {
		uid := int64(msg.From.ID)
		env.UserID = &uid
	}
	if msg.ReplyToMessage != nil {
		rid := int64(msg.ReplyToMessage.MessageID)
		env.ReplyToMessageID = &rid
		env.IsReplyToBot = msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.IsBot
	}
	if threadedMode && msg.IsTopicMessage && msg.MessageThreadID != 0 {
		tid := int64(msg.MessageThreadID)
		env.MessageThreadID = &tid
	}
	return env, true
}

func resolveMedia(msg telego.Message) *queue.Media {
	switch {
	case len(msg.Photo) > 0:
		return resolvePhoto(msg.Photo)
	case msg.Voice != nil:
		return &queue.Media{
			Kind: queue.MediaVoice, FileID: msg.Voice.FileID,
			MimeType: msg.Voice.MimeType, DurationSeconds: msg.Voice.Duration,
			FileSize: int64(msg.Voice.FileSize),
		}
	case msg.Audio != nil:
		return &queue.Media{
			Kind: queue.MediaAudio, FileID: msg.Audio.FileID,
			MimeType: msg.Audio.MimeType, FileName: msg.Audio.FileName,
			DurationSeconds: msg.Audio.Duration, FileSize: int64(msg.Audio.FileSize),
		}
	case msg.Document != nil && isAudioMime(msg.Document.MimeType):
		return &queue.Media{
			Kind: queue.MediaDocumentAudio, FileID: msg.Document.FileID,
			MimeType: msg.Document.MimeType, FileName: msg.Document.FileName,
			FileSize: int64(msg.Document.FileSize),
		}
	case msg.Document != nil && isImageMime(msg.Document.MimeType):
		return &queue.Media{
			Kind: queue.MediaDocumentImage, FileID: msg.Document.FileID,
			MimeType: msg.Document.MimeType, FileName: msg.Document.FileName,
			FileSize: int64(msg.Document.FileSize),
		}
	default:
		return nil
	}
}

// resolvePhoto picks the largest Telegram photo size variant under
// photoSizeCap. Telegram's Photo slice is ordered smallest to largest. If
// every variant reports an unknown (zero) size, the middle one is used as
// a medium-fidelity fallback rather than guessing the largest blindly.
func resolvePhoto(sizes []telego.PhotoSize) *queue.Media {
	allUnknown := true
	for _, s := range sizes {
		if s.FileSize != 0 {
			allUnknown = false
			break
		}
	}
	if allUnknown {
		mid := sizes[len(sizes)/2]
		return &queue.Media{Kind: queue.MediaPhoto, FileID: mid.FileID, FileSize: int64(mid.FileSize)}
	}

	var best *telego.PhotoSize
	for i := range sizes {
		s := &sizes[i]
		if s.FileSize != 0 && int64(s.FileSize) < photoSizeCap {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	return &queue.Media{Kind: queue.MediaPhoto, FileID: best.FileID, FileSize: int64(best.FileSize)}
}

func isAudioMime(mime string) bool {
	return strings.HasPrefix(mime, "audio/")
}

func isImageMime(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}
