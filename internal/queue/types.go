// Package queue implements crash-safe, whole-file JSON array persistence
// for the inbound and outbound message queues. Loads tolerate corruption by
// falling back to an empty slice rather than failing the caller; shape
// validation drops individual malformed elements instead of the whole file.
package queue

// ChatType enumerates the Telegram chat kinds the bridge understands.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

func (c ChatType) valid() bool {
	switch c {
	case ChatPrivate, ChatGroup, ChatSupergroup, ChatChannel:
		return true
	default:
		return false
	}
}

// MediaKind enumerates the inbound media kinds the bridge understands.
type MediaKind string

const (
	MediaVoice         MediaKind = "voice"
	MediaAudio         MediaKind = "audio"
	MediaDocumentAudio MediaKind = "document_audio"
	MediaPhoto         MediaKind = "photo"
	MediaDocumentImage MediaKind = "document_image"
)

func (k MediaKind) valid() bool {
	switch k {
	case MediaVoice, MediaAudio, MediaDocumentAudio, MediaPhoto, MediaDocumentImage:
		return true
	default:
		return false
	}
}

// Media describes a single inbound media attachment.
type Media struct {
	Kind            MediaKind `json:"kind"`
	FileID          string    `json:"fileId"`
	MimeType        string    `json:"mimeType,omitempty"`
	FileName        string    `json:"fileName,omitempty"`
	DurationSeconds int       `json:"durationSeconds,omitempty"`
	FileSize        int64     `json:"fileSize,omitempty"`
}

func (m *Media) valid() bool {
	return m != nil && m.Kind.valid() && m.FileID != ""
}

// Envelope is the normalized inbound message, shared by the pending
// inbound queue and the normalizer (C7).
type Envelope struct {
	UpdateID         int64    `json:"updateId"`
	ChatID           int64    `json:"chatId"`
	ChatType         ChatType `json:"chatType"`
	UserID           *int64   `json:"userId"`
	MessageID        int64    `json:"messageId"`
	Date             int64    `json:"date"`
	Text             string   `json:"text"`
	Media            *Media   `json:"media,omitempty"`
	ReplyToMessageID *int64   `json:"replyToMessageId,omitempty"`
	IsReplyToBot     bool     `json:"isReplyToBot"`
	MessageThreadID  *int64   `json:"messageThreadId,omitempty"`
}

func (e *Envelope) valid() bool {
	if e == nil {
		return false
	}
	if !e.ChatType.valid() {
		return false
	}
	hasText := e.Text != ""
	hasMedia := e.Media.valid()
	return hasText || hasMedia
}

// InboundItem is a pending inbound-queue entry: an envelope plus its
// resolved session mapping.
type InboundItem struct {
	Envelope
	SessionKey  string `json:"sessionKey"`
	SessionFile string `json:"sessionFile"`
}

func (it *InboundItem) valid() bool {
	if it == nil {
		return false
	}
	env := it.Envelope
	return env.valid() && it.SessionKey != "" && it.SessionFile != ""
}

// MaxOutboundAttempts bounds outbound item retries (C11's ShouldRetry
// applies the same limit through its own retry.MaxAttempts).
const MaxOutboundAttempts = 3

// OutboundItem is a pending outbound-queue entry awaiting send or retry.
type OutboundItem struct {
	ChatID           int64  `json:"chatId"`
	ReplyToMessageID *int64 `json:"replyToMessageId,omitempty"`
	MessageThreadID  *int64 `json:"messageThreadId,omitempty"`
	Text             string `json:"text"`
	Attempts         int    `json:"attempts"`
	NotBeforeMs      int64  `json:"notBeforeMs"`
}

func (it *OutboundItem) valid() bool {
	if it == nil {
		return false
	}
	return it.ChatID != 0 && it.Text != "" && it.Attempts < MaxOutboundAttempts
}
