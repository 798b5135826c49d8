package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/chunker"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/retry"
)

// parseModeMarkdown is the parse mode the bridge renders outbound chunks
// with; on rejection the same text is resent with parseModePlain.
const (
	parseModeMarkdown = "MarkdownV2"
	parseModePlain    = ""
)

// flushOutboundQueue sends every eligible pending outbound item (skipping
// ones still in backoff via notBeforeMs), rewriting retryable failures with
// an incremented attempt count and advancing the cursor past everything
// else (sent, or dropped as non-retryable).
func (r *Runtime) flushOutboundQueue(ctx context.Context) {
	items := r.outbound.Load()
	if len(items) == 0 {
		return
	}

	now := r.now().UnixMilli()
	remaining := make([]queue.OutboundItem, 0, len(items))

	for _, item := range items {
		if item.NotBeforeMs > now {
			remaining = append(remaining, item)
			continue
		}

		if rewritten, keep := r.sendOutbound(ctx, item); keep {
			remaining = append(remaining, rewritten)
		} else {
			r.consecutiveSendFailures = 0
		}
	}

	if err := r.outbound.Save(remaining); err != nil {
		slog.Error("worker: persist outbound queue after flush", "component", "worker", "error", err)
	}
}

// sendOutbound sends item's chunks. It returns (item, true) when the item
// must remain queued for a later retry, or (zero, false) when it is
// finished (sent successfully or permanently dropped).
func (r *Runtime) sendOutbound(ctx context.Context, item queue.OutboundItem) (queue.OutboundItem, bool) {
	chunks := chunker.Split(item.Text, chunker.DefaultMaxLen)

	for i, chunk := range chunks {
		var replyTo *int64
		if i == 0 {
			replyTo = item.ReplyToMessageID
		}

		err := r.telegram.SendMessage(ctx, item.ChatID, chunk, replyTo, item.MessageThreadID, parseModeMarkdown)
		if errors.Is(err, ErrParseModeRejected) {
			err = r.telegram.SendMessage(ctx, item.ChatID, chunk, replyTo, item.MessageThreadID, parseModePlain)
		}
		if err == nil {
			continue
		}

		return r.handleSendFailure(item, err)
	}
	return queue.OutboundItem{}, false
}

func (r *Runtime) handleSendFailure(item queue.OutboundItem, err error) (queue.OutboundItem, bool) {
	apiErr := retry.APIError{StatusCode: 0}
	var telegramErr *TelegramAPIError
	if errors.As(err, &telegramErr) {
		apiErr = retry.APIError{StatusCode: telegramErr.StatusCode, RetryAfterSecond: telegramErr.RetryAfterSecond}
	}

	if !retry.ShouldRetry(apiErr, item.Attempts) {
		r.consecutiveSendFailures++
		slog.Warn("worker: dropping outbound item after non-retryable send failure", "component", "worker", "error", err)
		return queue.OutboundItem{}, false
	}

	r.consecutiveSendFailures++
	delay := retry.Delay(apiErr, item.Attempts)
	item.Attempts++
	item.NotBeforeMs = r.now().UnixMilli() + delay.Milliseconds()
	return item, true
}
