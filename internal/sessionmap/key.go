// Package sessionmap builds canonical session keys from an inbound
// envelope, resolves them to on-disk session files, and lazily creates
// those files with their JSONL header record.
package sessionmap

import (
	"fmt"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

// BuildKey computes the canonical session key for an envelope.
//
//	DM:           dm:{chatId}
//	Group:        group:{chatId}
//	Group topic:  group:{chatId}:topic:{topicId}   (threaded mode only)
func BuildKey(env queue.Envelope, threadedMode bool) string {
	switch env.ChatType {
	case queue.ChatPrivate:
		return fmt.Sprintf("dm:%d", env.ChatID)
	default:
		if threadedMode && env.MessageThreadID != nil {
			return fmt.Sprintf("group:%d:topic:%d", env.ChatID, *env.MessageThreadID)
		}
		return fmt.Sprintf("group:%d", env.ChatID)
	}
}
