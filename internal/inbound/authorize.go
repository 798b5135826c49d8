package inbound

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/rho-telegram-bridge/internal/queue"
)

// Reason enumerates authorize's possible outcomes.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonChatNotAllowed    Reason = "chat_not_allowed"
	ReasonUserNotAllowed    Reason = "user_not_allowed"
	ReasonGroupNotActivated Reason = "group_not_activated"
)

// AuthzSettings carries the allowlist and group-activation configuration
// authorize consults. An empty allowlist under strict mode denies everyone.
type AuthzSettings struct {
	AllowedChatIDs         []int64
	AllowedUserIDs         []int64
	RequireMentionInGroups bool
}

// Result is authorize's verdict.
type Result struct {
	OK     bool
	Reason Reason
}

// Authorize checks env against settings' allowlists and, for non-private
// chats, the group-activation policy. strictAllowlist governs whether an
// empty allow-list denies everyone (true, the default posture) or permits
// everyone (false, useful for a fully open bot).
func Authorize(env queue.Envelope, settings AuthzSettings, botUsername string, strictAllowlist bool) Result {
	if !allowedChat(env.ChatID, settings.AllowedChatIDs, strictAllowlist) {
		return Result{OK: false, Reason: ReasonChatNotAllowed}
	}
	if !allowedUser(env.UserID, settings.AllowedUserIDs, strictAllowlist) {
		return Result{OK: false, Reason: ReasonUserNotAllowed}
	}
	if env.ChatType != queue.ChatPrivate && settings.RequireMentionInGroups {
		if !groupActivated(env, botUsername) {
			return Result{OK: false, Reason: ReasonGroupNotActivated}
		}
	}
	return Result{OK: true, Reason: ReasonOK}
}

func allowedChat(chatID int64, allow []int64, strict bool) bool {
	if len(allow) == 0 {
		return !strict
	}
	for _, id := range allow {
		if id == chatID {
			return true
		}
	}
	return false
}

func allowedUser(userID *int64, allow []int64, strict bool) bool {
	if len(allow) == 0 {
		return !strict
	}
	if userID == nil {
		return false
	}
	for _, id := range allow {
		if id == *userID {
			return true
		}
	}
	return false
}

func groupActivated(env queue.Envelope, botUsername string) bool {
	if env.IsReplyToBot {
		return true
	}
	if strings.HasPrefix(env.Text, "/rho") {
		return true
	}
	if botUsername != "" {
		mention := fmt.Sprintf("@%s", botUsername)
		if strings.Contains(strings.ToLower(env.Text), strings.ToLower(mention)) {
			return true
		}
	}
	return false
}
