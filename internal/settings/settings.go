// Package settings loads the bridge's JSON5 config file and overlays
// environment variables, grounded on the teacher's internal/config
// (Default() + json5.Unmarshal + applyEnvOverrides layering,
// FlexibleStringSlice for chat/user ID lists that may arrive as numbers or
// strings in hand-edited config files).
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// ExpandHome replaces a leading ~ with the user home directory, mirroring
// the teacher's config.ExpandHome.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// FlexibleInt64Slice accepts both [123, 456] and ["123", "456"] in JSON5,
// the allowlist-editing convenience the teacher's FlexibleStringSlice
// provides for string fields.
type FlexibleInt64Slice []int64

func (f *FlexibleInt64Slice) UnmarshalJSON(data []byte) error {
	var nums []int64
	if err := json.Unmarshal(data, &nums); err == nil {
		*f = nums
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case float64:
			result = append(result, int64(val))
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("settings: invalid chat/user id %q: %w", val, err)
			}
			result = append(result, n)
		default:
			return fmt.Errorf("settings: unsupported id element %v", val)
		}
	}
	*f = result
	return nil
}

// Settings is the root configuration for the bridge process.
type Settings struct {
	Telegram  TelegramSettings  `json:"telegram"`
	Authz     AuthzSettings     `json:"authz,omitempty"`
	Agent     AgentSettings     `json:"agent"`
	STT       ProxySettings     `json:"stt,omitempty"`
	TTS       ProxySettings     `json:"tts,omitempty"`
	Cron      CronSettings      `json:"cron,omitempty"`
	Telemetry TelemetrySettings `json:"telemetry,omitempty"`
	Paths     PathsSettings     `json:"paths,omitempty"`
}

type TelegramSettings struct {
	Token           string `json:"-"` // from env RHO_TELEGRAM_TOKEN only
	Proxy           string `json:"proxy,omitempty"`
	ThreadedMode    bool   `json:"threaded_mode,omitempty"`
	StrictAllowlist bool   `json:"strict_allowlist"`
}

type AuthzSettings struct {
	AllowedChatIDs         FlexibleInt64Slice `json:"allowed_chat_ids,omitempty"`
	AllowedUserIDs         FlexibleInt64Slice `json:"allowed_user_ids,omitempty"`
	RequireMentionInGroups bool               `json:"require_mention_in_groups,omitempty"`
}

type AgentSettings struct {
	Path                    string `json:"path"`
	ForegroundTimeoutMs     int64  `json:"foreground_timeout_ms,omitempty"`
	RPCPromptTimeoutSeconds int64  `json:"rpc_prompt_timeout_seconds,omitempty"`
}

type ProxySettings struct {
	ProxyURL  string `json:"proxy_url,omitempty"`
	APIKey    string `json:"-"` // from env only
	TenantID  string `json:"tenant_id,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// CronSettings carries the optional quiet-hours cron expression evaluated
// by gronx in the worker's pollOnce.
type CronSettings struct {
	QuietHoursExpr string `json:"quiet_hours_expr,omitempty"`
}

type TelemetrySettings struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

type PathsSettings struct {
	StateDir string `json:"state_dir,omitempty"`
}

// Default returns Settings populated with the bridge's baseline policy.
func Default() *Settings {
	return &Settings{
		Telegram: TelegramSettings{
			StrictAllowlist: true,
		},
		Agent: AgentSettings{
			ForegroundTimeoutMs:     25_000,
			RPCPromptTimeoutSeconds: 25,
		},
		Paths: PathsSettings{
			StateDir: "~/.rho-telegram-bridge",
		},
	}
}

// Load reads path as JSON5 (a missing file is not an error — Default() plus
// env overrides is a valid configuration for a fresh install) and overlays
// secrets from the environment, matching the teacher's config_load.go
// layering.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnvOverrides()
			return s, nil
		}
		return nil, fmt.Errorf("settings: read %q: %w", path, err)
	}

	if err := json5.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("settings: parse %q: %w", path, err)
	}

	s.applyEnvOverrides()
	return s, nil
}

func (s *Settings) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("RHO_TELEGRAM_TOKEN", &s.Telegram.Token)
	envStr("RHO_STT_API_KEY", &s.STT.APIKey)
	envStr("RHO_TTS_API_KEY", &s.TTS.APIKey)
}

// StateDir returns the expanded, absolute directory under which every
// file-backed component (queues, session map, approvals, jobs, lease,
// runtime state, check trigger) stores its state.
func (s *Settings) StateDir() string {
	return ExpandHome(s.Paths.StateDir)
}

// Validate enforces C14 step 1: the process must have a Telegram token and
// an agent.path. There is no delivery-mode setting to check; the bridge
// always long-polls.
func (s *Settings) Validate() error {
	if s.Telegram.Token == "" {
		return fmt.Errorf("settings: telegram token is required (set RHO_TELEGRAM_TOKEN)")
	}
	if s.Agent.Path == "" {
		return fmt.Errorf("settings: agent.path is required")
	}
	return nil
}
