// Package slash parses and classifies slash commands against the agent's
// dynamically discovered command inventory.
package slash

import (
	"strings"
)

// Kind is parse's coarse classification of an input string.
type Kind string

const (
	KindNotSlash Kind = "not_slash"
	KindInvalid  Kind = "invalid"
	KindSlash    Kind = "slash"
)

// Parsed is the result of Parse.
type Parsed struct {
	Kind        Kind
	CommandName string
	Args        string
}

// Parse splits "/cmd args" into its command name and argument tail. A
// leading "//" is the escape for a literal slash and is treated as
// not-slash. A bare "/" or a command name containing anything other than
// letters, digits, and underscores is invalid. An optional "@botname"
// mention suffix is kept in CommandName for StripMentionSuffix to handle.
func Parse(input string) Parsed {
	if !strings.HasPrefix(input, "/") {
		return Parsed{Kind: KindNotSlash}
	}
	if strings.HasPrefix(input, "//") {
		return Parsed{Kind: KindNotSlash}
	}

	rest := input[1:]
	name, args, _ := strings.Cut(rest, " ")
	base, mention, hasMention := strings.Cut(name, "@")
	if base == "" || !isValidCommandName(base) {
		return Parsed{Kind: KindInvalid}
	}
	if hasMention && (mention == "" || !isValidCommandName(mention)) {
		return Parsed{Kind: KindInvalid}
	}
	return Parsed{Kind: KindSlash, CommandName: name, Args: strings.TrimSpace(args)}
}

func isValidCommandName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			continue
		default:
			return false
		}
	}
	return true
}

// StripMentionSuffix normalizes a "/cmd@botname" form to "/cmd" when the
// suffix matches botUsername (case-insensitive). name is the command name
// already split out by Parse (no leading slash).
func StripMentionSuffix(name, botUsername string) string {
	at := strings.IndexByte(name, '@')
	if at < 0 {
		return name
	}
	base, suffix := name[:at], name[at+1:]
	if botUsername != "" && strings.EqualFold(suffix, botUsername) {
		return base
	}
	return name
}

// aliases maps the user-facing command name to the underlying agent-side
// skill/command name before forwarding to the RPC runtime.
var aliases = map[string]string{
	"plan": "plan_mode",
	"code": "code_mode",
}

// ResolveAlias returns the provider-side command name for a user-facing
// alias, or name unchanged if it isn't aliased.
func ResolveAlias(name string) string {
	if mapped, ok := aliases[name]; ok {
		return mapped
	}
	return name
}

// Classification is classify's verdict for a parsed command.
type Classification string

const (
	ClassNotSlash        Classification = "not_slash"
	ClassInvalid         Classification = "invalid"
	ClassSupported       Classification = "supported"
	ClassInteractiveOnly Classification = "interactive_only"
	ClassUnsupported     Classification = "unsupported"
)

// CommandEntry describes one agent-side command discovered via get_commands.
type CommandEntry struct {
	Name            string
	InteractiveOnly bool
}

// Result is classify's verdict, carrying the resolved command name when
// supported.
type Result struct {
	Classification Classification
	Command        string
}

// Classify parses message, normalizes mention-suffix and alias forms, then
// checks it against commandIndex (keyed by agent-side command name, as
// discovered by C9's get_commands). An entry whose InteractiveOnly flag is
// set exists in the inventory but cannot run headless over RPC.
func Classify(message, botUsername string, commandIndex map[string]CommandEntry) Result {
	parsed := Parse(message)
	switch parsed.Kind {
	case KindNotSlash:
		return Result{Classification: ClassNotSlash}
	case KindInvalid:
		return Result{Classification: ClassInvalid}
	}

	name := StripMentionSuffix(parsed.CommandName, botUsername)
	name = ResolveAlias(name)

	entry, ok := commandIndex[name]
	if !ok {
		return Result{Classification: ClassUnsupported}
	}
	if entry.InteractiveOnly {
		return Result{Classification: ClassInteractiveOnly, Command: name}
	}
	return Result{Classification: ClassSupported, Command: name}
}

// LocalCommands are slash commands handled entirely by the worker without
// involving the RPC runtime.
var LocalCommands = map[string]bool{
	"new":    true,
	"tts":    true,
	"jobs":   true,
	"job":    true,
	"cancel": true,
}

// IsLocal reports whether name (already mention/alias-normalized) is
// handled locally rather than forwarded to the agent subprocess.
func IsLocal(name string) bool {
	return LocalCommands[name]
}
