package slash

import "testing"

func TestParseNotSlash(t *testing.T) {
	p := Parse("hello there")
	if p.Kind != KindNotSlash {
		t.Fatalf("expected not_slash, got %+v", p)
	}
}

func TestParseEscapedDoubleSlash(t *testing.T) {
	p := Parse("//not a command")
	if p.Kind != KindNotSlash {
		t.Fatalf("expected // to be treated as not_slash, got %+v", p)
	}
}

func TestParseInvalidBareSlash(t *testing.T) {
	p := Parse("/")
	if p.Kind != KindInvalid {
		t.Fatalf("expected invalid, got %+v", p)
	}
}

func TestParseInvalidCommandName(t *testing.T) {
	p := Parse("/foo-bar baz")
	if p.Kind != KindInvalid {
		t.Fatalf("expected invalid command name to be rejected, got %+v", p)
	}
}

func TestParseSlashWithArgs(t *testing.T) {
	p := Parse("/tts hello world")
	if p.Kind != KindSlash || p.CommandName != "tts" || p.Args != "hello world" {
		t.Fatalf("unexpected parse: %+v", p)
	}
}

func TestStripMentionSuffix(t *testing.T) {
	if got := StripMentionSuffix("new@rho_bot", "rho_bot"); got != "new" {
		t.Fatalf("expected suffix stripped, got %q", got)
	}
	if got := StripMentionSuffix("new@other_bot", "rho_bot"); got != "new@other_bot" {
		t.Fatalf("expected suffix for a different bot to be left alone, got %q", got)
	}
	if got := StripMentionSuffix("new", "rho_bot"); got != "new" {
		t.Fatalf("expected no-op on a plain command, got %q", got)
	}
}

func TestResolveAlias(t *testing.T) {
	if got := ResolveAlias("plan"); got != "plan_mode" {
		t.Fatalf("expected /plan to resolve to plan_mode, got %q", got)
	}
	if got := ResolveAlias("code"); got != "code_mode" {
		t.Fatalf("expected /code to resolve to code_mode, got %q", got)
	}
	if got := ResolveAlias("status"); got != "status" {
		t.Fatalf("expected an unaliased command to pass through, got %q", got)
	}
}

func TestClassifySupported(t *testing.T) {
	index := map[string]CommandEntry{"status": {Name: "status"}}
	res := Classify("/status", "rho_bot", index)
	if res.Classification != ClassSupported || res.Command != "status" {
		t.Fatalf("unexpected classification: %+v", res)
	}
}

func TestClassifyWithMentionAndAlias(t *testing.T) {
	index := map[string]CommandEntry{"plan_mode": {Name: "plan_mode"}}
	res := Classify("/plan@rho_bot do the thing", "rho_bot", index)
	if res.Classification != ClassSupported || res.Command != "plan_mode" {
		t.Fatalf("expected alias+mention resolution, got %+v", res)
	}
}

func TestClassifyInteractiveOnly(t *testing.T) {
	index := map[string]CommandEntry{"wizard": {Name: "wizard", InteractiveOnly: true}}
	res := Classify("/wizard", "rho_bot", index)
	if res.Classification != ClassInteractiveOnly {
		t.Fatalf("expected interactive_only, got %+v", res)
	}
}

func TestClassifyUnsupportedNotInInventory(t *testing.T) {
	res := Classify("/doesnotexist", "rho_bot", map[string]CommandEntry{})
	if res.Classification != ClassUnsupported {
		t.Fatalf("expected unsupported, got %+v", res)
	}
}

func TestClassifyNotSlashAndInvalid(t *testing.T) {
	if res := Classify("hello", "rho_bot", nil); res.Classification != ClassNotSlash {
		t.Fatalf("expected not_slash, got %+v", res)
	}
	if res := Classify("/", "rho_bot", nil); res.Classification != ClassInvalid {
		t.Fatalf("expected invalid, got %+v", res)
	}
}

func TestIsLocal(t *testing.T) {
	for _, name := range []string{"new", "tts", "jobs", "job", "cancel"} {
		if !IsLocal(name) {
			t.Fatalf("expected %q to be local", name)
		}
	}
	if IsLocal("status") {
		t.Fatal("expected status to not be local")
	}
}
