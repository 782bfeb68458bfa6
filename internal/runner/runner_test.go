package runner

import "testing"

func TestBuildCommandNewConversation(t *testing.T) {
	cmd := ClaudeBackend{}.BuildCommand(CommandOptions{
		ConversationID: "abc-123",
		AuthToken:      "sk-tok",
		Prompt:         "hello world",
	})

	for _, want := range []string{
		`export PATH="$HOME/.local/share/mise/shims:$HOME/.local/bin:$PATH"`,
		`export ANTHROPIC_AUTH_TOKEN='sk-tok'`,
		`--session-id abc-123`,
		`--dangerously-skip-permissions -p --verbose --output-format=stream-json --include-partial-messages`,
		`'hello world'`,
	} {
		if !contains(cmd, want) {
			t.Errorf("command missing %q:\n%s", want, cmd)
		}
	}
	if contains(cmd, "ANTHROPIC_BASE_URL") {
		t.Error("base URL export present without one being configured")
	}
}

func TestBuildCommandResumeWithBaseURL(t *testing.T) {
	cmd := ClaudeBackend{}.BuildCommand(CommandOptions{
		ConversationID: "abc-123",
		Resume:         true,
		AuthToken:      "sk-tok",
		BaseURL:        "https://proxy.example.com",
		Prompt:         "continue",
	})
	if !contains(cmd, "--resume abc-123") {
		t.Errorf("expected --resume flag:\n%s", cmd)
	}
	if !contains(cmd, "export ANTHROPIC_BASE_URL='https://proxy.example.com'") {
		t.Errorf("expected base URL export:\n%s", cmd)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := ShellQuote(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("ShellQuote(%q) = %q, want %q", `it's a test`, got, want)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
