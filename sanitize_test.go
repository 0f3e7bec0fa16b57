package edgelink

import (
	"strings"
	"testing"
)

func TestSanitizeText_PassThrough(t *testing.T) {
	got, err := SanitizeText("hey, how was it?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hey, how was it?" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeText_RejectsOversize(t *testing.T) {
	_, err := SanitizeText(strings.Repeat("a", MaxTextLen+1))
	if !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestSanitizeText_AllowsExactLimit(t *testing.T) {
	if _, err := SanitizeText(strings.Repeat("a", MaxTextLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSanitizeText_RejectsInjection(t *testing.T) {
	blocked := []string{
		`do shell script "rm -rf /"`,
		"run osascript please",
		`tell application "Finder" to quit`,
		`tell app "Terminal"`,
		"open System Events now",
		"nested end tell block",
		"price is `whoami` dollars",
		"echo $(id)",
	}
	for _, text := range blocked {
		if _, err := SanitizeText(text); !IsValidation(err) {
			t.Errorf("SanitizeText(%q): want validation error, got %v", text, err)
		}
	}
}

func TestSanitizeText_CountsRunesNotBytes(t *testing.T) {
	// 5000 multibyte runes is within the limit even though it is >5000 bytes.
	if _, err := SanitizeText(strings.Repeat("é", MaxTextLen)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEscapeText(t *testing.T) {
	got := EscapeText("a\\b\"c\nd\te\rf")
	want := `a\\b\"c\nd\te\rf`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestEscapeText_BackslashNotDoubleEscaped(t *testing.T) {
	// A backslash followed by n must become \\n, not \\\n.
	got := EscapeText(`\n`)
	if got != `\\n` {
		t.Errorf("got %q, want %q", got, `\\n`)
	}
}

func TestValidThreadID(t *testing.T) {
	valid := []string{"+15551234567", "user@example.com", "chat123456;group", "a.b_c-d"}
	for _, id := range valid {
		if !ValidThreadID(id) {
			t.Errorf("ValidThreadID(%q) = false, want true", id)
		}
	}
	invalid := []string{"", "has space", "semi'quote", "new\nline", "slash/path", `back\slash`}
	for _, id := range invalid {
		if ValidThreadID(id) {
			t.Errorf("ValidThreadID(%q) = true, want false", id)
		}
	}
}
