package edgelink

import (
	"regexp"
	"strings"
)

// MaxTextLen is the hard ceiling on outbound message text, counted in
// characters before escaping.
const MaxTextLen = 5000

// injectionPatterns are checked before any text reaches the osascript
// sender. The set is fixed: shell invocation, cross-application control,
// and nested control blocks. Matching is case-insensitive.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do\s+shell\s+script`),
	regexp.MustCompile(`(?i)\bosascript\b`),
	regexp.MustCompile(`(?i)tell\s+app(lication)?\b`),
	regexp.MustCompile(`(?i)system\s+events`),
	regexp.MustCompile(`(?i)\bend\s+tell\b`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\$\(`),
}

// threadIDPattern is the full identifier charset. Anything outside it is
// rejected, never escaped.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9+@._\-;]+$`)

// ValidThreadID reports whether id is non-empty and contains only
// identifier characters.
func ValidThreadID(id string) bool {
	return id != "" && threadIDPattern.MatchString(id)
}

// ValidIdentifier reports whether s is safe to embed as a key in rule,
// plan and context payloads. Same charset as thread ids.
func ValidIdentifier(s string) bool {
	return ValidThreadID(s)
}

// SanitizeText validates text against the length ceiling and the injection
// blocklist, then escapes it for embedding in an osascript string literal.
// Rejections return *ErrValidation with a stable reason.
func SanitizeText(text string) (string, error) {
	if len([]rune(text)) > MaxTextLen {
		return "", &ErrValidation{Reason: "text exceeds 5000 characters"}
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return "", &ErrValidation{Reason: "text matches blocked pattern: " + pat.String()}
		}
	}
	return EscapeText(text), nil
}

// EscapeText escapes backslash, double quote, newline, tab and carriage
// return in a single pass. All other characters pass through untouched.
func EscapeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
