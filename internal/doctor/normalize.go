package doctor

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ansiRe      = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	clockRe     = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(?:\.\d+)?\b`)
	uuidRe      = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexRe       = regexp.MustCompile(`(?i)\b(?:0x[0-9a-f]+|[0-9a-f]*\d[0-9a-f]*[a-f][0-9a-f]*|[0-9a-f]*[a-f][0-9a-f]*\d[0-9a-f]*)\b`)
	pathRe      = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\w.~-]*[/\\])+[\w.-]+`)
	lineColRe   = regexp.MustCompile(`(?i)\b(?:line|ln|col|column)\s*\d+`)
	durationRe  = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:ms|s|sec|secs|seconds|m|min|minutes|h)\b`)
	numberRe    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	quotedRe    = regexp.MustCompile(`'[^'\n]{1,80}'|"[^"\n]{1,80}"`)
	spaceRe     = regexp.MustCompile(`[ \t]+`)
	tokenRe     = regexp.MustCompile(`<[a-z]+>|[a-z_][a-z0-9_]*`)
)

// Normalize strips the volatile parts of failure text (timestamps, IDs,
// paths, numbers, quoted values) so that recurrences compare equal.
// Line structure is kept.
func Normalize(text string) string {
	s := strings.ToValidUTF8(text, "")
	s = ansiRe.ReplaceAllString(s, "")
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = clockRe.ReplaceAllString(s, "<ts>")
	s = uuidRe.ReplaceAllString(s, "<id>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = quotedRe.ReplaceAllString(s, "<str>")
	s = hexRe.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) < 7 && !strings.HasPrefix(strings.ToLower(m), "0x") {
			return m
		}
		return "<id>"
	})
	s = lineColRe.ReplaceAllString(s, "line <n>")
	s = durationRe.ReplaceAllString(s, "<dur>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = strings.ToLower(s)

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Tokens splits normalized text into its word set
func Tokens(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenRe.FindAllString(normalized, -1) {
		if len(t) < 2 {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// Category names for failure text
const (
	CategoryTimeout    = "timeout"
	CategoryImport     = "import"
	CategorySyntax     = "syntax"
	CategoryType       = "type"
	CategoryAssertion  = "assertion"
	CategoryNetwork    = "network"
	CategoryPermission = "permission"
	CategoryDependency = "dependency"
	CategoryUnknown    = "unknown"
)

var categoryRules = []struct {
	category string
	keywords []string
}{
	{CategoryTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{CategoryImport, []string{"modulenotfounderror", "importerror", "cannot find module", "no module named", "failed to resolve import", "cannot find package"}},
	{CategorySyntax, []string{"syntaxerror", "syntax error", "unexpected token", "parse error", "indentationerror"}},
	{CategoryType, []string{"typeerror", "type error", "is not assignable", "cannot use", "has no attribute", "attributeerror", "undefined:"}},
	{CategoryAssertion, []string{"assertionerror", "assert", "expected", "to equal", "test failed", "--- fail", "failed tests"}},
	{CategoryNetwork, []string{"econnrefused", "connection refused", "address already in use", "eaddrinuse", "network", "dns", "socket"}},
	{CategoryPermission, []string{"permission denied", "eacces", "operation not permitted", "forbidden", "unauthorized"}},
	{CategoryDependency, []string{"lockfile", "dependency", "version conflict", "could not resolve", "npm err", "peer dep"}},
}

// Categorize assigns a coarse error category from keywords
func Categorize(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

var errorLineRe = regexp.MustCompile(`(?i)(error|exception|failed|failure|fatal|panic|timed out|timeout|traceback|assert|denied|refused|cannot|not found|undefined)`)

// maxSignatureLen bounds the displayed signature of a pattern
const maxSignatureLen = 500

// maxNormalizedLine bounds each line of a pattern's normalized signature
const maxNormalizedLine = 2000

// ExtractSignature picks up to three error bearing lines from raw failure text.
// It falls back to the last non-empty lines when no line looks like an error.
// Lines are kept whole; callers shorten for display.
func ExtractSignature(text string) string {
	clean := ansiRe.ReplaceAllString(strings.ToValidUTF8(text, ""), "")
	var all, hits []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(clean, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		all = append(all, line)
		if errorLineRe.MatchString(line) {
			key := Normalize(line)
			if seen[key] {
				continue
			}
			seen[key] = true
			hits = append(hits, line)
		}
	}
	pick := hits
	if len(pick) == 0 {
		pick = all
		if len(pick) > 3 {
			pick = pick[len(pick)-3:]
		}
	}
	if len(pick) > 3 {
		pick = pick[:3]
	}
	return strings.Join(pick, "\n")
}

// NormalizeSignature normalizes a signature for matching. Long lines are
// cut after normalization, so every line stays a substring of the
// normalized failure text it came from.
func NormalizeSignature(sig string) string {
	lines := strings.Split(Normalize(sig), "\n")
	for i, line := range lines {
		lines[i] = shorten(line, maxNormalizedLine)
	}
	return strings.Join(lines, "\n")
}

// shorten cuts s to at most n bytes without splitting a rune, preferring
// the last whitespace in the second half of the cut
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if i := strings.LastIndexAny(s[:cut], " \t\n"); i > n/2 {
		cut = i
	}
	return strings.TrimRight(s[:cut], " \t\n")
}
