// Package redaction scrubs secrets from payload text before it reaches logs.
package redaction

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

// IgnoreFileName is the per-home file of extra patterns, one regexp per line.
const IgnoreFileName = ".scrybeignore"

const replacement = "[REDACTED]"

// DefaultSnippet is the snippet length used when callers pass max <= 0.
const DefaultSnippet = 200

// secretFieldRe matches JSON string members whose key names a credential.
var secretFieldRe = regexp.MustCompile(`(?i)("(?:password|passwd|secret|token|api[_-]?key|access[_-]?key|auth(?:orization)?)"\s*:\s*)"(?:[^"\\]|\\.)*"`)

// sensitivePatterns are applied after JSON fields have been scrubbed.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sk_live_[a-zA-Z0-9]+`),             // Stripe live keys
	regexp.MustCompile(`(?i)sk_test_[a-zA-Z0-9]+`),             // Stripe test keys
	regexp.MustCompile(`ghp_[a-zA-Z0-9]+`),                     // GitHub PATs
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                     // AWS access key IDs
	regexp.MustCompile(`xoxb-[a-zA-Z0-9-]+`),                   // Slack bot tokens
	regexp.MustCompile(`-----BEGIN (?:RSA )?PRIVATE KEY-----`), // Private keys
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+`), // JWT tokens
	regexp.MustCompile(`(?i)password\s*[:=]\s*[^\s",}]+`),      // password=...
	regexp.MustCompile(`(?i)secret\s*[:=]\s*[^\s",}]+`),        // secret=...
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*[^\s",}]+`),   // api_key=...
}

// Redactor applies the built-in patterns plus caller-supplied ones. A nil
// *Redactor applies the built-in patterns only.
type Redactor struct {
	extra []*regexp.Regexp
}

// New returns a Redactor with extra patterns layered on the built-ins.
func New(extra []*regexp.Regexp) *Redactor {
	return &Redactor{extra: extra}
}

// String returns text with every match replaced by [REDACTED].
func (r *Redactor) String(text string) string {
	text = secretFieldRe.ReplaceAllString(text, `${1}"`+replacement+`"`)
	for _, re := range sensitivePatterns {
		text = re.ReplaceAllString(text, replacement)
	}
	if r == nil {
		return text
	}
	for _, re := range r.extra {
		text = re.ReplaceAllString(text, replacement)
	}
	return text
}

// Snippet redacts raw and truncates the result to at most max runes, marking
// truncation with a trailing ellipsis.
func (r *Redactor) Snippet(raw []byte, max int) string {
	if max <= 0 {
		max = DefaultSnippet
	}
	s := r.String(string(raw))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// LoadIgnoreFile reads an ignore file and compiles each non-blank,
// non-comment line as a regular expression.
// Returns nil (no error) if the file does not exist.
func LoadIgnoreFile(path string) ([]*regexp.Regexp, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []*regexp.Regexp
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, re)
	}
	return patterns, scanner.Err()
}
