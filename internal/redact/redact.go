// Package redact replaces sensitive substrings with fixed placeholder tags
// before any content leaves the local device.
package redact

import (
	"regexp"
	"strings"
)

// Replacement tags. These are deliberately stable strings: the backend and
// the voting UI both recognize them.
const (
	TagEmail = "[REDACTED EMAIL]"
	TagPhone = "[REDACTED PHONE]"
	TagSSN   = "[REDACTED SSN]"
	TagOther = "[REDACTED]"
	TagURL   = "[REDACTED URL]"
)

// Built-in patterns, applied in a fixed order: email, then phone, then SSN.
var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b(\+\d{1,2}\s?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)

	tagSpan = regexp.MustCompile(`\[REDACTED[^\]]*\]`)
)

// Rule is a custom redaction rule resolved once at construction: either a
// compiled case-insensitive regex or, when the pattern does not compile, a
// literal matcher over the escaped pattern. Redaction never fails because
// of a bad pattern.
type Rule struct {
	Pattern string
	matcher *regexp.Regexp
	Literal bool
}

// CompileRule resolves a stored pattern string into a matcher.
func CompileRule(pattern string) Rule {
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		return Rule{Pattern: pattern, matcher: re}
	}
	return Rule{
		Pattern: pattern,
		matcher: regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern)),
		Literal: true,
	}
}

func (r Rule) apply(text string) string {
	if r.matcher == nil {
		return text
	}
	return r.matcher.ReplaceAllString(text, TagOther)
}

// Redactor applies an ordered set of redaction rules. It carries no
// derived state: callers construct it from the active toggles and apply it
// to the untouched original text on every pass.
type Redactor struct {
	Emails bool
	Phones bool
	SSNs   bool
	Custom []Rule
	URLs   []string // literal URL strings to redact wherever they appear
}

// Apply redacts text with the active rules. Replacement tags themselves can
// be re-matched by a custom pattern that happens to equal a bracketed tag;
// that is an accepted limitation of the scheme, not something to patch
// around silently.
func (r *Redactor) Apply(text string) string {
	result := text

	if r.Emails {
		result = emailPattern.ReplaceAllString(result, TagEmail)
	}
	if r.Phones {
		result = phonePattern.ReplaceAllString(result, TagPhone)
	}
	if r.SSNs {
		result = ssnPattern.ReplaceAllString(result, TagSSN)
	}

	for _, rule := range r.Custom {
		result = rule.apply(result)
	}

	for _, u := range r.URLs {
		if u != "" {
			result = strings.ReplaceAll(result, u, TagURL)
		}
	}

	return result
}

// ApplyAll redacts a slice of strings element-wise, for URL lists.
func (r *Redactor) ApplyAll(items []string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = r.Apply(item)
	}
	return out
}

// WrapTags rewrites every replacement tag in text through wrap, for preview
// highlighting. The underlying redacted text is never altered; only the
// returned copy carries the markers.
func WrapTags(text string, wrap func(tag string) string) string {
	return tagSpan.ReplaceAllStringFunc(text, wrap)
}
