package redact

import (
	"strings"
	"testing"
)

func TestBuiltInRules(t *testing.T) {
	tests := []struct {
		name     string
		redactor Redactor
		input    string
		want     string
	}{
		{
			name:     "email redacted",
			redactor: Redactor{Emails: true},
			input:    "Contact alice.smith+work@example.co.uk for details",
			want:     "Contact [REDACTED EMAIL] for details",
		},
		{
			name:     "phone with separators",
			redactor: Redactor{Phones: true},
			input:    "call 555-123-4567 today",
			want:     "call [REDACTED PHONE] today",
		},
		{
			// The word boundary cannot sit between a space and "+" or "(",
			// so a leading country code survives while the digits do not.
			name:     "phone behind country code",
			redactor: Redactor{Phones: true},
			input:    "call +1 (555) 123-4567 today",
			want:     "call +1 ([REDACTED PHONE] today",
		},
		{
			name:     "phone with dots",
			redactor: Redactor{Phones: true},
			input:    "fax 555.123.4567 please",
			want:     "fax [REDACTED PHONE] please",
		},
		{
			name:     "ssn with dashes",
			redactor: Redactor{SSNs: true},
			input:    "SSN 123-45-6789 on file",
			want:     "SSN [REDACTED SSN] on file",
		},
		{
			name:     "inactive rules leave text alone",
			redactor: Redactor{},
			input:    "alice@example.com 555-123-4567",
			want:     "alice@example.com 555-123-4567",
		},
		{
			name:     "multiple matches all redacted",
			redactor: Redactor{Emails: true},
			input:    "a@x.com wrote to b@y.org",
			want:     "[REDACTED EMAIL] wrote to [REDACTED EMAIL]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.redactor.Apply(tt.input); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCustomRules(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
		want    string
	}{
		{
			name:    "literal word",
			pattern: "secret",
			input:   "this is secret info",
			want:    "this is [REDACTED] info",
		},
		{
			name:    "case insensitive",
			pattern: "acme corp",
			input:   "Invoice from ACME Corp attached",
			want:    "Invoice from [REDACTED] attached",
		},
		{
			name:    "valid regex used as regex",
			pattern: `order-\d+`,
			input:   "ref Order-12345 pending",
			want:    "ref [REDACTED] pending",
		},
		{
			name:    "invalid regex falls back to literal matching",
			pattern: "project(alpha",
			input:   "the project(alpha files",
			want:    "the [REDACTED] files",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Redactor{Custom: []Rule{CompileRule(tt.pattern)}}
			if got := r.Apply(tt.input); got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompileRuleResolution(t *testing.T) {
	if rule := CompileRule(`order-\d+`); rule.Literal {
		t.Errorf("valid regex should not resolve to a literal matcher")
	}
	if rule := CompileRule("broken(pattern"); !rule.Literal {
		t.Errorf("invalid regex should resolve to a literal matcher")
	}
}

func TestURLRedaction(t *testing.T) {
	r := Redactor{URLs: []string{"http://phish.example/login"}}

	got := r.Apply("visit http://phish.example/login now, http://ok.example stays")
	want := "visit [REDACTED URL] now, http://ok.example stays"
	if got != want {
		t.Errorf("Apply() = %q, want %q", got, want)
	}

	// The URL list itself is redacted through the same path
	list := r.ApplyAll([]string{"http://phish.example/login", "http://ok.example"})
	if list[0] != "[REDACTED URL]" || list[1] != "http://ok.example" {
		t.Errorf("ApplyAll() = %v", list)
	}
}

func TestRuleOrderEmailBeforePhone(t *testing.T) {
	// The numeric local part must be consumed by the email rule before the
	// phone rule can see it.
	r := Redactor{Emails: true, Phones: true}
	got := r.Apply("mail 5551234567@sms.example please")
	if strings.Contains(got, "5551234567") {
		t.Errorf("original digits survived redaction: %q", got)
	}
	if !strings.Contains(got, TagEmail) {
		t.Errorf("expected email tag, got %q", got)
	}
}

func TestWrapTags(t *testing.T) {
	text := "from [REDACTED EMAIL] about [REDACTED]"
	got := WrapTags(text, func(tag string) string { return "<<" + tag + ">>" })
	want := "from <<[REDACTED EMAIL]>> about <<[REDACTED]>>"
	if got != want {
		t.Errorf("WrapTags() = %q, want %q", got, want)
	}
}
