package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Action tags which backend call a session will end in.
type Action string

const (
	ActionPredict Action = "predict"
	ActionSubmit  Action = "submit"
)

// Handoff is the bundle passed from the dispatcher to the redaction UI.
// The encoding is a query-string contract inherited from earlier clients:
// component encoding with apostrophes and parentheses escaped on top of
// the normal percent-encoding, and the URL list as an escaped JSON array.
// Both directions must keep matching it exactly.
type Handoff struct {
	Subject string
	Content string
	URLs    []string
	Action  Action
}

// componentSafe reports bytes the encoder leaves bare. This is the
// encodeURIComponent unreserved set minus the apostrophe and parentheses,
// which the legacy scheme escaped additionally.
func componentSafe(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '!' || c == '~' || c == '*':
		return true
	}
	return false
}

// EncodeComponent percent-encodes s for use as a handoff query value.
func EncodeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if componentSafe(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// DecodeComponent reverses EncodeComponent: the extra escapes are undone
// first, then the standard percent-decoding runs. The order matters; it
// mirrors the encoder exactly, fragile as the scheme is for unusual input.
func DecodeComponent(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	s = strings.NewReplacer("%27", "'", "%28", "(", "%29", ")").Replace(s)
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("malformed component: %w", err)
	}
	return decoded, nil
}

// Encode renders the handoff as a raw query string.
func (h *Handoff) Encode() string {
	urlsJSON, _ := json.Marshal(h.URLs)
	action := h.Action
	if action == "" {
		action = ActionSubmit
	}
	return "subject=" + EncodeComponent(h.Subject) +
		"&content=" + EncodeComponent(h.Content) +
		"&urls=" + EncodeComponent(string(urlsJSON)) +
		"&action=" + EncodeComponent(string(action))
}

// ParseHandoff decodes a raw query string produced by Encode. Failures are
// DecodeErrors: terminal for the session being constructed, the user must
// restart the action.
func ParseHandoff(rawQuery string) (*Handoff, error) {
	fields := make(map[string]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, _ := strings.Cut(pair, "=")
		fields[key] = value
	}

	subject, err := DecodeComponent(fields["subject"])
	if err != nil {
		return nil, &DecodeError{Field: "subject", Err: err}
	}
	content, err := DecodeComponent(fields["content"])
	if err != nil {
		return nil, &DecodeError{Field: "content", Err: err}
	}
	if subject == "" || content == "" {
		return nil, &DecodeError{Field: "content", Err: fmt.Errorf("missing subject or content")}
	}

	h := &Handoff{Subject: subject, Content: content}

	if raw := fields["urls"]; raw != "" {
		urlsJSON, err := DecodeComponent(raw)
		if err != nil {
			return nil, &DecodeError{Field: "urls", Err: err}
		}
		if err := json.Unmarshal([]byte(urlsJSON), &h.URLs); err != nil {
			return nil, &DecodeError{Field: "urls", Err: err}
		}
	}

	switch Action(fields["action"]) {
	case ActionPredict:
		h.Action = ActionPredict
	default:
		h.Action = ActionSubmit
	}

	return h, nil
}
