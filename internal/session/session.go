// Package session holds the state of one in-flight redaction interaction,
// from receiving original content to submit or cancel.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phishpond/phishpond/internal/redact"
)

// ErrNoActiveSession is returned by any operation on a session that was
// already submitted, cancelled, or displaced by a newer session.
var ErrNoActiveSession = errors.New("no active session")

// DecodeError marks a malformed handoff payload. Terminal: the session
// never becomes interactive and the user must restart the action.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode session %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// State of the session machine: Loading -> Ready -> (Previewing)* ->
// Submitted | Cancelled.
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StatePreviewing State = "previewing"
	StateSubmitted  State = "submitted"
	StateCancelled  State = "cancelled"
)

// BuiltIn identifies one of the toggleable built-in rule categories.
type BuiltIn string

const (
	BuiltInEmails BuiltIn = "emails"
	BuiltInPhones BuiltIn = "phones"
	BuiltInSSNs   BuiltIn = "ssns"
)

// Toggles is the activation state of the built-in rules.
type Toggles struct {
	Emails bool
	Phones bool
	SSNs   bool
}

// Result is the redaction output for one render or submit. Derived fresh
// from the original draft every time, never patched incrementally.
type Result struct {
	Subject string
	Content string
	URLs    []string
}

// Payload is the typed message a submitted session hands to the
// dispatcher. After it is produced the session retains nothing.
type Payload struct {
	Action  Action
	Subject string
	Content string
	URLs    []string
}

// View is a UI snapshot of the working rule set.
type View struct {
	ID       string
	State    State
	Action   Action
	Toggles  Toggles
	Patterns []string
	URLs     []URLEntry
}

type URLEntry struct {
	URL      string
	Redacted bool
}

// Session mediates between the original draft and the redaction rules.
// The original subject/content/URL set is immutable for the session's
// lifetime and is discarded the moment the session leaves the active
// states.
type Session struct {
	id     string
	action Action

	mu           sync.Mutex
	state        State
	subject      string
	content      string
	urls         []string
	toggles      Toggles
	custom       map[string]redact.Rule
	redactedURLs map[string]bool
}

func newSession(h *Handoff, defaults Toggles, savedPatterns []string) *Session {
	s := &Session{
		id:           uuid.New().String(),
		action:       h.Action,
		state:        StateReady,
		subject:      h.Subject,
		content:      h.Content,
		urls:         append([]string(nil), h.URLs...),
		toggles:      defaults,
		custom:       make(map[string]redact.Rule),
		redactedURLs: make(map[string]bool),
	}
	// Persisted patterns merge with session-local additions
	for _, p := range savedPatterns {
		if p != "" {
			s.custom[p] = redact.CompileRule(p)
		}
	}
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Action() Action { return s.action }

func (s *Session) active() bool {
	return s.state == StateReady || s.state == StatePreviewing
}

// SetBuiltIn toggles one built-in rule category.
func (s *Session) SetBuiltIn(kind BuiltIn, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoActiveSession
	}
	switch kind {
	case BuiltInEmails:
		s.toggles.Emails = on
	case BuiltInPhones:
		s.toggles.Phones = on
	case BuiltInSSNs:
		s.toggles.SSNs = on
	default:
		return fmt.Errorf("unknown built-in rule %q", kind)
	}
	s.state = StatePreviewing
	return nil
}

// AddPattern adds a custom pattern, compiled once. Duplicates collapse.
func (s *Session) AddPattern(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoActiveSession
	}
	if pattern == "" {
		return nil
	}
	if _, ok := s.custom[pattern]; !ok {
		s.custom[pattern] = redact.CompileRule(pattern)
	}
	s.state = StatePreviewing
	return nil
}

func (s *Session) RemovePattern(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoActiveSession
	}
	delete(s.custom, pattern)
	s.state = StatePreviewing
	return nil
}

// SetURLRedacted marks one extracted URL for redaction wherever its
// literal string appears.
func (s *Session) SetURLRedacted(url string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoActiveSession
	}
	if on {
		s.redactedURLs[url] = true
	} else {
		delete(s.redactedURLs, url)
	}
	s.state = StatePreviewing
	return nil
}

// redactor builds the rule set for one pass. Callers hold s.mu.
func (s *Session) redactor() *redact.Redactor {
	r := &redact.Redactor{
		Emails: s.toggles.Emails,
		Phones: s.toggles.Phones,
		SSNs:   s.toggles.SSNs,
	}
	patterns := make([]string, 0, len(s.custom))
	for p := range s.custom {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		r.Custom = append(r.Custom, s.custom[p])
	}
	for _, u := range s.urls {
		if s.redactedURLs[u] {
			r.URLs = append(r.URLs, u)
		}
	}
	return r
}

func (s *Session) compute() *Result {
	r := s.redactor()
	return &Result{
		Subject: r.Apply(s.subject),
		Content: r.Apply(s.content),
		URLs:    r.ApplyAll(s.urls),
	}
}

// Preview recomputes the full redaction result from the untouched
// original draft.
func (s *Session) Preview() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return nil, ErrNoActiveSession
	}
	return s.compute(), nil
}

// Snapshot returns the UI view of the working rule set.
func (s *Session) Snapshot() (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return nil, ErrNoActiveSession
	}
	v := &View{
		ID:      s.id,
		State:   s.state,
		Action:  s.action,
		Toggles: s.toggles,
	}
	for p := range s.custom {
		v.Patterns = append(v.Patterns, p)
	}
	sort.Strings(v.Patterns)
	for _, u := range s.urls {
		v.URLs = append(v.URLs, URLEntry{URL: u, Redacted: s.redactedURLs[u]})
	}
	return v, nil
}

// Submit computes the final result once more, clears every trace of the
// original content, and returns the payload for the dispatcher. The
// original draft must not outlive this transition.
func (s *Session) Submit() (*Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return nil, ErrNoActiveSession
	}
	result := s.compute()
	payload := &Payload{
		Action:  s.action,
		Subject: result.Subject,
		Content: result.Content,
		URLs:    result.URLs,
	}
	s.discard(StateSubmitted)
	return payload, nil
}

// Cancel discards all session state without emitting any payload.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoActiveSession
	}
	s.discard(StateCancelled)
	return nil
}

// discard drops the original draft and working rule set. Callers hold s.mu.
func (s *Session) discard(final State) {
	s.state = final
	s.subject = ""
	s.content = ""
	s.urls = nil
	s.custom = nil
	s.redactedURLs = nil
}

// Manager holds at most one active session. Opening a new session
// implicitly discards any prior unsubmitted session's original content.
type Manager struct {
	mu     sync.Mutex
	active *Session
}

func NewManager() *Manager { return &Manager{} }

// Open constructs a session from a decoded handoff, merging the persisted
// custom patterns into the working set.
func (m *Manager) Open(h *Handoff, defaults Toggles, savedPatterns []string) *Session {
	s := newSession(h, defaults, savedPatterns)

	m.mu.Lock()
	prior := m.active
	m.active = s
	m.mu.Unlock()

	if prior != nil {
		prior.Cancel()
	}
	return s
}

// Get returns the active session if its ID matches; a stale ID (from a
// window that outlived its session) gets ErrNoActiveSession.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.id != id {
		return nil, ErrNoActiveSession
	}
	return m.active, nil
}

// Close forgets the session if it is still the active one. Call after
// submit or cancel so stale IDs cannot resolve.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.id == id {
		m.active = nil
	}
}
