// Package dispatch connects the message source, the redaction session,
// and the backend client. It owns the metadata that must survive the
// redaction step (sender domain, date) without ever holding the
// original body once a session has it.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/phishpond/phishpond/internal/api"
	"github.com/phishpond/phishpond/internal/mailbox"
	"github.com/phishpond/phishpond/internal/normalize"
	"github.com/phishpond/phishpond/internal/session"
	"github.com/phishpond/phishpond/internal/store"
)

// staged is the report context held between Stage and Complete. Only
// metadata lives here; subject and content travel through the session.
type staged struct {
	sessionID    string
	senderDomain string
	date         string
	domains      []string
}

// Controller routes one report at a time. Staging a new report
// displaces any unfinished one, matching the single-active-session
// rule.
type Controller struct {
	client   *api.Client
	store    *store.Store
	sessions *session.Manager
	defaults session.Toggles

	mu      sync.Mutex
	pending *staged
}

func New(client *api.Client, st *store.Store, defaults session.Toggles) *Controller {
	return &Controller{
		client:   client,
		store:    st,
		sessions: session.NewManager(),
		defaults: defaults,
	}
}

func (c *Controller) Sessions() *session.Manager { return c.sessions }

// Stage prepares a fetched message for redaction: subject and body are
// normalized to plain text, URLs extracted, and the result encoded as a
// handoff query string for the redaction page. The domain summary is
// computed here, before any redaction can touch the content.
func (c *Controller) Stage(msg *mailbox.Message, action session.Action) string {
	raw := msg.Content()

	h := &session.Handoff{
		Subject: normalize.Subject(msg.Subject),
		Content: normalize.Text(raw),
		URLs:    normalize.ExtractURLs(raw),
		Action:  action,
	}

	c.mu.Lock()
	c.pending = &staged{
		senderDomain: msg.FromDomain,
		date:         msg.Date.Format(time.RFC1123Z),
		domains:      normalize.DomainSummary(raw),
	}
	c.mu.Unlock()

	return h.Encode()
}

// Open decodes a handoff query string and opens the redaction session
// for it, merging the persisted custom patterns into the working set.
// Returns the pre-redaction domain summary for display alongside.
func (c *Controller) Open(rawQuery string) (*session.Session, []string, error) {
	h, err := session.ParseHandoff(rawQuery)
	if err != nil {
		return nil, nil, err
	}

	patterns, err := c.store.Patterns()
	if err != nil {
		log.Printf("Warning: failed to load saved patterns: %v", err)
		patterns = nil
	}

	s := c.sessions.Open(h, c.defaults, patterns)

	c.mu.Lock()
	var domains []string
	if c.pending != nil {
		c.pending.sessionID = s.ID()
		domains = c.pending.domains
	}
	c.mu.Unlock()

	return s, domains, nil
}

// StagedDomains returns the pre-redaction domain summary bound to the
// given session, or nil when the session has no staged report.
func (c *Controller) StagedDomains(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.sessionID != sessionID {
		return nil
	}
	return c.pending.domains
}

// Outcome reports what happened to a completed session.
type Outcome struct {
	Action  session.Action
	Verdict string // "phishy" or "legitimate" for predict, empty for submit
}

// Complete submits the session's redacted payload to the backend. The
// session is finalized first, so the original draft is gone before any
// network activity. The staged metadata is consumed whether or not the
// request succeeds.
func (c *Controller) Complete(ctx context.Context, s *session.Session) (*Outcome, error) {
	payload, err := s.Submit()
	if err != nil {
		return nil, err
	}
	c.sessions.Close(s.ID())

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending == nil || pending.sessionID != s.ID() {
		return nil, fmt.Errorf("no staged report for session %s", s.ID())
	}

	report := &api.Report{
		SenderDomain: pending.senderDomain,
		Subject:      payload.Subject,
		Date:         pending.date,
		Content:      payload.Content,
		URLs:         payload.URLs,
	}

	outcome := &Outcome{Action: payload.Action}
	switch payload.Action {
	case session.ActionPredict:
		phishy, err := c.client.Predict(ctx, report)
		if err != nil {
			return nil, err
		}
		if phishy {
			outcome.Verdict = "phishy"
		} else {
			outcome.Verdict = "legitimate"
		}
	default:
		if err := c.client.Submit(ctx, report); err != nil {
			return nil, err
		}
	}

	c.record(payload.Action, pending.senderDomain, payload.Subject, outcome.Verdict)
	return outcome, nil
}

// Cancel discards the session and its staged metadata.
func (c *Controller) Cancel(s *session.Session) {
	if err := s.Cancel(); err != nil && err != session.ErrNoActiveSession {
		log.Printf("Warning: failed to cancel session: %v", err)
	}
	c.sessions.Close(s.ID())

	c.mu.Lock()
	if c.pending != nil && c.pending.sessionID == s.ID() {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Controller) record(action session.Action, senderDomain, subject, verdict string) {
	storeAction := store.ActionSubmit
	if action == session.ActionPredict {
		storeAction = store.ActionPredict
	}
	if err := c.store.RecordReport(storeAction, senderDomain, subject, verdict); err != nil {
		log.Printf("Warning: failed to record report history: %v", err)
	}
}
