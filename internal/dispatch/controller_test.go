package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/phishpond/phishpond/internal/api"
	"github.com/phishpond/phishpond/internal/mailbox"
	"github.com/phishpond/phishpond/internal/session"
	"github.com/phishpond/phishpond/internal/store"
)

func testController(t *testing.T, handler http.Handler) (*Controller, *store.Store) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := api.NewClient(srv.URL, api.NewAuthSession("test-token"))
	return New(client, st, session.Toggles{Emails: true, Phones: true, SSNs: true}), st
}

func testMessage() *mailbox.Message {
	return &mailbox.Message{
		UID:        7,
		From:       "security@phish.example",
		FromDomain: "phish.example",
		Subject:    "Verify your <b>account</b>",
		Date:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		HTMLBody: `<p>Contact admin@corp.example or visit` +
			` <a href="https://evil.example/login">here</a>.</p>`,
	}
}

func TestStageAndOpen(t *testing.T) {
	c, st := testController(t, http.NotFoundHandler())

	if err := st.AddPattern("corp"); err != nil {
		t.Fatalf("failed to add pattern: %v", err)
	}

	query := c.Stage(testMessage(), session.ActionSubmit)

	s, domains, err := c.Open(query)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	want := []string{"evil.example (1 link)"}
	if !reflect.DeepEqual(domains, want) {
		t.Errorf("domain summary = %v, want %v", domains, want)
	}

	view, err := s.Snapshot()
	if err != nil {
		t.Fatalf("failed to snapshot session: %v", err)
	}
	if !reflect.DeepEqual(view.Patterns, []string{"corp"}) {
		t.Errorf("saved patterns not merged: %v", view.Patterns)
	}

	result, err := s.Preview()
	if err != nil {
		t.Fatalf("failed to preview: %v", err)
	}
	if result.Subject != "Verify your account" {
		t.Errorf("subject not normalized: %q", result.Subject)
	}
	if result.Content == "" {
		t.Error("expected normalized content")
	}
}

func TestCompleteSubmit(t *testing.T) {
	var got api.Report
	c, st := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/submit/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	query := c.Stage(testMessage(), session.ActionSubmit)
	s, _, err := c.Open(query)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	outcome, err := c.Complete(context.Background(), s)
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if outcome.Action != session.ActionSubmit || outcome.Verdict != "" {
		t.Errorf("unexpected outcome %+v", outcome)
	}

	if got.SenderDomain != "phish.example" {
		t.Errorf("sender_domain = %q", got.SenderDomain)
	}
	if got.Date != "Sat, 14 Mar 2026 09:30:00 +0000" {
		t.Errorf("date = %q", got.Date)
	}
	if got.Content == "" || got.Subject == "" {
		t.Errorf("empty report fields: %+v", got)
	}

	reports, err := st.RecentReports(5)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(reports) != 1 || reports[0].Action != store.ActionSubmit {
		t.Errorf("history = %+v", reports)
	}

	// Staged metadata is consumed; a stale session cannot resubmit
	if _, err := c.Complete(context.Background(), s); err != session.ErrNoActiveSession {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestCompletePredict(t *testing.T) {
	c, st := testController(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/predict/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"phishy": "yes"})
	}))

	query := c.Stage(testMessage(), session.ActionPredict)
	s, _, err := c.Open(query)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	outcome, err := c.Complete(context.Background(), s)
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if outcome.Verdict != "phishy" {
		t.Errorf("verdict = %q, want phishy", outcome.Verdict)
	}

	reports, err := st.RecentReports(5)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(reports) != 1 || reports[0].Verdict != "phishy" {
		t.Errorf("history = %+v", reports)
	}
}

func TestCancelClearsStagedReport(t *testing.T) {
	c, _ := testController(t, http.NotFoundHandler())

	query := c.Stage(testMessage(), session.ActionSubmit)
	s, _, err := c.Open(query)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	c.Cancel(s)

	if _, err := s.Preview(); err != session.ErrNoActiveSession {
		t.Errorf("expected discarded session, got %v", err)
	}
	if _, err := c.Sessions().Get(s.ID()); err != session.ErrNoActiveSession {
		t.Errorf("stale session ID still resolves: %v", err)
	}
}
