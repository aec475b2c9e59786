package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phishpond/phishpond/internal/api"
	"github.com/phishpond/phishpond/internal/config"
	"github.com/phishpond/phishpond/internal/dispatch"
	"github.com/phishpond/phishpond/internal/session"
	"github.com/phishpond/phishpond/internal/store"
)

func newTestServer(t *testing.T, backend http.Handler, token string) *Server {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := api.NewClient(srv.URL, api.NewAuthSession(token))
	ctrl := dispatch.New(client, st, session.Toggles{Emails: true, Phones: true, SSNs: true})

	s, err := NewServer(8099, &config.Config{}, st, client, ctrl)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

func sessionRequest(method, target, sessionID string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("sessionID", sessionID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHighlightTags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "redaction tag gets marked",
			in:   "contact [REDACTED EMAIL] now",
			want: `contact <mark class="redaction-tag">[REDACTED EMAIL]</mark> now`,
		},
		{
			name: "message markup is escaped not rendered",
			in:   `<script>alert(1)</script> [REDACTED]`,
			want: `&lt;script&gt;alert(1)&lt;/script&gt; <mark class="redaction-tag">[REDACTED]</mark>`,
		},
		{
			name: "newlines become breaks",
			in:   "line one\nline two",
			want: "line one<br>line two",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(highlightTags(tt.in))
			if got != tt.want {
				t.Errorf("highlightTags(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHighlightTagsStripsInjectedMark(t *testing.T) {
	// A message that already contains mark tags must not keep them
	got := string(highlightTags(`<mark onclick="x()">fake</mark>`))
	if strings.Contains(got, "onclick") {
		t.Errorf("event handler survived sanitization: %q", got)
	}
}

func TestTotalLinks(t *testing.T) {
	tests := []struct {
		domains []string
		want    int
	}{
		{nil, 0},
		{[]string{"a.com (1 link)"}, 1},
		{[]string{"a.com (3 links)", "b.org (2 links)"}, 5},
		{[]string{"not a summary"}, 0},
	}
	for _, tt := range tests {
		if got := totalLinks(tt.domains); got != tt.want {
			t.Errorf("totalLinks(%v) = %d, want %d", tt.domains, got, tt.want)
		}
	}
}

func TestIndexVerifiesStoredToken(t *testing.T) {
	t.Run("revoked token", func(t *testing.T) {
		s := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}), "stale-token")

		rec := httptest.NewRecorder()
		s.handleIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if loc := rec.Header().Get("Location"); rec.Code != http.StatusFound || loc != "/login" {
			t.Errorf("got %d -> %q, want redirect to /login", rec.Code, loc)
		}
		if s.client.Auth().Valid() {
			t.Error("revoked token must not survive the check")
		}
	})

	t.Run("live token", func(t *testing.T) {
		s := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("[]"))
		}), "live-token")

		rec := httptest.NewRecorder()
		s.handleIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if loc := rec.Header().Get("Location"); rec.Code != http.StatusFound || loc != "/messages" {
			t.Errorf("got %d -> %q, want redirect to /messages", rec.Code, loc)
		}
		if !s.client.Auth().Valid() {
			t.Error("live token must survive the check")
		}
	})
}

func TestRedactionPostOnDiscardedSession(t *testing.T) {
	s := newTestServer(t, http.NotFoundHandler(), "tok")

	h := &session.Handoff{Subject: "subject", Content: "content", Action: session.ActionSubmit}
	sess, _, err := s.controller.Open(h.Encode())
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	// The session dies between page render and the form POST
	if err := sess.Cancel(); err != nil {
		t.Fatalf("failed to cancel session: %v", err)
	}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		target  string
		form    url.Values
	}{
		{
			name:    "rule toggle",
			handler: s.handleRedactionRules,
			target:  "/redact/" + sess.ID() + "/rules",
			form:    url.Values{"emails": {"on"}},
		},
		{
			name:    "pattern add",
			handler: s.handleRedactionPatternAdd,
			target:  "/redact/" + sess.ID() + "/patterns/add",
			form:    url.Values{"pattern": {"corp"}},
		},
		{
			name:    "pattern remove",
			handler: s.handleRedactionPatternRemove,
			target:  "/redact/" + sess.ID() + "/patterns/remove",
			form:    url.Values{"pattern": {"corp"}},
		},
		{
			name:    "url toggle",
			handler: s.handleRedactionURL,
			target:  "/redact/" + sess.ID() + "/urls",
			form:    url.Values{"url": {"https://evil.example"}, "state": {"on"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, sessionRequest(http.MethodPost, tt.target, sess.ID(), tt.form))

			if loc := rec.Header().Get("Location"); rec.Code != http.StatusFound || loc != "/messages" {
				t.Errorf("got %d -> %q, want redirect to /messages", rec.Code, loc)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    2,
		window:   time.Minute,
	}

	if !rl.Allow("vote") || !rl.Allow("vote") {
		t.Fatal("first requests should be allowed")
	}
	if rl.Allow("vote") {
		t.Error("request over the limit should be denied")
	}
	if !rl.Allow("login") {
		t.Error("different keys should not share a budget")
	}
}
