package web

import (
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"github.com/phishpond/phishpond/internal/api"
	"github.com/phishpond/phishpond/internal/mailbox"
	"github.com/phishpond/phishpond/internal/redact"
	"github.com/phishpond/phishpond/internal/session"
)

const recentDays = 7

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Verify the stored token against the server so a revoked
	// credential does not keep rendering as signed in. A 401/403
	// invalidates the auth session; a network failure leaves it
	// untouched.
	if s.client.Auth().Valid() {
		s.client.CheckAuth(r.Context())
	}
	if !s.client.Auth().Valid() {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/messages", http.StatusFound)
}

// Auth

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.renderWithCSRF(w, r, "login.html", map[string]interface{}{
		"Title":      "Sign In",
		"Username":   "",
		"Registered": r.URL.Query().Get("registered") == "1",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("login") {
		s.renderWithCSRF(w, r, "login.html", map[string]interface{}{
			"Title":    "Sign In",
			"Error":    "Too many login attempts. Please wait a minute and try again.",
			"Username": "",
		})
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	if username == "" || password == "" {
		s.renderWithCSRF(w, r, "login.html", map[string]interface{}{
			"Title":    "Sign In",
			"Error":    "Username and password are required.",
			"Username": username,
		})
		return
	}

	resp, err := s.client.Login(r.Context(), username, password)
	if err != nil {
		s.renderWithCSRF(w, r, "login.html", map[string]interface{}{
			"Title":    "Sign In",
			"Error":    loginErrorMessage(err),
			"Username": username,
		})
		return
	}

	if err := s.store.SaveCredential(resp.Token, resp.Username); err != nil {
		log.Printf("Warning: failed to persist credential: %v", err)
	}

	http.Redirect(w, r, "/messages", http.StatusFound)
}

func loginErrorMessage(err error) string {
	var netErr *api.NetworkError
	if errors.As(err, &netErr) {
		return "Could not reach the server. Is the backend running?"
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return "Login failed. Please check your credentials."
}

func (s *Server) handleRegisterPage(w http.ResponseWriter, r *http.Request) {
	s.renderWithCSRF(w, r, "register.html", map[string]interface{}{
		"Title":    "Create Account",
		"Username": "",
		"Email":    "",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("register") {
		s.renderWithCSRF(w, r, "register.html", map[string]interface{}{
			"Title":    "Create Account",
			"Error":    "Too many attempts. Please wait a minute and try again.",
			"Username": "",
			"Email":    "",
		})
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	email := strings.TrimSpace(r.FormValue("email"))
	password := r.FormValue("password")
	passwordConfirm := r.FormValue("password2")

	fail := func(message string) {
		s.renderWithCSRF(w, r, "register.html", map[string]interface{}{
			"Title":    "Create Account",
			"Error":    message,
			"Username": username,
			"Email":    email,
		})
	}

	if username == "" || email == "" || password == "" {
		fail("Username, email and password are required.")
		return
	}
	if password != passwordConfirm {
		fail("Password fields didn't match.")
		return
	}

	if err := s.client.Register(r.Context(), username, email, password, passwordConfirm); err != nil {
		fail(loginErrorMessage(err))
		return
	}

	http.Redirect(w, r, "/login?registered=1", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Logout(r.Context()); err != nil {
		log.Printf("Warning: logout request failed: %v", err)
	}
	if err := s.store.ClearCredential(); err != nil {
		log.Printf("Warning: failed to clear stored credential: %v", err)
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// Mailbox listing and staging

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Title": "Messages",
	}

	if err := s.config.ValidateMailbox(); err != nil {
		data["MailboxError"] = fmt.Sprintf("Mailbox not configured: %v. Run 'phishpond init' to set it up.", err)
		s.renderWithCSRF(w, r, "messages.html", data)
		return
	}

	mb := mailbox.New(s.config.Mailbox)
	if err := mb.Connect(r.Context()); err != nil {
		data["MailboxError"] = err.Error()
		s.renderWithCSRF(w, r, "messages.html", data)
		return
	}
	defer mb.Disconnect()

	summaries, err := mb.ListRecent(r.Context(), recentDays)
	if err != nil {
		data["MailboxError"] = err.Error()
		s.renderWithCSRF(w, r, "messages.html", data)
		return
	}

	// Newest first for display
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}

	data["Messages"] = summaries
	data["Days"] = recentDays
	s.renderWithCSRF(w, r, "messages.html", data)
}

func (s *Server) handleStageMessage(w http.ResponseWriter, r *http.Request) {
	uid64, err := strconv.ParseUint(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	action := session.ActionSubmit
	if r.FormValue("action") == string(session.ActionPredict) {
		action = session.ActionPredict
	}

	if err := s.config.ValidateMailbox(); err != nil {
		http.Error(w, "Mailbox not configured", http.StatusBadRequest)
		return
	}

	mb := mailbox.New(s.config.Mailbox)
	if err := mb.Connect(r.Context()); err != nil {
		http.Error(w, "Failed to connect to mailbox: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer mb.Disconnect()

	msg, err := mb.Fetch(r.Context(), uint32(uid64))
	if err != nil {
		http.Error(w, "Failed to fetch message: "+err.Error(), http.StatusBadGateway)
		return
	}

	query := s.controller.Stage(msg, action)
	http.Redirect(w, r, "/redact?"+query, http.StatusFound)
}

// Redaction flow

// handleOpenRedaction decodes the handoff carried in the raw query
// string and opens a session for it. The raw query is used directly:
// the handoff escaping is not plain percent-encoding.
func (s *Server) handleOpenRedaction(w http.ResponseWriter, r *http.Request) {
	sess, _, err := s.controller.Open(r.URL.RawQuery)
	if err != nil {
		var decodeErr *session.DecodeError
		if errors.As(err, &decodeErr) {
			s.renderWithCSRF(w, r, "result.html", map[string]interface{}{
				"Title": "Error",
				"Error": "The message could not be loaded for redaction. Please go back and try again.",
			})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/redact/"+sess.ID(), http.StatusFound)
}

func (s *Server) redactionSession(w http.ResponseWriter, r *http.Request) *session.Session {
	sess, err := s.controller.Sessions().Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Redirect(w, r, "/messages", http.StatusFound)
		return nil
	}
	return sess
}

func (s *Server) handleRedaction(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}

	view, err := sess.Snapshot()
	if err != nil {
		http.Redirect(w, r, "/messages", http.StatusFound)
		return
	}
	result, err := sess.Preview()
	if err != nil {
		http.Redirect(w, r, "/messages", http.StatusFound)
		return
	}

	s.renderWithCSRF(w, r, "redact.html", map[string]interface{}{
		"Title":       "Review & Redact",
		"SessionID":   view.ID,
		"Action":      string(view.Action),
		"Toggles":     view.Toggles,
		"Patterns":    view.Patterns,
		"URLs":        view.URLs,
		"Domains":     s.controller.StagedDomains(view.ID),
		"Subject":     highlightTags(result.Subject),
		"Content":     highlightTags(result.Content),
		"SubmitLabel": submitLabel(view.Action),
		"NotLoggedIn": !s.client.Auth().Valid(),
	})
}

func submitLabel(action session.Action) string {
	if action == session.ActionPredict {
		return "Check This Email"
	}
	return "Submit to Community"
}

func (s *Server) handleRedactionRules(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}

	// Unchecked boxes are absent from the form
	err := sess.SetBuiltIn(session.BuiltInEmails, r.FormValue("emails") == "on")
	if err == nil {
		err = sess.SetBuiltIn(session.BuiltInPhones, r.FormValue("phones") == "on")
	}
	if err == nil {
		err = sess.SetBuiltIn(session.BuiltInSSNs, r.FormValue("ssns") == "on")
	}
	if err != nil {
		// The session was discarded between render and POST
		http.Redirect(w, r, "/messages", http.StatusFound)
		return
	}

	http.Redirect(w, r, "/redact/"+sess.ID(), http.StatusFound)
}

func (s *Server) handleRedactionPatternAdd(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}

	pattern := strings.TrimSpace(r.FormValue("pattern"))
	if pattern != "" {
		if err := sess.AddPattern(pattern); err != nil {
			http.Redirect(w, r, "/messages", http.StatusFound)
			return
		}
		if r.FormValue("save") == "on" {
			if err := s.store.AddPattern(pattern); err != nil {
				log.Printf("Warning: failed to save pattern: %v", err)
			}
		}
	}

	http.Redirect(w, r, "/redact/"+sess.ID(), http.StatusFound)
}

func (s *Server) handleRedactionPatternRemove(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}
	if err := sess.RemovePattern(r.FormValue("pattern")); err != nil {
		http.Redirect(w, r, "/messages", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/redact/"+sess.ID(), http.StatusFound)
}

func (s *Server) handleRedactionURL(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}
	if err := sess.SetURLRedacted(r.FormValue("url"), r.FormValue("state") == "on"); err != nil {
		http.Redirect(w, r, "/messages", http.StatusFound)
		return
	}
	http.Redirect(w, r, "/redact/"+sess.ID(), http.StatusFound)
}

func (s *Server) handleRedactionSubmit(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}

	if !s.rateLimiter.Allow("report") {
		s.renderWithCSRF(w, r, "result.html", map[string]interface{}{
			"Title": "Slow Down",
			"Error": "Too many reports in a short time. Please wait a moment.",
		})
		return
	}

	outcome, err := s.controller.Complete(r.Context(), sess)
	if err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		s.renderWithCSRF(w, r, "result.html", map[string]interface{}{
			"Title": "Error",
			"Error": resultErrorMessage(err),
		})
		return
	}

	data := map[string]interface{}{
		"Title":  "Done",
		"Action": string(outcome.Action),
	}
	if outcome.Action == session.ActionPredict {
		data["Verdict"] = outcome.Verdict
	}
	s.renderWithCSRF(w, r, "result.html", data)
}

func resultErrorMessage(err error) string {
	var netErr *api.NetworkError
	if errors.As(err, &netErr) {
		return "Could not reach the server. Your report was not sent."
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func (s *Server) handleRedactionCancel(w http.ResponseWriter, r *http.Request) {
	sess := s.redactionSession(w, r)
	if sess == nil {
		return
	}
	s.controller.Cancel(sess)
	http.Redirect(w, r, "/messages", http.StatusFound)
}

// Voting

// VoteEntry wraps one community email with display helpers the
// template needs.
type VoteEntry struct {
	api.EmailSummary
	TotalLinks int
}

var linkCountPattern = regexp.MustCompile(`\((\d+) links?\)`)

// totalLinks sums the counts out of domain summary strings like
// "example.com (3 links)".
func totalLinks(domains []string) int {
	total := 0
	for _, d := range domains {
		if m := linkCountPattern.FindStringSubmatch(d); m != nil {
			n, _ := strconv.Atoi(m[1])
			total += n
		}
	}
	return total
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	filter := api.EmailFilter{
		ShowMine:    r.URL.Query().Get("show_mine") == "1",
		ShowUnvoted: r.URL.Query().Get("show_unvoted") == "1",
	}

	emails, err := s.client.GetEmails(r.Context(), filter)
	if err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		s.renderWithCSRF(w, r, "votes.html", map[string]interface{}{
			"Title": "Community Votes",
			"Error": resultErrorMessage(err),
		})
		return
	}

	entries := make([]VoteEntry, 0, len(emails))
	for _, e := range emails {
		entries = append(entries, VoteEntry{EmailSummary: e, TotalLinks: totalLinks(e.URLs)})
	}

	s.renderWithCSRF(w, r, "votes.html", map[string]interface{}{
		"Title":       "Community Votes",
		"Emails":      entries,
		"ShowMine":    filter.ShowMine,
		"ShowUnvoted": filter.ShowUnvoted,
		"Duplicate":   r.URL.Query().Get("dup") == "1",
	})
}

// voteQuery rebuilds the filter query string so redirects keep the
// current view.
func voteQuery(filter api.EmailFilter, duplicate bool) string {
	var parts []string
	if filter.ShowMine {
		parts = append(parts, "show_mine=1")
	}
	if filter.ShowUnvoted {
		parts = append(parts, "show_unvoted=1")
	}
	if duplicate {
		parts = append(parts, "dup=1")
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow("vote") {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	emailID, err := strconv.ParseInt(chi.URLParam(r, "emailID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid email ID", http.StatusBadRequest)
		return
	}

	filter := api.EmailFilter{
		ShowMine:    r.FormValue("show_mine") == "1",
		ShowUnvoted: r.FormValue("show_unvoted") == "1",
	}
	isPhishing := r.FormValue("verdict") == "phishing"

	err = s.client.Vote(r.Context(), emailID, isPhishing)
	if errors.Is(err, api.ErrDuplicateVote) {
		// Voting twice is a no-op server-side; surface it as a notice
		http.Redirect(w, r, "/votes"+voteQuery(filter, true), http.StatusFound)
		return
	}
	if err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		http.Error(w, resultErrorMessage(err), http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, "/votes"+voteQuery(filter, false), http.StatusFound)
}

func (s *Server) handleVoteDelete(w http.ResponseWriter, r *http.Request) {
	emailID, err := strconv.ParseInt(chi.URLParam(r, "emailID"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid email ID", http.StatusBadRequest)
		return
	}

	if err := s.client.DeleteEmail(r.Context(), emailID); err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		http.Error(w, resultErrorMessage(err), http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, "/votes", http.StatusFound)
}

// Saved patterns

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.Patterns()
	data := map[string]interface{}{
		"Title":    "Saved Patterns",
		"Patterns": patterns,
	}
	if err != nil {
		data["Error"] = err.Error()
	}
	s.renderWithCSRF(w, r, "patterns.html", data)
}

func (s *Server) handlePatternAdd(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.FormValue("pattern"))
	if pattern != "" {
		if err := s.store.AddPattern(pattern); err != nil {
			log.Printf("Warning: failed to save pattern: %v", err)
		}
	}
	http.Redirect(w, r, "/patterns", http.StatusFound)
}

func (s *Server) handlePatternRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemovePattern(r.FormValue("pattern")); err != nil {
		log.Printf("Warning: failed to remove pattern: %v", err)
	}
	http.Redirect(w, r, "/patterns", http.StatusFound)
}

// Report history

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.RecentReports(100)
	data := map[string]interface{}{
		"Title":   "Report History",
		"Reports": reports,
	}
	if err != nil {
		data["Error"] = err.Error()
	}
	s.renderWithCSRF(w, r, "history.html", data)
}

// Preview highlighting

// previewPolicy allows only the markup highlightTags itself emits.
var previewPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("mark", "br")
	p.AllowAttrs("class").OnElements("mark")
	return p
}()

// highlightTags renders redacted text for the preview pane: everything
// is escaped, redaction tags get a <mark> so they stand out, and
// newlines become <br>. The result passes through bluemonday so no
// message-controlled markup can survive.
func highlightTags(text string) template.HTML {
	escaped := template.HTMLEscapeString(text)
	marked := redact.WrapTags(escaped, func(tag string) string {
		return `<mark class="redaction-tag">` + tag + `</mark>`
	})
	marked = strings.ReplaceAll(marked, "\n", "<br>")
	return template.HTML(previewPolicy.Sanitize(marked))
}
