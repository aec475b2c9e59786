// Package api is the client for the community backend: login, submission,
// prediction, and voting all happen behind its REST interface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// AuthSession holds the opaque bearer credential for the process.
// Obtained at login, held for the session, invalidated on any 401/403 or
// explicit logout.
type AuthSession struct {
	mu    sync.Mutex
	token string
}

func NewAuthSession(token string) *AuthSession {
	return &AuthSession{token: token}
}

func (a *AuthSession) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *AuthSession) Set(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Invalidate drops the credential. The next authenticated call will fail
// fast with ErrAuthRequired instead of round-tripping a dead token.
func (a *AuthSession) Invalidate() {
	a.Set("")
}

func (a *AuthSession) Valid() bool {
	return a.Token() != ""
}

// Client talks to the backend. The embedded http.Client deliberately has
// no timeout: calls have no client-side timeout or retry, and in-flight
// requests are not cancelled by UI actions.
type Client struct {
	baseURL    string
	auth       *AuthSession
	httpClient *http.Client
}

func NewClient(baseURL string, auth *AuthSession) *Client {
	return &Client{
		baseURL:    baseURL,
		auth:       auth,
		httpClient: &http.Client{},
	}
}

func (c *Client) Auth() *AuthSession { return c.auth }

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// EmailSummary is one community-classified email with its vote counts.
type EmailSummary struct {
	ID              int64    `json:"id"`
	SenderDomain    string   `json:"sender_domain"`
	Subject         string   `json:"subject"`
	Content         string   `json:"content"`
	URLs            []string `json:"urls"`
	VotesPhishing   int      `json:"votes_phishing"`
	VotesLegitimate int      `json:"votes_legitimate"`
	UserVote        bool     `json:"user_vote"`
	UserVoteType    string   `json:"user_vote_type"`
	IsMine          bool     `json:"is_mine"`
}

// EmailFilter narrows the get_emails listing.
type EmailFilter struct {
	ShowMine    bool
	ShowUnvoted bool
}

// Report is the submit/predict request body. Content and subject arrive
// already redacted; the original draft never reaches this type.
type Report struct {
	SenderDomain string   `json:"sender_domain"`
	Subject      string   `json:"subject"`
	Date         string   `json:"date"`
	Content      string   `json:"content"`
	URLs         []string `json:"urls"`
}

// Register creates a new account. The backend validates that both
// password fields match and applies its own password rules; no token is
// issued, the caller logs in afterwards.
func (c *Client) Register(ctx context.Context, username, email, password, passwordConfirm string) error {
	body := map[string]string{
		"username":  username,
		"email":     email,
		"password":  password,
		"password2": passwordConfirm,
	}
	return c.do(ctx, http.MethodPost, "/api/register/", body, nil, false)
}

// Login exchanges credentials for a token and installs it in the auth
// session.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body := map[string]string{"username": username, "password": password}
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/login/", body, &out, false); err != nil {
		return nil, err
	}
	c.auth.Set(out.Token)
	return &out, nil
}

// Logout tells the backend to drop the token, then forgets it locally
// regardless of the outcome.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/logout/", nil, nil, true)
	c.auth.Invalidate()
	return err
}

// CheckAuth answers whether the stored token still works, using a
// filtered listing call as the cheapest authenticated request. A
// rejected token is invalidated as a side effect.
func (c *Client) CheckAuth(ctx context.Context) bool {
	if !c.auth.Valid() {
		return false
	}
	_, err := c.GetEmails(ctx, EmailFilter{})
	return err == nil
}

// GetEmails lists community emails with vote counts.
func (c *Client) GetEmails(ctx context.Context, filter EmailFilter) ([]EmailSummary, error) {
	path := "/api/get_emails/"
	sep := "?"
	if filter.ShowMine {
		path += sep + "show_mine=true"
		sep = "&"
	}
	if filter.ShowUnvoted {
		path += sep + "show_unvoted=true"
	}

	var out []EmailSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit stores a redacted report as community training data.
func (c *Client) Submit(ctx context.Context, report *Report) error {
	return c.do(ctx, http.MethodPost, "/api/submit/", report, nil, true)
}

// Predict asks the backend model for a phishing verdict on a redacted
// report. The wire answer is the literal "yes" or "no".
func (c *Client) Predict(ctx context.Context, report *Report) (bool, error) {
	var out struct {
		Phishy string `json:"phishy"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/predict/", report, &out, true); err != nil {
		return false, err
	}
	return out.Phishy == "yes", nil
}

// Vote records a phishing/legitimate vote on a community email.
// A 409 comes back as ErrDuplicateVote.
func (c *Client) Vote(ctx context.Context, emailID int64, isPhishing bool) error {
	body := map[string]any{"email_id": emailID, "is_phishing": isPhishing}
	return c.do(ctx, http.MethodPost, "/api/vote/", body, nil, true)
}

// DeleteEmail removes one of the caller's own submissions.
func (c *Client) DeleteEmail(ctx context.Context, emailID int64) error {
	path := fmt.Sprintf("/api/delete_email/%d/", emailID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, true)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.auth.Token()
		if token == "" {
			return ErrAuthRequired
		}
		req.Header.Set("Authorization", "Token "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.auth.Invalidate()
		return ErrAuthRequired
	}
	if resp.StatusCode == http.StatusConflict {
		return ErrDuplicateVote
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// errorMessage pulls the backend's error field out of a failure body,
// falling back to a status default.
func errorMessage(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return statusMessage(resp.StatusCode)
}
