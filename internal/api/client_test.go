package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login/" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" || body["password"] != "hunter2" {
			t.Errorf("unexpected credentials %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123", "username": "alice"})
	}))
	defer srv.Close()

	auth := NewAuthSession("")
	client := NewClient(srv.URL, auth)

	resp, err := client.Login(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if resp.Token != "tok-123" {
		t.Errorf("token = %q", resp.Token)
	}
	if auth.Token() != "tok-123" {
		t.Errorf("auth session not updated, token = %q", auth.Token())
	}
}

func TestRegisterSendsBothPasswordFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/register/" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("register must not send an Authorization header")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "bob" || body["email"] != "bob@corp.example" {
			t.Errorf("unexpected account fields %v", body)
		}
		if body["password"] != "hunter2" || body["password2"] != "hunter2" {
			t.Errorf("unexpected password fields %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"username": "bob", "email": "bob@corp.example"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession(""))
	err := client.Register(context.Background(), "bob", "bob@corp.example", "hunter2", "hunter2")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
}

func TestRegisterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "A user with that username already exists."})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession(""))
	err := client.Register(context.Background(), "bob", "bob@corp.example", "hunter2", "hunter2")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Message != "A user with that username already exists." {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestCheckAuth(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{name: "live token", status: http.StatusOK, want: true},
		{name: "revoked token", status: http.StatusUnauthorized, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.status == http.StatusOK {
					json.NewEncoder(w).Encode([]EmailSummary{})
				}
			}))
			defer srv.Close()

			auth := NewAuthSession("tok")
			client := NewClient(srv.URL, auth)

			if got := client.CheckAuth(context.Background()); got != tt.want {
				t.Errorf("CheckAuth() = %v, want %v", got, tt.want)
			}
			if auth.Valid() != tt.want {
				t.Errorf("auth.Valid() = %v after CheckAuth, want %v", auth.Valid(), tt.want)
			}
		})
	}
}

func TestCheckAuthWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not reach the server without a token")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession(""))
	if client.CheckAuth(context.Background()) {
		t.Error("CheckAuth() must be false with no stored token")
	}
}

func TestLoginFailureUsesErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid credentials"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession(""))
	_, err := client.Login(context.Background(), "alice", "wrong")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Message != "Invalid credentials" {
		t.Errorf("message = %q", apiErr.Message)
	}
	if apiErr.Status != http.StatusBadRequest {
		t.Errorf("status = %d", apiErr.Status)
	}
}

func TestUnauthorizedInvalidatesAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := NewAuthSession("stale-token")
	client := NewClient(srv.URL, auth)

	_, err := client.GetEmails(context.Background(), EmailFilter{})
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("error = %v, want ErrAuthRequired", err)
	}
	if auth.Valid() {
		t.Errorf("auth session should be invalidated after 401")
	}
}

func TestAuthHeaderAndFilters(t *testing.T) {
	var gotAuth string
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]EmailSummary{{ID: 7, SenderDomain: "phish.example"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession("tok-9"))
	emails, err := client.GetEmails(context.Background(), EmailFilter{ShowMine: true, ShowUnvoted: true})
	if err != nil {
		t.Fatalf("GetEmails() error: %v", err)
	}
	if gotAuth != "Token tok-9" {
		t.Errorf("Authorization = %q, want Token tok-9", gotAuth)
	}
	if gotQuery != "show_mine=true&show_unvoted=true" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(emails) != 1 || emails[0].ID != 7 {
		t.Errorf("emails = %v", emails)
	}
}

func TestVoteDuplicateIsDistinct(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession("tok"))

	if err := client.Vote(context.Background(), 42, true); err != nil {
		t.Fatalf("first vote error: %v", err)
	}
	err := client.Vote(context.Background(), 42, true)
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("second vote error = %v, want ErrDuplicateVote", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Errorf("duplicate vote must not be a generic APIError")
	}
}

func TestPredictVerdict(t *testing.T) {
	tests := []struct {
		name   string
		phishy string
		want   bool
	}{
		{name: "yes verdict", phishy: "yes", want: true},
		{name: "no verdict", phishy: "no", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var report Report
				json.NewDecoder(r.Body).Decode(&report)
				if report.SenderDomain != "phish.example" {
					t.Errorf("sender_domain = %q", report.SenderDomain)
				}
				json.NewEncoder(w).Encode(map[string]string{"phishy": tt.phishy})
			}))
			defer srv.Close()

			client := NewClient(srv.URL, NewAuthSession("tok"))
			got, err := client.Predict(context.Background(), &Report{SenderDomain: "phish.example"})
			if err != nil {
				t.Fatalf("Predict() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Predict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthedCallWithoutTokenFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not reach the server without a token")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, NewAuthSession(""))
	err := client.Submit(context.Background(), &Report{})
	if !errors.Is(err, ErrAuthRequired) {
		t.Errorf("error = %v, want ErrAuthRequired", err)
	}
}

func TestNetworkFailure(t *testing.T) {
	// Point at a server that is already closed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, NewAuthSession("tok"))
	_, err := client.GetEmails(context.Background(), EmailFilter{})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("expected NetworkError, got %T: %v", err, err)
	}
}
