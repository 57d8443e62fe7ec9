package pik

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Username:   "+79990001122",
		Password:   "hunter2",
		DeviceID:   "TESTDEVICE000001",
		ICMBaseURL: server.URL,
		IoTBaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func signInHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST to sign_in, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"phone":"+79990001122"`) {
			t.Fatalf("expected phone in sign-in payload, got %s", string(body))
		}
		if got := r.Header.Get("device-client-uid"); got != "TESTDEVICE000001" {
			t.Fatalf("expected device uid header, got %q", got)
		}
		if got := r.Header.Get("API-VERSION"); got != "2" {
			t.Fatalf("expected API-VERSION 2, got %q", got)
		}
		w.Header().Set("Authorization", "token123")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"account":{"id":1,"phone":"+79990001122","email":"user@example.com"}}`)
	}
}

func TestAuthenticateStoresTokenAndAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/customers/sign_in", signInHandler(t))
	mux.HandleFunc("/api/alfred/v1/personal/intercoms", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token123" {
			t.Fatalf("expected bearer header on authenticated call, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[]`)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	if client.IsAuthenticated() {
		t.Fatal("client must not start authenticated")
	}
	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !client.IsAuthenticated() {
		t.Fatal("expected client to hold a token")
	}

	account := client.Account()
	if account == nil || account.ID != 1 || account.Phone != "+79990001122" {
		t.Fatalf("unexpected account record: %+v", account)
	}

	// An immediately empty page terminates the walk with zero records.
	if err := client.UpdateIotIntercoms(ctx); err != nil {
		t.Fatalf("UpdateIotIntercoms: %v", err)
	}
	if got := len(client.IotIntercoms()); got != 0 {
		t.Fatalf("expected zero intercoms, got %d", got)
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/customers/sign_in", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"account":{"id":1,"phone":"+7"}}`)
	})

	client, _ := newTestClient(t, mux)

	err := client.Authenticate(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !errors.Is(err, Err) {
		t.Fatal("expected error to match the package family")
	}
	if client.IsAuthenticated() {
		t.Fatal("token must not be stored on failed sign-in")
	}
}

func TestAuthenticateRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/customers/sign_in", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"unauthorized"}`)
	})

	client, _ := newTestClient(t, mux)

	err := client.Authenticate(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestRequestWithoutToken(t *testing.T) {
	client, _ := newTestClient(t, http.NewServeMux())

	err := client.UpdateProperties(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestRemoteErrorEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/customers/sign_in", signInHandler(t))
	mux.HandleFunc("/api/customers/properties", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"error":true,"code":"whatever","description":"no access"}`)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	err := client.UpdateProperties(ctx)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Code != "whatever" || remoteErr.Description != "no access" {
		t.Fatalf("unexpected envelope fields: %+v", remoteErr)
	}
}

func TestUnlockIntercom(t *testing.T) {
	confirm := true
	mux := http.NewServeMux()
	mux.HandleFunc("/api/customers/sign_in", signInHandler(t))
	mux.HandleFunc("/api/customers/intercoms/42/unlock", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("door") != "left_door" {
			t.Fatalf("expected door mode in form, got %q", r.PostForm.Get("door"))
		}
		w.Header().Set("Content-Type", "application/json")
		if confirm {
			_, _ = io.WriteString(w, `{"request":true}`)
		} else {
			_, _ = io.WriteString(w, `{}`)
		}
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	if err := client.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := client.UnlockIntercom(ctx, 42, "left_door"); err != nil {
		t.Fatalf("confirmed unlock must succeed: %v", err)
	}

	confirm = false
	err := client.UnlockIntercom(ctx, 42, "left_door")
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) {
		t.Fatalf("expected UnlockError without confirmation flag, got %v", err)
	}
}

func TestParseReading(t *testing.T) {
	value, err := ParseReading("123.4 m3")
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	if value == nil || *value != 123.4 {
		t.Fatalf("expected 123.4, got %v", value)
	}

	value, err = ParseReading("")
	if err != nil || value != nil {
		t.Fatalf("absent reading must yield nil without error, got %v / %v", value, err)
	}

	if _, err = ParseReading("bogus m3"); err == nil {
		t.Fatal("expected error for malformed reading")
	}
}

func TestMaskUsername(t *testing.T) {
	if got := maskUsername("+79990001122"); got != "...122" {
		t.Fatalf("unexpected mask: %q", got)
	}
	if got := maskUsername("ab"); got != "..." {
		t.Fatalf("unexpected mask for short name: %q", got)
	}
}
