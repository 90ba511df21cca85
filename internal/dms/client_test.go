package dms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestClient(t *testing.T, baseURL string, scheme AuthScheme) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{
		BaseURL:     baseURL,
		Login:       "sync-bot",
		Password:    "secret",
		UsersListID: uuid.New(),
		AuthScheme:  scheme,
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func loginHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("login body: %v", err)
		}
		if creds["login"] != "sync-bot" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Token: "tok-1"})
	}
}

func TestAuthenticateReturnsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", loginHandler(t))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	sess, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sess.Token != "tok-1" || sess.ID != "sess-1" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestListUsersUsesConfiguredScheme(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", loginHandler(t))
	mux.HandleFunc("POST /api/item/getList/", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]Item{{ID: uuid.New()}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemeBearerToken)
	items, err := c.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("want 1 item, got %d", len(items))
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("wrong auth header %q", gotAuth)
	}
}

func TestSchemeRecoveryAfterRejection(t *testing.T) {
	var probes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", loginHandler(t))
	mux.HandleFunc("POST /api/item/getList/", func(w http.ResponseWriter, r *http.Request) {
		// Only the session-id header scheme is accepted; everything
		// else gets a 401 so the client has to probe.
		if r.Header.Get("X-Session-ID") != "sess-1" {
			probes.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]Item{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	if _, err := c.ListUsers(context.Background()); err != nil {
		t.Fatalf("first list: %v", err)
	}
	rejectedOnFirstCall := probes.Load()
	if rejectedOnFirstCall == 0 {
		t.Fatal("expected at least one rejected probe")
	}

	// The working scheme is remembered; the next call must not probe.
	if _, err := c.ListUsers(context.Background()); err != nil {
		t.Fatalf("second list: %v", err)
	}
	if probes.Load() != rejectedOnFirstCall {
		t.Fatalf("client probed again: %d rejections after %d", probes.Load(), rejectedOnFirstCall)
	}
}

func TestSetAuthSchemeResetsRecovery(t *testing.T) {
	c := newTestClient(t, "http://localhost:1", SchemePlainToken)
	c.schemeMu.Lock()
	c.activeScheme = SchemeCookieSession
	c.schemeMu.Unlock()

	c.SetAuthScheme(SchemeBearerToken)
	c.schemeMu.Lock()
	defer c.schemeMu.Unlock()
	if c.configured != SchemeBearerToken || c.activeScheme != SchemeBearerToken {
		t.Fatalf("scheme not reset: configured=%s active=%s", c.configured, c.activeScheme)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Token: "tok-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	if _, err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("want 3 attempts, got %d", calls.Load())
	}
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	_, err := c.Authenticate(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("want 3 attempts (1 + 2 retries), got %d", calls.Load())
	}
}

func TestRetryAfterHeaderIsHonored(t *testing.T) {
	var calls atomic.Int32
	var first time.Time
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			first = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "sess-1", Token: "tok-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	// MaxDelay caps the requested one second wait at 5ms.
	if _, err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if elapsed := time.Since(first); elapsed > 500*time.Millisecond {
		t.Fatalf("retry-after not capped by max delay, waited %v", elapsed)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var listCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", loginHandler(t))
	mux.HandleFunc("POST /api/item/get/", func(w http.ResponseWriter, r *http.Request) {
		listCalls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"item not found"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	_, err := c.GetItem(context.Background(), uuid.New())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "item not found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if listCalls.Load() != 1 {
		t.Fatalf("4xx retried: %d calls", listCalls.Load())
	}
}

func TestListFilesRecursiveEndpoint(t *testing.T) {
	var path string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/security/login", loginHandler(t))
	mux.HandleFunc("POST /api/item/", func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewEncoder(w).Encode([]Item{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, SchemePlainToken)
	listID := uuid.New()
	if _, err := c.ListFiles(context.Background(), listID, true); err != nil {
		t.Fatalf("list files: %v", err)
	}
	if !strings.HasPrefix(path, "/api/item/getRecursive/") {
		t.Fatalf("wrong endpoint %q", path)
	}
	if _, err := c.ListFiles(context.Background(), listID, false); err != nil {
		t.Fatalf("list files flat: %v", err)
	}
	if !strings.HasPrefix(path, "/api/item/getList/") {
		t.Fatalf("wrong endpoint %q", path)
	}
}

func TestItemClassification(t *testing.T) {
	file := Item{ID: uuid.New(), Fields: ItemFields{Name: "report.pdf"}}
	if !file.IsFile() {
		t.Fatal("named file not recognized")
	}
	sized := Item{ID: uuid.New(), Fields: ItemFields{Name: "blob", FileSize: 1024}}
	if !sized.IsFile() {
		t.Fatal("sized file not recognized")
	}
	folder := Item{ID: uuid.New(), Fields: ItemFields{Name: "Contracts"}}
	if folder.IsFile() {
		t.Fatal("folder classified as file")
	}
	if got := folder.DisplayName(); got != "Contracts" {
		t.Fatalf("display name %q", got)
	}
	anon := Item{ID: uuid.New()}
	if got := anon.DisplayName(); got != anon.ID.String() {
		t.Fatalf("fallback display name %q", got)
	}
}
