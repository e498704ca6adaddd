package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func seedManager(t *testing.T, m *Manager, emails ...string) {
	t.Helper()
	m.mu.Lock()
	for _, email := range emails {
		m.tokens[email] = &Token{
			AccountEmail: email,
			AccessToken:  "access-" + email,
			RefreshToken: "refresh-" + email,
			ExpiresAt:    time.Now().Add(time.Hour),
		}
	}
	m.rebuildOrderLocked()
	m.mu.Unlock()
}

func TestManager_IssueTokenRoundRobin(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Store: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "a@x.com", "b@x.com", "c@x.com")

	var got []string
	for i := 0; i < 6; i++ {
		_, email, err := m.IssueToken()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, email)
	}
	want := "a@x.com,b@x.com,c@x.com,a@x.com,b@x.com,c@x.com"
	if strings.Join(got, ",") != want {
		t.Errorf("rotation = %v", got)
	}
}

func TestManager_IssueTokenSkipsExpired(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Store: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "live@x.com")
	m.mu.Lock()
	m.tokens["dead@x.com"] = &Token{
		AccountEmail: "dead@x.com",
		AccessToken:  "stale",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	m.rebuildOrderLocked()
	m.mu.Unlock()

	for i := 0; i < 4; i++ {
		_, email, err := m.IssueToken()
		if err != nil {
			t.Fatal(err)
		}
		if email != "live@x.com" {
			t.Fatalf("issued from expired account %q", email)
		}
	}
}

func TestManager_IssueTokenEmpty(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Store: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if _, _, err := m.IssueToken(); err != ErrNoTokens {
		t.Errorf("err = %v, want ErrNoTokens", err)
	}
}

func TestManager_AuthorizeURL(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Store: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	login, state := m.AuthorizeURL("a@x.com")
	u, err := url.Parse(login)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("client_id") != ClientID || q.Get("code_challenge_method") != "S256" {
		t.Errorf("query = %v", q)
	}
	if q.Get("state") != state || state == "" {
		t.Errorf("state mismatch: %q vs %q", q.Get("state"), state)
	}
	if q.Get("redirect_uri") != RedirectURI {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if got := q.Get("scope"); got != Scopes {
		t.Errorf("scope = %q", got)
	}
}

func TestManager_ExchangeCode(t *testing.T) {
	var seen tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&seen)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"expires_in":    3600,
			"scope":         "user:inference user:profile",
			"account":       map[string]string{"email_address": "real@x.com"},
		})
	}))
	defer srv.Close()

	store := testStore(t)
	m, err := NewManager(context.Background(), Options{Store: store, TokenURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, state := m.AuthorizeURL("hint@x.com")
	if err := m.ExchangeCode(context.Background(), "the-code#"+state, ""); err != nil {
		t.Fatal(err)
	}

	if seen.GrantType != "authorization_code" || seen.Code != "the-code" || seen.State != state {
		t.Errorf("exchange request = %+v", seen)
	}
	if seen.CodeVerifier == "" {
		t.Error("code_verifier missing")
	}

	// The account key comes from the token response, and the result is
	// persisted.
	access, email, err := m.IssueToken()
	if err != nil {
		t.Fatal(err)
	}
	if access != "fresh-access" || email != "real@x.com" {
		t.Errorf("issued %q for %q", access, email)
	}
	saved, err := store.Load(context.Background())
	if err != nil || len(saved) != 1 || saved[0].RefreshToken != "fresh-refresh" {
		t.Errorf("persisted = %+v, %v", saved, err)
	}
	if len(saved[0].Scopes) != 2 {
		t.Errorf("scopes = %v", saved[0].Scopes)
	}
}

func TestManager_ExchangeCodeWithoutPendingLogin(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Store: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.ExchangeCode(context.Background(), "code", "a@x.com"); err == nil {
		t.Error("exchange without a pending login should fail")
	}
}

func TestManager_RefreshUpdatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.GrantType != "refresh_token" || req.RefreshToken != "refresh-a@x.com" {
			t.Errorf("refresh request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-access",
			"refresh_token": "rotated-refresh",
			"expires_in":    7200,
		})
	}))
	defer srv.Close()

	m, err := NewManager(context.Background(), Options{Store: testStore(t), TokenURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "a@x.com")

	if err := m.Refresh(context.Background(), "a@x.com"); err != nil {
		t.Fatal(err)
	}
	access, _, err := m.IssueToken()
	if err != nil {
		t.Fatal(err)
	}
	if access != "rotated-access" {
		t.Errorf("access = %q", access)
	}
}

func TestManager_RefreshRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":"server_error"}`, http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "second-try",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m, err := NewManager(context.Background(), Options{Store: testStore(t), TokenURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "a@x.com")

	if err := m.Refresh(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("refresh should succeed on the immediate retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestManager_RefreshFailureKeepsOldToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	m, err := NewManager(context.Background(), Options{Store: testStore(t), TokenURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "a@x.com")

	if err := m.Refresh(context.Background(), "a@x.com"); err == nil {
		t.Fatal("expected refresh error")
	}
	// The still-valid access token keeps serving.
	if access, _, err := m.IssueToken(); err != nil || access != "access-a@x.com" {
		t.Errorf("IssueToken = %q, %v", access, err)
	}
}

func TestManager_DeleteAndClear(t *testing.T) {
	store := testStore(t)
	m, err := NewManager(context.Background(), Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "a@x.com", "b@x.com")

	if err := m.Delete(context.Background(), "a@x.com"); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d", m.Len())
	}
	if err := m.Delete(context.Background(), "a@x.com"); err == nil {
		t.Error("double delete should fail")
	}
	if err := m.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Errorf("Len after Clear = %d", m.Len())
	}
	if saved, _ := store.Load(context.Background()); len(saved) != 0 {
		t.Errorf("store still holds %d tokens", len(saved))
	}
}

func TestManager_Statuses(t *testing.T) {
	m, err := NewManager(context.Background(), Options{Store: testStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	seedManager(t, m, "b@x.com", "a@x.com")

	statuses := m.Statuses()
	if len(statuses) != 2 || statuses[0].AccountEmail != "a@x.com" {
		t.Fatalf("statuses = %+v", statuses)
	}
	if !statuses[0].Healthy || statuses[0].ExpiresIn <= 0 {
		t.Errorf("status = %+v", statuses[0])
	}
	for _, s := range statuses {
		b, _ := json.Marshal(s)
		if strings.Contains(string(b), "access-") {
			t.Errorf("status leaks secrets: %s", b)
		}
		if !strings.Contains(string(b), `"healthy"`) {
			t.Errorf("status missing healthy field: %s", b)
		}
	}
}

func TestManager_LoadsPersistedTokens(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	if err := store.Save(ctx, []Token{{
		AccountEmail: "boot@x.com",
		AccessToken:  "persisted",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(ctx, Options{Store: store})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if access, email, err := m.IssueToken(); err != nil || access != "persisted" || email != "boot@x.com" {
		t.Errorf("IssueToken = %q %q %v", access, email, err)
	}
}
