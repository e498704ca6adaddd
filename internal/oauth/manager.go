package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoTokens is returned by IssueToken when no account has a usable
// access token.
var ErrNoTokens = errors.New("oauth: no usable tokens")

// Options configures a Manager. Only Store is required.
type Options struct {
	Store      Store
	Logger     *slog.Logger
	HTTPClient *http.Client

	// TokenURL and AuthorizeURL override the Anthropic endpoints; tests
	// point them at local servers.
	TokenURL     string
	AuthorizeURL string
}

type pendingLogin struct {
	email    string
	verifier string
	created  time.Time
}

// Manager holds all account tokens, hands out access tokens round-robin,
// and keeps them fresh with per-token timers that fire ahead of expiry.
type Manager struct {
	store        Store
	log          *slog.Logger
	httpc        *http.Client
	tokenURL     string
	authorizeURL string

	mu      sync.Mutex
	tokens  map[string]*Token
	order   []string
	next    int
	pending map[string]pendingLogin
	timers  map[string]*time.Timer

	baseCtx context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewManager loads persisted tokens and schedules their refreshes. ctx is
// the process base context; background refreshes stop when it is cancelled
// or Close is called.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("oauth: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.AuthorizeURL == "" {
		opts.AuthorizeURL = DefaultAuthorizeURL
	}
	baseCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		store:        opts.Store,
		log:          opts.Logger.With(slog.String("component", "oauth")),
		httpc:        opts.HTTPClient,
		tokenURL:     opts.TokenURL,
		authorizeURL: opts.AuthorizeURL,
		tokens:       make(map[string]*Token),
		pending:      make(map[string]pendingLogin),
		timers:       make(map[string]*time.Timer),
		baseCtx:      baseCtx,
		cancel:       cancel,
	}
	tokens, err := opts.Store.Load(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	m.mu.Lock()
	for i := range tokens {
		t := tokens[i]
		m.tokens[t.AccountEmail] = &t
		m.order = append(m.order, t.AccountEmail)
		m.scheduleRefreshLocked(t.AccountEmail)
	}
	sort.Strings(m.order)
	m.mu.Unlock()
	if len(tokens) > 0 {
		m.log.Info("oauth tokens loaded", slog.Int("accounts", len(tokens)))
	}
	return m, nil
}

// Close stops all refresh timers.
func (m *Manager) Close() {
	m.once.Do(func() {
		m.cancel()
		m.mu.Lock()
		for email, t := range m.timers {
			t.Stop()
			delete(m.timers, email)
		}
		m.mu.Unlock()
	})
}

// Len reports the number of managed accounts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// IssueToken returns a usable access token and its account email, rotating
// through accounts so load spreads evenly.
func (m *Manager) IssueToken() (access, email string, err error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.order)
	for i := 0; i < n; i++ {
		candidate := m.order[(m.next+i)%n]
		tok, ok := m.tokens[candidate]
		if !ok || !tok.Usable(now) {
			continue
		}
		m.next = (m.next + i + 1) % n
		tok.UsageCount++
		tok.LastUsed = now
		return tok.AccessToken, tok.AccountEmail, nil
	}
	return "", "", ErrNoTokens
}

// AuthorizeURL generates a PKCE login URL for onboarding an account. The
// returned state must come back with the authorization code; it expires
// after stateTTL.
func (m *Manager) AuthorizeURL(email string) (loginURL, state string) {
	pair := newPKCEPair()
	m.mu.Lock()
	m.prunePendingLocked(time.Now())
	m.pending[pair.state] = pendingLogin{
		email:    email,
		verifier: pair.verifier,
		created:  time.Now(),
	}
	m.mu.Unlock()
	return buildAuthorizeURL(m.authorizeURL, pair), pair.state
}

func (m *Manager) prunePendingLocked(now time.Time) {
	for state, p := range m.pending {
		if now.Sub(p.created) > stateTTL {
			delete(m.pending, state)
		}
	}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	State        string `json:"state,omitempty"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Account      struct {
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// ExchangeCode redeems an authorization code for tokens. The code may carry
// the state fragment the login page appends ("<code>#<state>"); otherwise
// the newest pending login for the account is used.
func (m *Manager) ExchangeCode(ctx context.Context, code, email string) error {
	code = strings.TrimSpace(code)
	state := ""
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		state = code[idx+1:]
		code = code[:idx]
	}
	if code == "" {
		return fmt.Errorf("oauth: empty authorization code")
	}

	m.mu.Lock()
	m.prunePendingLocked(time.Now())
	login, ok := m.pending[state]
	if !ok {
		// Fall back to the newest pending login for this account.
		for s, p := range m.pending {
			if p.email == email && (!ok || p.created.After(login.created)) {
				login, state, ok = p, s, true
			}
		}
	}
	if ok {
		delete(m.pending, state)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("oauth: no pending login; request an authorize URL first")
	}

	resp, err := m.postToken(ctx, tokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		State:        state,
		ClientID:     ClientID,
		RedirectURI:  RedirectURI,
		CodeVerifier: login.verifier,
	})
	if err != nil {
		return err
	}
	if resp.Account.EmailAddress != "" {
		email = resp.Account.EmailAddress
	}
	if email == "" {
		return fmt.Errorf("oauth: account email unknown; pass account_email")
	}
	m.storeToken(ctx, email, resp)
	m.log.Info("oauth account added", slog.String("account", email))
	return nil
}

// Refresh renews one account's tokens. A transient failure is retried once
// immediately; if that also fails the next attempt is deferred an hour and
// the error returned.
func (m *Manager) Refresh(ctx context.Context, email string) error {
	m.mu.Lock()
	tok, ok := m.tokens[email]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("oauth: unknown account %q", email)
	}
	refreshToken := tok.RefreshToken
	m.mu.Unlock()

	req := tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     ClientID,
	}
	resp, err := m.postToken(ctx, req)
	if err != nil {
		m.log.Warn("oauth refresh failed, retrying once",
			slog.String("account", email), slog.Any("error", err))
		resp, err = m.postToken(ctx, req)
	}
	if err != nil {
		m.mu.Lock()
		m.scheduleRetryLocked(email, refreshRetryDelay)
		m.mu.Unlock()
		return fmt.Errorf("oauth: refresh %s: %w", email, err)
	}
	m.storeToken(ctx, email, resp)
	m.log.Info("oauth token refreshed", slog.String("account", email))
	return nil
}

// RefreshAll refreshes every account and joins the failures.
func (m *Manager) RefreshAll(ctx context.Context) error {
	m.mu.Lock()
	emails := append([]string(nil), m.order...)
	m.mu.Unlock()
	var errs []error
	for _, email := range emails {
		if err := m.Refresh(ctx, email); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete removes one account and persists the change.
func (m *Manager) Delete(ctx context.Context, email string) error {
	m.mu.Lock()
	if _, ok := m.tokens[email]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("oauth: unknown account %q", email)
	}
	delete(m.tokens, email)
	m.rebuildOrderLocked()
	if t, ok := m.timers[email]; ok {
		t.Stop()
		delete(m.timers, email)
	}
	err := m.persistLocked(ctx)
	m.mu.Unlock()
	return err
}

// Clear removes every account.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.tokens = make(map[string]*Token)
	m.order = nil
	m.next = 0
	for email, t := range m.timers {
		t.Stop()
		delete(m.timers, email)
	}
	err := m.persistLocked(ctx)
	m.mu.Unlock()
	return err
}

// Statuses returns redacted token info sorted by account.
func (m *Manager) Statuses() []Status {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, email := range m.order {
		tok := m.tokens[email]
		expiresIn := int64(time.Until(tok.ExpiresAt).Seconds())
		if expiresIn < 0 {
			expiresIn = 0
		}
		out = append(out, Status{
			AccountEmail: tok.AccountEmail,
			ExpiresAt:    tok.ExpiresAt,
			ExpiresIn:    expiresIn,
			Healthy:      tok.Usable(now),
			UsageCount:   tok.UsageCount,
			LastUsed:     tok.LastUsed,
			Scopes:       tok.Scopes,
		})
	}
	return out
}

func (m *Manager) postToken(ctx context.Context, body tokenRequest) (*tokenResponse, error) {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("oauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: token endpoint: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("oauth: token endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("oauth: parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("oauth: token response missing access_token")
	}
	return &tr, nil
}

// storeToken upserts the account, persists the set and (re)schedules the
// refresh timer.
func (m *Manager) storeToken(ctx context.Context, email string, resp *tokenResponse) {
	now := time.Now()
	m.mu.Lock()
	tok, ok := m.tokens[email]
	if !ok {
		tok = &Token{AccountEmail: email}
		m.tokens[email] = tok
		m.rebuildOrderLocked()
	}
	tok.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		tok.RefreshToken = resp.RefreshToken
	}
	tok.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.Scope != "" {
		tok.Scopes = strings.Fields(resp.Scope)
	}
	m.scheduleRefreshLocked(email)
	if err := m.persistLocked(ctx); err != nil {
		m.log.Error("oauth persist failed", slog.Any("error", err))
	}
	m.mu.Unlock()
}

func (m *Manager) rebuildOrderLocked() {
	m.order = m.order[:0]
	for email := range m.tokens {
		m.order = append(m.order, email)
	}
	sort.Strings(m.order)
	if len(m.order) > 0 {
		m.next %= len(m.order)
	} else {
		m.next = 0
	}
}

func (m *Manager) persistLocked(ctx context.Context) error {
	tokens := make([]Token, 0, len(m.order))
	for _, email := range m.order {
		tokens = append(tokens, *m.tokens[email])
	}
	return m.store.Save(ctx, tokens)
}

// scheduleRefreshLocked arms the timer at expires_at − 5min plus jitter so
// co-expiring accounts do not refresh in lockstep.
func (m *Manager) scheduleRefreshLocked(email string) {
	tok, ok := m.tokens[email]
	if !ok {
		return
	}
	delay := time.Until(tok.ExpiresAt.Add(-refreshEarly))
	if delay < 0 {
		delay = 0
	}
	delay += rand.N(refreshJitterMax)
	m.scheduleRetryLocked(email, delay)
}

func (m *Manager) scheduleRetryLocked(email string, delay time.Duration) {
	if t, ok := m.timers[email]; ok {
		t.Stop()
	}
	m.timers[email] = time.AfterFunc(delay, func() {
		if m.baseCtx.Err() != nil {
			return
		}
		if err := m.Refresh(m.baseCtx, email); err != nil {
			m.log.Error("scheduled oauth refresh failed",
				slog.String("account", email), slog.Any("error", err))
		}
	})
}
