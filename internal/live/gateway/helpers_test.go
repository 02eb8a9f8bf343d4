package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/aussiebroadwan/tabline/pkg/httpx/httpxtest"
	"github.com/aussiebroadwan/tabline/pkg/slogx"
	"github.com/stretchr/testify/require"
)

// fakeCreds is an in-memory Credentials with observable writes.
type fakeCreds struct {
	mu      sync.Mutex
	access  string
	refresh string
	clears  int
}

func (c *fakeCreds) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

func (c *fakeCreds) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refresh
}

func (c *fakeCreds) Set(_ context.Context, resp domain.AuthResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access, c.refresh = resp.AccessToken, resp.RefreshToken
	return nil
}

func (c *fakeCreds) UpdateTokens(_ context.Context, access, refresh string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access == "" && c.refresh == "" {
		return fmt.Errorf("not authenticated")
	}
	c.access, c.refresh = access, refresh
	return nil
}

func (c *fakeCreds) Clear(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access, c.refresh = "", ""
	c.clears++
}

func (c *fakeCreds) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access != "" && c.refresh != ""
}

type recordingNavigator struct {
	mu      sync.Mutex
	reasons []error
}

func (n *recordingNavigator) RedirectToLogin(_ context.Context, reason error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

func (n *recordingNavigator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reasons)
}

// fakeAPI mimics the chat backend: every body is enveloped, access tokens
// are accepted only once minted by /auth/refresh or /auth/login.
type fakeAPI struct {
	srv *httptest.Server

	mu        sync.Mutex
	valid     map[string]bool
	minted    int
	authSeen  []string
	resources int
	calls     []string

	refreshCalls atomic.Int32
	refreshGate  chan struct{}
	refreshFails bool
	alwaysDeny   bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	f := &fakeAPI{valid: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/refresh", f.handleRefresh)
	mux.HandleFunc("POST /api/auth/login", f.handleLogin)
	mux.HandleFunc("POST /api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		httpxtest.WriteEnvelopeError(w, http.StatusUnauthorized, 1006, "Unauthenticated")
	})
	mux.HandleFunc("GET /api/chat/conversations", f.handleConversations)
	mux.HandleFunc("GET /api/chat/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorize(w, r) {
			return
		}
		f.record(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery)
		httpxtest.WriteEnvelope(w, http.StatusOK, []domain.ChatMessage{
			{ID: "m2", ConversationID: r.PathValue("id"), Content: "newer"},
			{ID: "m1", ConversationID: r.PathValue("id"), Content: "older"},
		})
	})
	mux.HandleFunc("POST /api/chat/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorize(w, r) {
			return
		}
		f.record(r.Method + " " + r.URL.Path)
		httpxtest.WriteEnvelope(w, http.StatusOK, nil)
	})
	mux.HandleFunc("GET /api/chat/presence", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorize(w, r) {
			return
		}
		f.record(r.Method + " " + r.URL.Path)
		httpxtest.WriteEnvelope(w, http.StatusOK, []domain.Presence{
			{UserID: 9, Username: "bob", Status: domain.PresenceOnline},
		})
	})
	mux.HandleFunc("GET /api/boom", func(w http.ResponseWriter, r *http.Request) {
		httpxtest.WriteEnvelopeError(w, http.StatusInternalServerError, 9999, "Uncategorized error")
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.openGate()
		f.srv.Close()
	})
	return f
}

func (f *fakeAPI) baseURL() string { return f.srv.URL + "/api" }

func (f *fakeAPI) gate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshGate = make(chan struct{})
}

func (f *fakeAPI) openGate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshGate != nil {
		close(f.refreshGate)
		f.refreshGate = nil
	}
}

func (f *fakeAPI) mint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted++
	tok := fmt.Sprintf("T%d", f.minted+1)
	f.valid[tok] = true
	return tok
}

func (f *fakeAPI) setRefreshFails(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshFails = v
}

// revokeAll expires every token handed out so far.
func (f *fakeAPI) revokeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = map[string]bool{}
}

func (f *fakeAPI) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)

	f.mu.Lock()
	gate := f.refreshGate
	fails := f.refreshFails
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	var req domain.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if fails || req.RefreshToken == "" {
		httpxtest.WriteEnvelopeError(w, http.StatusUnauthorized, 1007, "Refresh token expired")
		return
	}

	tok := f.mint()
	httpxtest.WriteEnvelope(w, http.StatusOK, domain.AuthResponse{AccessToken: tok, RefreshToken: "R-" + tok})
}

func (f *fakeAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Password != "correct horse" {
		httpxtest.WriteEnvelopeError(w, http.StatusUnauthorized, 1005, "Invalid credentials")
		return
	}
	tok := f.mint()
	httpxtest.WriteEnvelope(w, http.StatusOK, domain.AuthResponse{
		AccessToken:  tok,
		RefreshToken: "R-" + tok,
		UserID:       7,
		Email:        req.Email,
	})
}

func (f *fakeAPI) handleConversations(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")

	f.mu.Lock()
	f.authSeen = append(f.authSeen, auth)
	f.resources++
	ok := f.valid[token] && !f.alwaysDeny
	f.mu.Unlock()

	if !ok {
		httpxtest.WriteEnvelopeError(w, http.StatusUnauthorized, 1006, "Unauthenticated")
		return
	}
	httpxtest.WriteEnvelope(w, http.StatusOK, []domain.Conversation{{ID: "c1", Type: domain.ConversationDirect}})
}

// authorize rejects requests whose bearer token is not currently valid.
func (f *fakeAPI) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	f.mu.Lock()
	ok := f.valid[token] && !f.alwaysDeny
	f.mu.Unlock()

	if !ok {
		httpxtest.WriteEnvelopeError(w, http.StatusUnauthorized, 1006, "Unauthenticated")
	}
	return ok
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authSeen...)
}

func (f *fakeAPI) resourceHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources
}

func newTestGateway(t *testing.T, api *fakeAPI, creds Credentials, nav Navigator) *Gateway {
	t.Helper()
	return New(Config{
		BaseURL:    api.baseURL(),
		HTTPClient: api.srv.Client(),
		Logger:     slogx.Discard(),
		Navigator:  nav,
	}, creds)
}

// waitPending blocks until n callers are queued behind the in-flight refresh.
func waitPending(t *testing.T, g *Gateway, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.refreshing && len(g.pending) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func isRefreshing(g *Gateway) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refreshing
}
