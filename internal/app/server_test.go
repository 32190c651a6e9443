package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nearwave/nearwave/internal/auth"
	"github.com/nearwave/nearwave/internal/match"
	"github.com/nearwave/nearwave/internal/match/storage/sqlite"
	"github.com/nearwave/nearwave/internal/presence/store/memory"
)

type testHarness struct {
	srv      *httptest.Server
	deps     deps
	presence *memory.Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessStale(t, 30*time.Second)
}

func newTestHarnessStale(t *testing.T, staleAfter time.Duration) *testHarness {
	t.Helper()

	matchStore, err := sqlite.Open(filepath.Join(t.TempDir(), "match.db"))
	if err != nil {
		t.Fatalf("open match store: %v", err)
	}
	t.Cleanup(func() {
		_ = matchStore.Close()
	})

	engine, err := match.NewEngine(matchStore)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	tokens, err := auth.NewIssuer(auth.Config{
		Issuer: "nearwave-test",
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		TTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}

	presenceStore := memory.New()
	d := deps{
		presence:   presenceStore,
		engine:     engine,
		chats:      matchStore,
		tokens:     tokens,
		staleAfter: staleAfter,
		throttle:   10 * time.Millisecond,
		fallback:   time.Minute,
	}

	srv := httptest.NewServer(newHandler(d))
	t.Cleanup(srv.Close)

	return &testHarness{srv: srv, deps: d, presence: presenceStore}
}

func (h *testHarness) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := h.deps.tokens.Issue(userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestUpEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	resp, err := http.Get(h.srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionIssuesToken(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	resp, err := http.Post(h.srv.URL+"/session", "application/json", nil)
	if err != nil {
		t.Fatalf("post /session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if payload.Token == "" {
		t.Fatal("expected a token")
	}
	if payload.UserID == "" {
		t.Fatal("expected a generated user id")
	}
	if len(payload.UserID) != 26 || payload.UserID != strings.ToLower(payload.UserID) {
		t.Fatalf("generated user id %q is not a 26-char lowercase identifier", payload.UserID)
	}

	claims, err := h.deps.tokens.Verify(payload.Token)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.UserID != payload.UserID {
		t.Fatalf("token user = %q, response user = %q", claims.UserID, payload.UserID)
	}
}

func TestSessionPinsUserID(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	body := bytes.NewBufferString(`{"user_id":"amar"}`)
	resp, err := http.Post(h.srv.URL+"/session", "application/json", body)
	if err != nil {
		t.Fatalf("post /session: %v", err)
	}
	defer resp.Body.Close()

	var payload sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if payload.UserID != "amar" {
		t.Fatalf("user id = %q, want amar", payload.UserID)
	}
}

func TestSessionRejectsWrongMethod(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	resp, err := http.Get(h.srv.URL + "/session")
	if err != nil {
		t.Fatalf("get /session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestChatsRequiresAuth(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	resp, err := http.Get(h.srv.URL + "/chats")
	if err != nil {
		t.Fatalf("get /chats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatsListsMatchedPairs(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	ctx := context.Background()

	if _, err := h.deps.engine.Wave(ctx, "amar", "bella"); err != nil {
		t.Fatalf("wave: %v", err)
	}
	if _, err := h.deps.engine.Wave(ctx, "bella", "amar"); err != nil {
		t.Fatalf("wave: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/chats", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token(t, "amar"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get /chats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload chatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode chats response: %v", err)
	}
	if len(payload.Chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(payload.Chats))
	}
	chat := payload.Chats[0]
	if chat.ChatID != "amar__bella" {
		t.Fatalf("chat id = %q, want amar__bella", chat.ChatID)
	}
	if len(chat.Participants) != 2 {
		t.Fatalf("participants = %v", chat.Participants)
	}
}
