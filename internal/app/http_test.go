package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fastemis/api/internal/store"
)

func newTestServer(fs *fakeStore) (*HTTPServer, *Service) {
	service, _ := newTestService(fs)
	return NewHTTPServer(service, "*"), service
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	payload := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
			t.Fatalf("decode response for %s %s: %v", method, path, err)
		}
	}
	return recorder, payload
}

func issueTestToken(t *testing.T, service *Service, user store.User) string {
	t.Helper()
	session, err := service.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder, payload := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health: status %d, payload %v", recorder.Code, payload)
	}

	recorder, payload = doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("ready: status %d, payload %v", recorder.Code, payload)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		PingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	}
	server, _ := newTestServer(fs)

	recorder, payload := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if payload["status"] != "not_ready" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	users := map[string]store.User{}
	fs := &fakeStore{
		CreateUserFn: func(ctx context.Context, user store.User) error {
			if _, exists := users[user.Email]; exists {
				return store.ErrDuplicate
			}
			users[user.Email] = user
			return nil
		},
	}
	server, _ := newTestServer(fs)

	body := `{"displayName":"Priya K","email":"priya@example.com","password":"supersecret"}`
	recorder, payload := doRequest(t, server, http.MethodPost, "/api/auth/register", "", body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", recorder.Code, payload)
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Fatal("expected an access token in the response")
	}
	if refresh, _ := payload["refreshToken"].(string); refresh == "" {
		t.Fatal("expected a refresh token in the response")
	}
	if payload["role"] != "user" {
		t.Fatalf("unexpected role %v", payload["role"])
	}

	recorder, payload = doRequest(t, server, http.MethodPost, "/api/auth/register", "", body)
	if recorder.Code != http.StatusConflict || payload["code"] != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %v", recorder.Code, payload)
	}

	recorder, payload = doRequest(t, server, http.MethodPost, "/api/auth/register", "", "{not json")
	if recorder.Code != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d %v", recorder.Code, payload)
	}
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	body := `{"identifier":"nobody@example.com","password":"whatever1"}`
	recorder, payload := doRequest(t, server, http.MethodPost, "/api/auth/login", "", body)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if payload["code"] != "UNAUTHORIZED" || payload["error"] != "Invalid credentials" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSessionEndpointToleratesMissingToken(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder, payload := doRequest(t, server, http.MethodGet, "/api/session", "", "")
	if recorder.Code != http.StatusOK || payload["authenticated"] != false {
		t.Fatalf("expected tolerant response, got %d %v", recorder.Code, payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	paths := []string{"/api/personas", "/api/chat/messages", "/api/community/feed", "/api/announcements"}
	for _, path := range paths {
		recorder, payload := doRequest(t, server, http.MethodGet, path, "", "")
		if recorder.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Errorf("%s: expected 401 UNAUTHORIZED, got %d %v", path, recorder.Code, payload)
		}
	}

	recorder, _ := doRequest(t, server, http.MethodGet, "/api/chat/messages", "garbage-token", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a malformed token, got %d", recorder.Code)
	}
}

func TestChatMessagesRoute(t *testing.T) {
	fs := &fakeStore{
		GetUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Priya", Role: store.RoleUser}, nil
		},
		ListMessagesTailFn: func(ctx context.Context, kind, ref string, limit int) ([]store.Message, error) {
			return []store.Message{{ID: 1, ChannelKind: kind, ChannelRef: ref, SenderRole: store.SenderAgent, Content: "hello"}}, nil
		},
	}
	server, service := newTestServer(fs)
	token := issueTestToken(t, service, store.User{ID: "usr_1", DisplayName: "Priya", Role: store.RoleUser})

	recorder, payload := doRequest(t, server, http.MethodGet, "/api/chat/messages", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", recorder.Code, payload)
	}
	messages := payload["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}

	recorder, payload = doRequest(t, server, http.MethodGet, "/api/chat/messages?sinceId=abc", token, "")
	if recorder.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 for a bad cursor, got %d %v", recorder.Code, payload)
	}

	recorder, _ = doRequest(t, server, http.MethodPost, "/api/chat/messages", token, `{"text":"hi"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for the post, got %d", recorder.Code)
	}
}

func TestThreadOpenRouteStatus(t *testing.T) {
	existing := false
	fs := &fakeStore{
		GetUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Priya", Role: store.RoleUser}, nil
		},
		GetPersonaFn: func(ctx context.Context, id string) (store.Persona, error) {
			return store.Persona{ID: id, GhostID: "aarav_helper", DisplayName: "Aarav Helper", IsActive: true}, nil
		},
		GetOrCreateThreadFn: func(ctx context.Context, thread store.GhostThread, msg store.Message) (store.GhostThread, bool, error) {
			if existing {
				return thread, false, nil
			}
			existing = true
			return thread, true, nil
		},
	}
	server, service := newTestServer(fs)
	token := issueTestToken(t, service, store.User{ID: "usr_1", DisplayName: "Priya", Role: store.RoleUser})

	recorder, payload := doRequest(t, server, http.MethodPost, "/api/ghost/threads", token, `{"personaId":"psn_1"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a fresh thread, got %d (%v)", recorder.Code, payload)
	}
	if payload["created"] != true {
		t.Fatalf("expected created=true, got %v", payload["created"])
	}

	recorder, payload = doRequest(t, server, http.MethodPost, "/api/ghost/threads", token, `{"personaId":"psn_1"}`)
	if recorder.Code != http.StatusOK || payload["created"] != false {
		t.Fatalf("expected 200 for a reopened thread, got %d (%v)", recorder.Code, payload)
	}
}

func TestAgentRoutesForbiddenForUsers(t *testing.T) {
	fs := &fakeStore{
		GetUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Priya", Role: store.RoleUser}, nil
		},
	}
	server, service := newTestServer(fs)
	token := issueTestToken(t, service, store.User{ID: "usr_1", DisplayName: "Priya", Role: store.RoleUser})

	recorder, payload := doRequest(t, server, http.MethodGet, "/api/agent/chats", token, "")
	if recorder.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %v", recorder.Code, payload)
	}

	recorder, payload = doRequest(t, server, http.MethodPost, "/api/agent/personas", token, `{"displayName":"X"}`)
	if recorder.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %v", recorder.Code, payload)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	fs := &fakeStore{
		GetUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Priya", Role: store.RoleUser}, nil
		},
	}
	server, service := newTestServer(fs)
	token := issueTestToken(t, service, store.User{ID: "usr_1", DisplayName: "Priya", Role: store.RoleUser})

	recorder, payload := doRequest(t, server, http.MethodGet, "/api/nope", token, "")
	if recorder.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %v", recorder.Code, payload)
	}
}

func TestMediaUploadDisabled(t *testing.T) {
	fs := &fakeStore{
		GetUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Priya", Role: store.RoleUser}, nil
		},
	}
	server, service := newTestServer(fs)
	token := issueTestToken(t, service, store.User{ID: "usr_1", DisplayName: "Priya", Role: store.RoleUser})

	recorder, payload := doRequest(t, server, http.MethodPost, "/api/media", token, "")
	if recorder.Code != http.StatusServiceUnavailable || payload["code"] != "MEDIA_UNAVAILABLE" {
		t.Fatalf("expected 503 MEDIA_UNAVAILABLE, got %d %v", recorder.Code, payload)
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	req := httptest.NewRequest(http.MethodOptions, "/api/anything", nil)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected the CORS origin header")
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	recorder = httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	if recorder.Header().Get("X-Request-ID") != "req-123" {
		t.Error("expected the caller's request id echoed back")
	}
}

func TestRefreshEndpointFlow(t *testing.T) {
	fs := &fakeStore{
		GetUserByIDFn: func(ctx context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Priya", Role: store.RoleUser}, nil
		},
	}
	server, service := newTestServer(fs)

	session, err := service.issueSession(context.Background(), store.User{ID: "usr_1", DisplayName: "Priya", Role: store.RoleUser})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	body := `{"refreshToken":"` + session.RefreshToken + `"}`
	recorder, payload := doRequest(t, server, http.MethodPost, "/api/auth/refresh", "", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", recorder.Code, payload)
	}
	if payload["refreshToken"] == session.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}

	// the old token was consumed by the rotation
	recorder, payload = doRequest(t, server, http.MethodPost, "/api/auth/refresh", "", body)
	if recorder.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 on reuse, got %d %v", recorder.Code, payload)
	}
}
