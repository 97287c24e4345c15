package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu   sync.Mutex
	Hits map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		Hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.Hits[r.URL.Path]++
		m.mu.Unlock()
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse adds a handler for /helix/users endpoint
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if r.URL.Query().Get("login") == login {
			data = append(data, map[string]string{"id": userID, "login": login, "display_name": login})
		}
		response := map[string]interface{}{"data": data}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// HitCount returns how many requests reached path.
func (m *MockTwitchServer) HitCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Hits[path]
}

// MockStatus makes path answer with a bare status code.
func (m *MockTwitchServer) MockStatus(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
