package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer mocks the Twitch Helix and OAuth endpoints the bot talks
// to. Register a response per path, point the client's base URLs at
// m.Server.URL, and unregistered paths answer 404.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUserResponse serves /helix/users with a single user row.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": []map[string]string{
				{"id": userID, "login": login},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockStreamsResponse serves /helix/streams with the given stream rows. An
// empty slice models "channel is offline".
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

// MockOAuthTokenResponse serves the app-token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}
