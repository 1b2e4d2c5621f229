package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/task"
)

const testPassword = "secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	store, err := task.OpenSQLiteStore(filepath.Join(dir, "steward.db"), filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: hash,
			JWTSecret: "test-secret-key-1234567890",
			TokenTTL:  time.Hour,
		},
	}
	h := &api.Handlers{Tasks: store, Bus: comms.NewInMemoryBus(), Version: "test"}
	return New(cfg, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// login returns a bearer token for the admin user.
func login(t *testing.T, s *Server) string {
	t.Helper()
	body := `{"username":"admin","password":"` + testPassword + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}
