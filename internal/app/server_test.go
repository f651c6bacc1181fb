package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const testConfig = `
server:
  host: 127.0.0.1
  port: 3456
providers:
  openai:
    type: openai
    endpoint: https://api.openai.com/v1
    authentication:
      type: api_key
      credentials:
        apiKey: sk-test
    models:
      - gpt-4o
routing:
  categories:
    default:
      primary:
        provider: openai
        model: gpt-4o
preprocessing:
  enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(Options{ConfigPath: writeConfig(t, testConfig), Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.shutdown()

	if srv.Router() == nil {
		t.Fatal("expected non-nil router")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, err := NewServer(Options{ConfigPath: writeConfig(t, testConfig), Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.shutdown()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health: got %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, err := NewServer(Options{ConfigPath: writeConfig(t, testConfig), Version: "v1.2.3"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.shutdown()

	req := httptest.NewRequest("GET", "/version", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /version: got %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["version"] != "v1.2.3" {
		t.Errorf("version = %q, want v1.2.3", body["version"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, err := NewServer(Options{ConfigPath: writeConfig(t, testConfig), Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.shutdown()

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status: got %d, want 200", rec.Code)
	}
	var body struct {
		Bindings []struct {
			ID           string `json:"id"`
			BreakerState string `json:"breaker_state"`
		} `json:"bindings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Bindings) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(body.Bindings))
	}
	if body.Bindings[0].ID != "openai" {
		t.Errorf("binding id = %q, want openai", body.Bindings[0].ID)
	}
	if body.Bindings[0].BreakerState != "closed" {
		t.Errorf("breaker state = %q, want closed", body.Bindings[0].BreakerState)
	}
}

func TestVaultBlobPersistsAcrossRestarts(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "capture.db")
	cfgBody := testConfig + "\ncapture:\n  enabled: true\n  dsn: " + dsn + "\n"
	path := writeConfig(t, cfgBody)
	t.Setenv("MODELRELAY_VAULT_KEY", "operator-master-pw")

	srv, err := NewServer(Options{ConfigPath: path, Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.shutdown()

	// A second start against the same capture database restores the sealed
	// blob: the persisted salt plus the same master must decrypt the key
	// the first run sealed.
	srv2, err := NewServer(Options{ConfigPath: path, Version: "test"})
	if err != nil {
		t.Fatalf("NewServer restart: %v", err)
	}
	defer srv2.shutdown()

	b, ok := srv2.reg.Binding("openai")
	if !ok {
		t.Fatal("binding missing after restart")
	}
	if b.KeyHandle == "" {
		t.Error("binding should carry a vault handle")
	}
}

func TestNewServerMissingConfig(t *testing.T) {
	if _, err := NewServer(Options{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestNewServerInvalidConfig(t *testing.T) {
	bad := `
providers:
  openai:
    type: openai
    endpoint: https://api.openai.com/v1
    models: [gpt-4o]
routing:
  categories:
    default:
      primary:
        provider: missing
        model: gpt-4o
`
	if _, err := NewServer(Options{ConfigPath: writeConfig(t, bad)}); err == nil {
		t.Fatal("expected error for routing target naming an undeclared provider")
	}
}
