package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.TickInterval != 10*time.Second {
		t.Errorf("default tick = %v, want 10s", cfg.Scheduler.TickInterval)
	}
	if cfg.Webhooks.QueueWorkers != 5 {
		t.Errorf("default queue workers = %d, want 5", cfg.Webhooks.QueueWorkers)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("NEXUS_TEST_DB", "postgres://example/nexus")
	path := writeConfig(t, "database:\n  url: ${NEXUS_TEST_DB}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://example/nexus" {
		t.Errorf("url = %q, env expansion failed", cfg.Database.URL)
	}
}

func TestValidateMCPTransport(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"stdio ok", "mcp:\n  servers:\n    - name: fs\n      transport: stdio\n      command: mcp-fs\n", false},
		{"stdio missing command", "mcp:\n  servers:\n    - name: fs\n      transport: stdio\n", true},
		{"sse missing url", "mcp:\n  servers:\n    - name: web\n      transport: sse\n", true},
		{"unknown transport", "mcp:\n  servers:\n    - name: x\n      transport: grpc\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Errorf("Load err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
