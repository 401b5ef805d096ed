package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"rulecore/internal/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	configPath = ""
	workspace = t.TempDir()
	verbose = true

	c, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if c.Workspace != workspace {
		t.Fatalf("expected workspace override %q, got %q", workspace, c.Workspace)
	}
	if !c.Logging.DebugMode {
		t.Fatal("verbose flag should enable debug logging")
	}
}

func TestBuildRepositoryUnknownBackend(t *testing.T) {
	cfg = config.Default()
	cfg.Storage.Backend = "carrier-pigeon"

	if _, err := buildRepository(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBuildRepositoryMemory(t *testing.T) {
	cfg = config.Default()
	cfg.Storage.Backend = config.BackendMemory

	repo, err := buildRepository()
	if err != nil {
		t.Fatalf("buildRepository returned error: %v", err)
	}
	if repo == nil {
		t.Fatal("expected a repository")
	}
}

func TestPrintJSON(t *testing.T) {
	output := captureOutput(t, func() {
		if err := printJSON(map[string]int{"rules": 3}); err != nil {
			t.Fatalf("printJSON returned error: %v", err)
		}
	})
	if !strings.Contains(output, `"rules": 3`) {
		t.Fatalf("expected indented JSON, got: %s", output)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	rOut, wOut, _ := os.Pipe()
	os.Stdout = wOut

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	os.Stdout = origOut
	return <-done
}
