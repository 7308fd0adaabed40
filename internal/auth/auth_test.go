package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCredentials_Literal(t *testing.T) {
	creds, err := LoadCredentials("literal-token", "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "literal-token" {
		t.Errorf("Token = %q", creds.Token)
	}
}

func TestLoadCredentials_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	creds, err := LoadCredentials("", path)
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "file-token" {
		t.Errorf("Token = %q, want whitespace trimmed", creds.Token)
	}
}

func TestLoadCredentials_FileErrors(t *testing.T) {
	if _, err := LoadCredentials("", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	if _, err := LoadCredentials("", empty); err == nil {
		t.Error("expected error for empty file")
	}
}

func TestLoadCredentials_Env(t *testing.T) {
	t.Setenv(EnvToken, "env-token")

	creds, err := LoadCredentials("", "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "env-token" {
		t.Errorf("Token = %q", creds.Token)
	}
}

func TestLoadCredentials_LiteralWinsOverEnv(t *testing.T) {
	t.Setenv(EnvToken, "env-token")

	creds, err := LoadCredentials("literal", "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "literal" {
		t.Errorf("Token = %q, literal should take precedence", creds.Token)
	}
}

func TestLoadCredentials_NothingConfigured(t *testing.T) {
	t.Setenv(EnvToken, "")

	if _, err := LoadCredentials("", ""); err == nil {
		t.Error("expected error with no token source")
	}
}
