package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikeyg42/streamqc/internal/crypto"
)

func runCLI(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

const quietConfig = `
[logging]
level = "error"
`

const recoveryTrace = `{"at":"0s","state":"playing"}
{"at":"1s","state":"error"}
{"at":"30s","manual":4}
`

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamqc", "config.toml")
	ctx := context.Background()

	out, err := runCLI(t, ctx, "", "config", "init", "--path", path)
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("Expected path in output, got %q", out)
	}

	if _, err := runCLI(t, ctx, "", "config", "init", "--path", path); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("Expected already exists error, got %v", err)
	}
	if _, err := runCLI(t, ctx, "", "config", "init", "--path", path, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite failed: %v", err)
	}

	out, err = runCLI(t, ctx, "", "--config", path, "--log-level", "error", "config", "validate")
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	for _, want := range []string{"Configuration valid", "* 720p", "2160p", "16 Mbps"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestInvalidConfigExitCode(t *testing.T) {
	path := writeFile(t, "config.toml", "[quality]\nsafety_margin = 3.0\n")

	_, err := runCLI(t, context.Background(), "", "--config", path, "config", "validate")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected ExitError, got %v", err)
	}
	if ee.Code != ExitConfigError {
		t.Fatalf("Expected exit code %d, got %d", ExitConfigError, ee.Code)
	}
}

func TestSimulate(t *testing.T) {
	cfgPath := writeFile(t, "config.toml", quietConfig)
	tracePath := writeFile(t, "trace.jsonl", recoveryTrace)

	testCases := []struct {
		name  string
		stdin string
		args  []string
		want  []string
	}{
		{
			name: "From file",
			args: []string{"simulate", tracePath},
			want: []string{"recover", "2160p", "manual #4", "3 events"},
		},
		{
			name:  "From stdin",
			stdin: recoveryTrace,
			args:  []string{"simulate", "-"},
			want:  []string{"recover", "1 recoveries"},
		},
		{
			name: "Custom start",
			args: []string{"simulate", "--start", "360p", "--all", tracePath},
			want: []string{"state playing", "recover", "720p"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--config", cfgPath}, tc.args...)
			out, err := runCLI(t, context.Background(), tc.stdin, args...)
			if err != nil {
				t.Fatalf("simulate failed: %v", err)
			}
			for _, want := range tc.want {
				if !strings.Contains(out, want) {
					t.Fatalf("Expected %q in output:\n%s", want, out)
				}
			}
		})
	}
}

func TestSimulateErrors(t *testing.T) {
	cfgPath := writeFile(t, "config.toml", quietConfig)
	badTrace := writeFile(t, "bad.jsonl", `{"at":"1s","state":"rewinding"}`)

	testCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"Missing file", []string{"simulate", filepath.Join(t.TempDir(), "none.jsonl")}, "open trace"},
		{"Bad trace", []string{"simulate", badTrace}, "read trace"},
		{"Unknown start", []string{"simulate", "--start", "8k", badTrace}, "unknown start quality"},
		{"No argument", []string{"simulate"}, "accepts 1 arg"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--config", cfgPath}, tc.args...)
			_, err := runCLI(t, context.Background(), "", args...)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "audit.db")
	cfgPath := writeFile(t, "config.toml", `
[server]
addr = "127.0.0.1:0"
shutdown_timeout = "5s"

[audit]
enabled = true
driver = "sqlite"
dsn = "`+dbPath+`"

[logging]
level = "error"
`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := runCLI(t, ctx, "", "--config", cfgPath, "serve"); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("Expected audit database to be created: %v", err)
	}
}

func TestConfigSealedCredentials(t *testing.T) {
	ctx := context.Background()

	key, err := runCLI(t, ctx, "", "config", "keygen")
	if err != nil {
		t.Fatalf("config keygen failed: %v", err)
	}
	key = strings.TrimSpace(key)

	t.Setenv(crypto.KeyEnv, "")
	if _, err := runCLI(t, ctx, "", "config", "encrypt", "pw"); err == nil {
		t.Fatal("Expected encrypt to fail without a master key")
	}

	t.Setenv(crypto.KeyEnv, key)
	sealed, err := runCLI(t, ctx, "s3cret\n", "config", "encrypt")
	if err != nil {
		t.Fatalf("config encrypt failed: %v", err)
	}
	sealed = strings.TrimSpace(sealed)
	if got, err := crypto.Reveal(sealed, key); err != nil || got != "s3cret" {
		t.Fatalf("Expected sealed s3cret, got %q %v", got, err)
	}

	if _, err := runCLI(t, ctx, "", "config", "encrypt", sealed); err == nil || !strings.Contains(err.Error(), "already sealed") {
		t.Fatalf("Expected already sealed error, got %v", err)
	}

	path := writeFile(t, "config.toml", `
[archive]
enabled = true
endpoint = "localhost:9000"
secret_access_key = "`+sealed+`"

[logging]
level = "error"
`)
	if _, err := runCLI(t, ctx, "", "--config", path, "config", "validate"); err != nil {
		t.Fatalf("validate with sealed secret failed: %v", err)
	}

	t.Setenv(crypto.KeyEnv, "")
	_, err = runCLI(t, ctx, "", "--config", path, "config", "validate")
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != ExitConfigError {
		t.Fatalf("Expected config exit error without master key, got %v", err)
	}
}
