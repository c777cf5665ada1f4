package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/shardline/internal/bridge"
	"github.com/mattjoyce/shardline/internal/command"
	"github.com/mattjoyce/shardline/internal/config"
	"github.com/mattjoyce/shardline/internal/journal"
	"github.com/mattjoyce/shardline/internal/log"
	"github.com/mattjoyce/shardline/internal/storage"
)

func runWithOutput(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := runCLI(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCLINoArgsPrintsUsage(t *testing.T) {
	code, _, stderr := runWithOutput()
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: shardline") {
		t.Fatalf("stderr missing usage: %q", stderr)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := runWithOutput("launch")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: launch") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunCLIHelp(t *testing.T) {
	code, stdout, _ := runWithOutput("help")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{"start", "config check", "config hash", "version"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("usage missing %q", want)
		}
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	code, stdout, _ := runWithOutput("--version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.HasPrefix(stdout, "shardline ") {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "commit: ") || !strings.Contains(stdout, "built_at: ") {
		t.Fatalf("stdout missing metadata: %q", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	code, stdout, _ := runWithOutput("version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestRunVersionRejectsExtraArgs(t *testing.T) {
	code, _, stderr := runWithOutput("version", "extra")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Usage: shardline version") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunConfigCheck(t *testing.T) {
	path := writeConfig(t, "router:\n  expiry_timeout: 45s\n")

	code, stdout, stderr := runWithOutput("config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid: "+path) {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "router.expiry_timeout: 45s") {
		t.Errorf("stdout missing expiry: %q", stdout)
	}
}

func TestRunConfigCheckAcceptsDirectory(t *testing.T) {
	path := writeConfig(t, "service:\n  name: from-dir\n")

	code, stdout, stderr := runWithOutput("config", "check", "--config", filepath.Dir(path))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, path) {
		t.Errorf("stdout should name the resolved file: %q", stdout)
	}
}

func TestRunConfigCheckInvalid(t *testing.T) {
	path := writeConfig(t, "router: [not, a, map]\n")

	code, _, stderr := runWithOutput("config", "check", "--config", path)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Configuration invalid") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunConfigHashAndVerify(t *testing.T) {
	body := "service:\n  name: hashed\n"
	path := writeConfig(t, body)
	want := config.FingerprintBytes([]byte(body))

	code, stdout, stderr := runWithOutput("config", "hash", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, stderr)
	}
	if stdout != want+"  "+path+"\n" {
		t.Fatalf("stdout = %q, want hash %s", stdout, want)
	}

	code, stdout, _ = runWithOutput("config", "hash", "--config", path, "--verify", want)
	if code != 0 || !strings.HasPrefix(stdout, "OK ") {
		t.Fatalf("verify matching hash: code=%d stdout=%q", code, stdout)
	}

	code, _, stderr = runWithOutput("config", "hash", "--config", path, "--verify", strings.Repeat("0", 64))
	if code != 1 {
		t.Fatalf("verify mismatched hash: code=%d", code)
	}
	if !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunConfigNounUnknownAction(t *testing.T) {
	code, _, stderr := runWithOutput("config", "edit")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown config action: edit") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Bridge.Enabled = true
	cfg.Bridge.Listen = "127.0.0.1:0"
	cfg.Bridge.Secret = "bridge-secret"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, cfg, log.Discard()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		t.Fatalf("journal database not created: %v", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServeAnswersBridgedPing(t *testing.T) {
	const secret = "bridge-secret"
	cfg := config.Defaults()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Bridge.Enabled = true
	cfg.Bridge.Listen = freeAddr(t)
	cfg.Bridge.Secret = secret

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, cfg, log.Discard()) }()

	body := []byte(`{"command":"ping","actor_id":"alice"}`)
	url := "http://" + cfg.Bridge.Listen + "/invocations"
	var status int
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(cfg.Bridge.SignatureHeader, bridge.Sign(body, secret))
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != http.StatusAccepted {
		t.Fatalf("POST /invocations status = %d, want %d", status, http.StatusAccepted)
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.Journal.Path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer db.Close()
	store := journal.New(db)

	var found bool
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline) && !found; {
		entries, err := store.Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent() error = %v", err)
		}
		for _, e := range entries {
			if e.Command == "ping" && e.ActorID == "alice" && e.Outcome == command.Dispatched {
				found = true
			}
		}
		if !found {
			time.Sleep(20 * time.Millisecond)
		}
	}
	if !found {
		t.Fatal("dispatched ping never reached the journal")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
