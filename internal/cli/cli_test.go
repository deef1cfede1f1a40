package cli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/runner"
	"github.com/me/fibersched/internal/server"
	"github.com/me/fibersched/internal/store"
)

var runIDPattern = regexp.MustCompile(`run_[0-9a-f-]{36}`)

const pairWorkload = `
name: pair
shuffle: false
tasks:
  - name: A
    kind: yield
    iterations: 2
  - name: B
    kind: yield
    iterations: 2
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err != nil {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

// startTestServer starts a server with an in-memory SQLite store and returns the URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srvLogger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", srvLogger)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rn := runner.New(config.DefaultSchedulerConfig(),
		config.RunConfig{Timeout: 5 * time.Second, Grace: time.Second, Persist: true},
		runner.WithStore(st), runner.WithLogger(srvLogger))
	srv := server.New(config.DefaultServerConfig(), st, srvLogger, server.WithRunner(rn))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRunCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "traces.db")
	wl := writeFile(t, "pair.yaml", pairWorkload)

	out, err := runCLI(t, "--db", db, "run", wl, "--trace")
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	for _, want := range []string{"A: Step 1", "B: Step 2", "State:      RETURNED", "return_main", "teardown"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "A: Step 1") > strings.Index(out, "B: Step 1") {
		t.Errorf("A should run before B with shuffle off:\n%s", out)
	}
}

func TestRunCommand_Overrides(t *testing.T) {
	wl := writeFile(t, "pair.yaml", pairWorkload)

	out, err := runCLI(t, "run", wl, "--no-persist", "--kill-main", "--ready-set", "heap")
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "State:      HALTED") {
		t.Errorf("kill-main run should halt:\n%s", out)
	}
	if !strings.Contains(out, "kill_main=true ready_set=heap") {
		t.Errorf("policy not overridden:\n%s", out)
	}
}

func TestRunCommand_FailedRun(t *testing.T) {
	wl := writeFile(t, "bad.yaml", `
name: bad
tasks:
  - name: thrower
    kind: script
    script: throw new Error("nope")
`)
	out, err := runCLI(t, "run", wl, "--no-persist")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected failed run error, got %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "State:      FAILED") {
		t.Errorf("output = %s", out)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing file", []string{"run", "/nonexistent/workload.yaml"}, "read workload"},
		{"invalid workload", []string{"run", writeFile(t, "empty.yaml", "name: empty\n")}, "at least one task"},
		{"bad ready set", []string{"run", writeFile(t, "p.yaml", pairWorkload), "--ready-set", "tree"}, "unknown ready_set"},
		{"server-only flags", []string{"--server", "http://127.0.0.1:1", "run", writeFile(t, "p.yaml", pairWorkload), "--seed", "3"}, "server settings"},
		{"bad log format", []string{"--log-format", "xml", "runs"}, "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestDemoCommand(t *testing.T) {
	out, err := runCLI(t, "demo", "--iterations", "1", "--no-persist")
	if err != nil {
		t.Fatalf("demo error: %v\noutput: %s", err, out)
	}
	if !strings.HasPrefix(out, "Task 1: Step 1\nTask 2: Step 1\n") {
		t.Errorf("demo should start with Task 1 then Task 2:\n%s", out)
	}
	if !strings.Contains(out, "State:      HALTED") {
		t.Errorf("demo should halt the thread:\n%s", out)
	}
}

func TestDemoCommand_Timeout(t *testing.T) {
	out, err := runCLI(t, "demo", "--iterations", "0", "--timeout", "700ms", "--grace", "2s", "--no-persist")
	if err != nil {
		t.Fatalf("demo error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "State:      TIMED_OUT") {
		t.Errorf("unbounded demo should time out:\n%s", out)
	}
}

func TestQueryCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "traces.db")
	wl := writeFile(t, "pair.yaml", pairWorkload)

	out, err := runCLI(t, "--db", db, "run", wl)
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	id := runIDPattern.FindString(out)
	if id == "" {
		t.Fatalf("no run id in output:\n%s", out)
	}

	out, err = runCLI(t, "--db", db, "runs")
	if err != nil {
		t.Fatalf("runs error: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "RETURNED") {
		t.Errorf("runs output missing %s:\n%s", id, out)
	}

	out, err = runCLI(t, "--db", db, "runs", "--state", "HALTED")
	if err != nil || !strings.Contains(out, "No runs found.") {
		t.Errorf("filtered runs = %q, %v", out, err)
	}

	out, err = runCLI(t, "--db", db, "show", id)
	if err != nil {
		t.Fatalf("show error: %v", err)
	}
	if !strings.Contains(out, "Fibers:") || !strings.Contains(out, "finished") {
		t.Errorf("show output:\n%s", out)
	}

	out, err = runCLI(t, "--db", db, "events", id, "--kind", "finish")
	if err != nil {
		t.Fatalf("events error: %v", err)
	}
	if strings.Count(out, "finish") != 2 || strings.Contains(out, "dispatch") {
		t.Errorf("events output:\n%s", out)
	}

	if _, err := runCLI(t, "--db", db, "show", "run_missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("show missing run error = %v", err)
	}
	if _, err := runCLI(t, "--db", db, "events", id, "--kind", "bogus"); err == nil {
		t.Error("expected error for unknown event kind")
	}
}

func TestDBFromEnv(t *testing.T) {
	db := filepath.Join(t.TempDir(), "env.db")
	t.Setenv(config.DBEnvVar, db)

	if out, err := runCLI(t, "run", writeFile(t, "pair.yaml", pairWorkload)); err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("database not created at %s: %v", db, err)
	}
}

func TestConfigFile(t *testing.T) {
	conf := writeFile(t, "fibersched.yaml", `
scheduler:
  kill_main: true
run:
  persist: false
`)
	out, err := runCLI(t, "--config", conf, "run", writeFile(t, "pair.yaml", pairWorkload))
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "State:      HALTED") {
		t.Errorf("config kill_main not applied:\n%s", out)
	}

	if _, err := runCLI(t, "--config", "/nonexistent/fibersched.yaml", "runs"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestRemoteCommands(t *testing.T) {
	url := startTestServer(t)
	wl := writeFile(t, "pair.yaml", pairWorkload)

	out, err := runCLI(t, "--server", url, "run", wl)
	if err != nil {
		t.Fatalf("remote run error: %v\noutput: %s", err, out)
	}
	id := runIDPattern.FindString(out)
	if id == "" || !strings.Contains(out, "RETURNED") {
		t.Fatalf("remote run output:\n%s", out)
	}

	out, err = runCLI(t, "--server", url, "runs", "--workload", "pair")
	if err != nil || !strings.Contains(out, id) {
		t.Errorf("remote runs = %q, %v", out, err)
	}

	out, err = runCLI(t, "--server", url, "events", id, "--limit", "1")
	if err != nil {
		t.Fatalf("remote events error: %v", err)
	}
	if !strings.Contains(out, "submit") || !strings.Contains(out, "--offset 1") {
		t.Errorf("remote events output:\n%s", out)
	}

	if _, err := runCLI(t, "--server", url, "show", "run_missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("remote show missing run error = %v", err)
	}
}

func TestBuildServer(t *testing.T) {
	cfg = config.Default()
	logger = slog.New(slog.DiscardHandler)
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	srv := buildServer(st, runner.NewSweeper(st, cfg.Sweep, logger))
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != 200 || !strings.Contains(w.Body.String(), `"runner":"available"`) || !strings.Contains(w.Body.String(), `"sweeper":"available"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	archive := filepath.Join(dir, "trace.cbor")

	out, err := runCLI(t, "--db", src, "run", writeFile(t, "pair.yaml", pairWorkload))
	if err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	id := runIDPattern.FindString(out)

	out, err = runCLI(t, "--db", src, "export", id, "-o", archive)
	if err != nil {
		t.Fatalf("export error: %v", err)
	}
	if !strings.Contains(out, "Exported "+id) {
		t.Errorf("export output: %s", out)
	}

	out, err = runCLI(t, "--db", dst, "import", archive)
	if err != nil {
		t.Fatalf("import error: %v", err)
	}
	if !strings.Contains(out, "Imported "+id) {
		t.Errorf("import output: %s", out)
	}

	original, err := runCLI(t, "--db", src, "events", id)
	if err != nil {
		t.Fatal(err)
	}
	imported, err := runCLI(t, "--db", dst, "events", id)
	if err != nil {
		t.Fatal(err)
	}
	if original != imported {
		t.Errorf("imported trace differs:\n%s\n---\n%s", original, imported)
	}

	if _, err := runCLI(t, "--db", dst, "import", archive); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second import error = %v", err)
	}
	if _, err := runCLI(t, "--db", dst, "import", writeFile(t, "junk.cbor", "junk")); err == nil {
		t.Error("expected error importing a non-archive")
	}
	if _, err := runCLI(t, "--db", src, "export", "run_missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("export missing run error = %v", err)
	}
}

func TestEnvFile(t *testing.T) {
	db := filepath.Join(t.TempDir(), "from-env-file.db")
	// Register a restore of the current value, then clear it so the file
	// is not shadowed.
	t.Setenv(config.DBEnvVar, "")
	os.Unsetenv(config.DBEnvVar)

	envFile := writeFile(t, "fibersched.env", config.DBEnvVar+"="+db+"\n")
	if out, err := runCLI(t, "--env-file", envFile, "run", writeFile(t, "pair.yaml", pairWorkload)); err != nil {
		t.Fatalf("run error: %v\noutput: %s", err, out)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("database not created at %s: %v", db, err)
	}

	if _, err := runCLI(t, "--env-file", "/nonexistent/.env", "runs"); err == nil {
		t.Error("expected error for missing env file")
	}
}
