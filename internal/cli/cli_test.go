package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/Bradleyfc/proyecto-cfbc/internal/config"
)

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	if buildVersion != "1.2.3" {
		t.Fatalf("expected 1.2.3, got %q", buildVersion)
	}
	if buildCommit != "abc123" {
		t.Fatalf("expected abc123, got %q", buildCommit)
	}
	if buildDate != "2026-01-01" {
		t.Fatalf("expected 2026-01-01, got %q", buildDate)
	}
	SetVersion("dev", "none", "unknown")
}

// resetPersistentFlags clears sticky persistent flag values between tests.
func resetPersistentFlags() {
	rootCmd.PersistentFlags().Set("json", "false")
	rootCmd.PersistentFlags().Set("config", "")
	for _, cmd := range append([]*cobra.Command{rootCmd}, rootCmd.Commands()...) {
		if f := cmd.Flags().Lookup("help"); f != nil {
			f.Value.Set("false")
			f.Changed = false
		}
	}
}

// captureStdout captures stdout output from the given function.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	buf := make([]byte, 64*1024)
	n, _ := r.Read(buf)
	r.Close()
	return string(buf[:n])
}

func TestVersionCommand(t *testing.T) {
	SetVersion("0.1.0", "deadbeef", "2026-02-07")
	defer SetVersion("dev", "none", "unknown")
	defer resetPersistentFlags()

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"version"})
		_ = rootCmd.Execute()
	})

	if !strings.Contains(output, "0.1.0") {
		t.Fatalf("expected version in output, got %q", output)
	}
	if !strings.Contains(output, "deadbeef") {
		t.Fatalf("expected commit in output, got %q", output)
	}
}

func TestVersionCommandJSON(t *testing.T) {
	SetVersion("0.2.0", "cafe42", "2026-03-01")
	defer SetVersion("dev", "none", "unknown")
	defer resetPersistentFlags()

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"version", "--json"})
		_ = rootCmd.Execute()
	})

	if !strings.Contains(output, `"version": "0.2.0"`) {
		t.Fatalf("expected JSON version field, got %q", output)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	want := []string{"serve", "migrate", "archive", "config", "version"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestMigrateSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range migrateCmd.Commands() {
		names[c.Name()] = true
	}
	if !names["run"] || !names["status"] {
		t.Fatalf("expected run and status subcommands, got %v", names)
	}
}

func TestArchiveSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range archiveCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"tables", "list", "export", "delete"} {
		if !names[want] {
			t.Errorf("archive subcommand %q not registered", want)
		}
	}
}

func TestHelpDoesNotError(t *testing.T) {
	defer resetPersistentFlags()
	for _, args := range [][]string{
		{"--help"},
		{"migrate", "--help"},
		{"archive", "--help"},
		{"config", "--help"},
	} {
		rootCmd.SetArgs(args)
		out := captureStdout(t, func() {
			if err := rootCmd.Execute(); err != nil {
				t.Errorf("help for %v returned error: %v", args, err)
			}
		})
		_ = out
	}
}

func TestConfigCommandProducesValidTOML(t *testing.T) {
	defer resetPersistentFlags()
	missing := filepath.Join(t.TempDir(), "nope.toml")

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "--config", missing})
		if err := rootCmd.Execute(); err != nil {
			t.Errorf("config command error: %v", err)
		}
	})

	var parsed config.Config
	if err := toml.Unmarshal([]byte(output), &parsed); err != nil {
		t.Fatalf("output is not valid TOML: %v\n%s", err, output)
	}
	if parsed.Server.Port != 8090 {
		t.Fatalf("expected default port 8090, got %d", parsed.Server.Port)
	}
}

func TestConfigSetAndGet(t *testing.T) {
	defer resetPersistentFlags()
	path := filepath.Join(t.TempDir(), "cfbc.toml")

	rootCmd.SetArgs([]string{"config", "set", "server.port", "9000", "--config", path})
	captureStdout(t, func() {
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("config set error: %v", err)
		}
	})

	output := captureStdout(t, func() {
		rootCmd.SetArgs([]string{"config", "get", "server.port", "--config", path})
		if err := rootCmd.Execute(); err != nil {
			t.Errorf("config get error: %v", err)
		}
	})
	if strings.TrimSpace(output) != "9000" {
		t.Fatalf("expected 9000, got %q", output)
	}
}

func TestConfigSetRejectsUnknownKey(t *testing.T) {
	defer resetPersistentFlags()
	path := filepath.Join(t.TempDir(), "cfbc.toml")

	rootCmd.SetArgs([]string{"config", "set", "bogus.key", "1", "--config", path})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown configuration key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestConfigInit(t *testing.T) {
	defer resetPersistentFlags()
	path := filepath.Join(t.TempDir(), "cfbc.toml")

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	captureStdout(t, func() {
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("config init error: %v", err)
		}
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading generated file: %v", err)
	}
	if !strings.Contains(string(raw), "[server]") {
		t.Fatalf("generated file missing [server] section:\n%s", raw)
	}

	// Second init must refuse to overwrite.
	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error on second init, got nil")
	}
}

func TestMigrateRunRequiresSource(t *testing.T) {
	defer resetPersistentFlags()
	missing := filepath.Join(t.TempDir(), "nope.toml")

	rootCmd.SetArgs([]string{"migrate", "run", "--config", missing})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no source database") {
		t.Fatalf("expected missing source error, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	cols := []string{"id", "name"}
	rows := [][]string{{"1", "Ana"}, {"2", "Luis, hijo"}}
	if err := writeCSV(&buf, cols, rows); err != nil {
		t.Fatalf("writeCSV error: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "id,name\n") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, `"Luis, hijo"`) {
		t.Fatalf("comma value not quoted: %q", out)
	}
}

func TestWriteCSVNoRows(t *testing.T) {
	var buf bytes.Buffer
	if err := writeCSV(&buf, []string{"a", "b"}, nil); err != nil {
		t.Fatalf("writeCSV error: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "a,b" {
		t.Fatalf("expected header only, got %q", buf.String())
	}
}
