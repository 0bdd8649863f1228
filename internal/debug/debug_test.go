package debug

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func withEnabled(t *testing.T, on bool) {
	t.Helper()
	old := enabled
	enabled = on
	t.Cleanup(func() { enabled = old })
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = w
	defer func() { os.Stderr = old }()

	fn()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestLogfGatedByEnv(t *testing.T) {
	withEnabled(t, true)
	if got := captureStderr(t, func() { Logf("op %s on %s\n", "create", "graph_main") }); got != "op create on graph_main\n" {
		t.Errorf("Logf output = %q", got)
	}

	withEnabled(t, false)
	if got := captureStderr(t, func() { Logf("should not appear\n") }); got != "" {
		t.Errorf("Logf wrote %q with POLYSTORE_DEBUG unset", got)
	}
}

func TestSetVerboseOverridesEnv(t *testing.T) {
	withEnabled(t, false)
	SetVerbose(true)
	defer SetVerbose(false)

	if !Enabled() {
		t.Error("Enabled() = false with verbose on")
	}
	if got := captureStderr(t, func() { Logf("verbose\n") }); got != "verbose\n" {
		t.Errorf("Logf output = %q", got)
	}
}

func TestQuietMode(t *testing.T) {
	SetQuiet(true)
	defer SetQuiet(false)

	if !IsQuiet() {
		t.Error("IsQuiet() = false after SetQuiet(true)")
	}

	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	PrintNormal("suppressed %d\n", 1)
	PrintlnNormal("suppressed too")
	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	if buf.Len() != 0 {
		t.Errorf("quiet mode leaked output: %q", buf.String())
	}
}
