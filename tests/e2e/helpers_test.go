//go:build linux

package e2e

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// runEztc executes eztc with args and asserts a successful exit.
// Returns the combined stdout and stderr output.
func runEztc(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(eztcBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("eztc %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}
	return stdout.String() + stderr.String()
}

// runEztcExpectFailure executes eztc with args and expects a non-zero exit code.
// Returns the combined stdout and stderr output.
func runEztcExpectFailure(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(eztcBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected eztc %v to fail, but it succeeded\nstdout: %s\nstderr: %s", args, stdout.String(), stderr.String())
	}
	return stdout.String() + stderr.String()
}

// runEztcDaemon starts eztc in daemon mode and returns the exec.Cmd.
// The caller is responsible for stopping the process.
func runEztcDaemon(t *testing.T, configPath string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(eztcBinary, "-c", configPath, "--dry-run")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start eztc daemon: %v", err)
	}
	return cmd
}

// testLayout is a self-contained agent setup under a temp directory. The runtime
// endpoint points at a socket that does not exist, so only interface rules apply.
type testLayout struct {
	dir        string
	configPath string
	stateFile  string
	patchDir   string
}

func newTestLayout(t *testing.T, desired string) *testLayout {
	t.Helper()
	dir := t.TempDir()
	layout := &testLayout{
		dir:       dir,
		stateFile: filepath.Join(dir, "state", "desired.json"),
		patchDir:  filepath.Join(dir, "patches"),
	}
	for _, d := range []string{filepath.Dir(layout.stateFile), layout.patchDir, filepath.Join(dir, "net")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", d, err)
		}
	}
	writeFile(t, layout.stateFile, desired)

	layout.configPath = filepath.Join(dir, "eztc.yaml")
	writeFile(t, layout.configPath, fmt.Sprintf(`
global:
  log_level: info
docker:
  host: unix://%s
resolver:
  sysfs_net_path: %s
desired_state:
  state_file: %s
  patch_dir: %s
`, filepath.Join(dir, "docker.sock"), filepath.Join(dir, "net"), layout.stateFile, layout.patchDir))
	return layout
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
