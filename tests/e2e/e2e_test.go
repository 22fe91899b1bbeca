//go:build linux

package e2e

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

const interfaceRules = `{
  // host-side adapters shaped directly
  "desired": {"rules": {
    "eth9-egress": {"targetType": "if", "rule": "--rate 10Mbps --direction outgoing"},
    "eth9-ingress": {"targetType": "if", "rule": "--rate 5Mbps --direction incoming"}
  }}
}`

// --- Once mode ---

func TestE2E_OnceMode_InterfaceRules(t *testing.T) {
	layout := newTestLayout(t, interfaceRules)

	output := runEztc(t, "once", "-c", layout.configPath, "--dry-run")

	if strings.Count(output, "dry-run: apply") != 2 {
		t.Errorf("expected 2 dry-run applies, got output:\n%s", output)
	}
	if !strings.Contains(output, "--rate 10Mbps --direction outgoing") {
		t.Errorf("expected egress parameters in output:\n%s", output)
	}
}

func TestE2E_OnceMode_UnreachableContainerFails(t *testing.T) {
	layout := newTestLayout(t, `{"desired": {"rules": {
		"web": {"targetType": "module", "rule": "--rate 10Mbps"},
		"eth9-egress": {"targetType": "if", "rule": "--rate 1Mbps"}
	}}}`)

	output := runEztcExpectFailure(t, "once", "-c", layout.configPath, "--dry-run")

	if strings.Contains(output, "dry-run: apply") {
		t.Errorf("expected the batch to abort before any apply, got output:\n%s", output)
	}
}

func TestE2E_OnceMode_InvalidTargetTypeStopsBatch(t *testing.T) {
	layout := newTestLayout(t, `{"desired": {"rules": {
		"eth9-egress": {"targetType": "if", "rule": "--rate 1Mbps"},
		"broken": {"targetType": "bogus", "rule": "--rate 2Mbps"}
	}}}`)

	output := runEztcExpectFailure(t, "once", "-c", layout.configPath, "--dry-run")

	if strings.Count(output, "dry-run: apply") != 1 {
		t.Errorf("expected only the valid leading rule to apply, got output:\n%s", output)
	}
}

func TestE2E_OnceMode_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "eztc.yaml")
	writeFile(t, configPath, `
resolver:
  adapter_source: procfs
`)

	runEztcExpectFailure(t, "once", "-c", configPath, "--dry-run")
}

// --- Rules command ---

func TestE2E_Rules(t *testing.T) {
	layout := newTestLayout(t, interfaceRules)

	output := runEztc(t, "rules", "-c", layout.configPath)

	for _, want := range []string{"eth9-egress", "eth9-ingress", "targetType: if", "--rate 5Mbps --direction incoming"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in rules output:\n%s", want, output)
		}
	}
}

// --- Daemon mode ---

func TestE2E_DaemonMode_PatchAndGracefulShutdown(t *testing.T) {
	layout := newTestLayout(t, interfaceRules)

	cmd := runEztcDaemon(t, layout.configPath)
	defer cmd.Process.Kill()

	// Give the daemon time to start its watchers
	time.Sleep(500 * time.Millisecond)

	patchFile := filepath.Join(layout.patchDir, "001.json")
	writeFile(t, patchFile, `{"rules": {"eth9-ingress": null}}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(patchFile); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon did not consume the patch file")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- cmd.Wait()
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit within 10 seconds after SIGTERM")
	}
}

// --- Version command ---

func TestE2E_Version(t *testing.T) {
	output := runEztc(t, "version")
	if !strings.Contains(output, "eztc version") {
		t.Errorf("expected output to contain 'eztc version', got %q", output)
	}
}
