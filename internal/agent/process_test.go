package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCommandCapturesOutput(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", `echo out; echo err >&2`)

	stdout, stderr, err := runCommand(cmd, nil, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if strings.TrimSpace(string(stdout)) != "out" {
		t.Errorf("stdout = %q", stdout)
	}
	if strings.TrimSpace(string(stderr)) != "err" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunCommandFeedsStdin(t *testing.T) {
	cmd := newCommand(context.Background(), "cat")

	stdout, _, err := runCommand(cmd, nil, []byte("pass through"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if string(stdout) != "pass through" {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunCommandFailureIncludesStderr(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", `echo "what went wrong" >&2; exit 1`)

	_, _, err := runCommand(cmd, nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "what went wrong") {
		t.Errorf("error does not carry stderr: %v", err)
	}
}

func TestRunCommandDrainsLargeOutput(t *testing.T) {
	// Output well past pipe buffer capacity must not deadlock.
	cmd := newCommand(context.Background(), "sh", "-c", `head -c 1048576 /dev/zero | tr '\0' 'x'`)

	stdout, _, err := runCommand(cmd, nil, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(stdout) != 1048576 {
		t.Errorf("stdout length = %d, want 1048576", len(stdout))
	}
}

func TestProcessManagerTracking(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Errorf("count = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("kill all failed: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("count after KillAll = %d, want 0", pm.Count())
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("killed process did not exit")
	}
}

func TestProcessManagerUntrack(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pm.Track(cmd)
	pm.Untrack(cmd)

	if pm.Count() != 0 {
		t.Errorf("count after untrack = %d, want 0", pm.Count())
	}
	cmd.Wait()
}
