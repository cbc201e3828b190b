package blastbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuteProducesVerifiableEvidenceHash(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("hello"), 0o600))

	runtime := &fakeRuntime{result: RunResult{ExitCode: 0, Stdout: "ok", Stderr: ""}}
	box := New(runtime, workspace, Config{Image: "alpine", TimeoutSeconds: 30})

	packet, err := box.Execute(context.Background(), "intent-1", "echo hello")
	require.NoError(t, err)
	require.Equal(t, 0, packet.ExitCode)
	require.NotEmpty(t, packet.EvidenceHash)

	ok, err := VerifyEvidenceHash(packet)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExecuteDetectsWorkspaceDiff(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "keep.txt"), []byte("same"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "change.txt"), []byte("before"), 0o600))

	runtime := &fakeRuntime{result: RunResult{ExitCode: 0}}
	box := New(runtime, workspace, Config{})

	// Simulate the sandboxed command mutating the workspace: the fake
	// runtime applies these changes from inside Run, so they fall between
	// the before and after snapshots the diff is computed from.
	runtime.result = RunResult{ExitCode: 0}
	runtime.during = func() {
		require.NoError(t, os.WriteFile(filepath.Join(workspace, "change.txt"), []byte("after"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(workspace, "new.txt"), []byte("new"), 0o600))
		require.NoError(t, os.Remove(filepath.Join(workspace, "keep.txt")))
	}

	packet, err := box.Execute(context.Background(), "intent-1", "noop")
	require.NoError(t, err)
	require.Contains(t, packet.WorkspaceDiff.Added, "new.txt")
	require.Contains(t, packet.WorkspaceDiff.Deleted, "keep.txt")
}

func TestExecuteTimeoutProducesPacketWithTimedOutTrue(t *testing.T) {
	workspace := t.TempDir()
	runtime := &fakeRuntime{result: RunResult{ExitCode: -1, TimedOut: true, Stdout: "partial"}}
	box := New(runtime, workspace, Config{TimeoutSeconds: 1})

	packet, err := box.Execute(context.Background(), "intent-1", "sleep 100")
	require.NoError(t, err)
	require.True(t, packet.TimedOut)
	require.Equal(t, -1, packet.ExitCode)
}

func TestExecuteReturnsSandboxUnavailableWhenRuntimeMissing(t *testing.T) {
	workspace := t.TempDir()
	box := New(nil, workspace, Config{})
	_, err := box.Execute(context.Background(), "intent-1", "echo hi")
	require.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestExecuteReturnsSandboxUnavailableOnRuntimeError(t *testing.T) {
	workspace := t.TempDir()
	runtime := &fakeRuntime{err: errRuntimeUnreachable}
	box := New(runtime, workspace, Config{})
	_, err := box.Execute(context.Background(), "intent-1", "echo hi")
	require.ErrorIs(t, err, ErrSandboxUnavailable)
}
