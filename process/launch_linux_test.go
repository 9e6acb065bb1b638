//go:build linux

package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLaunchHoldsTargetUntilRelease(t *testing.T) {
	l := NewLauncher(zaptest.NewLogger(t))
	target, err := l.Launch("/bin/sh", []string{"-c", "exit 3"})
	if err != nil {
		t.Skipf("ptrace launch not permitted here: %v", err)
	}

	assert.NotZero(t, target.PID())
	assert.True(t, target.Running())

	select {
	case <-target.Exited():
		t.Fatal("target ran before release")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, target.Release())
	select {
	case <-target.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("target did not exit after release")
	}
	assert.False(t, target.Running())
	assert.Equal(t, 3, target.ExitCode())
}

func TestTerminateBeforeRelease(t *testing.T) {
	l := NewLauncher(zaptest.NewLogger(t))
	target, err := l.Launch("/bin/sleep", []string{"30"})
	if err != nil {
		t.Skipf("ptrace launch not permitted here: %v", err)
	}

	require.NoError(t, target.Terminate())
	select {
	case <-target.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("terminate did not reap target")
	}
	assert.False(t, target.Running())
	assert.Equal(t, -1, target.ExitCode())

	// Control calls on a dead target are harmless.
	assert.NoError(t, target.Suspend())
	assert.NoError(t, target.Resume())
	assert.NoError(t, target.Terminate())
}
