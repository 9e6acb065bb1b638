package process

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc builds a minimal procfs tree for pid under a temp dir and points
// procRoot at it for the duration of the test.
func fakeProc(t *testing.T, pid string, files map[string]string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fd"), 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	for _, fd := range []string{"0", "1", "2"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "fd", fd), nil, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "meminfo"), []byte("MemTotal:       8192 kB\nMemFree: 1 kB\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "uptime"), []byte("200.00 100.00\n"), 0o644))

	old := procRoot
	procRoot = root
	t.Cleanup(func() { procRoot = old })
}

func TestCollectProcMetadata(t *testing.T) {
	fakeProc(t, "4242", map[string]string{
		"comm":    "sample\n",
		"cmdline": "/tmp/sample\x00--flag\x00value\x00",
		"status":  "Name:\tsample\nPPid:\t100\nUid:\t0\t0\t0\t0\nThreads:\t3\n",
		"cgroup":  "0::/system.slice/docker-0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef.scope\n",
	})

	var info Info
	require.True(t, CollectProcMetadata(4242, &info))
	assert.Equal(t, uint32(4242), info.PID)
	assert.Equal(t, uint32(100), info.PPID)
	assert.Equal(t, "sample", info.Comm)
	assert.Equal(t, "/tmp/sample --flag value", info.CmdLine)
	assert.Equal(t, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", info.ContainerID)
	assert.False(t, info.StartTime.IsZero())
	assert.Contains(t, FormatInfo(&info), "cmdline=/tmp/sample --flag value")

	assert.False(t, CollectProcMetadata(1, &Info{}), "missing pid")
}

func TestSample(t *testing.T) {
	fakeProc(t, "7", map[string]string{
		"status": "Name:\tx\nThreads:\t5\n",
		"statm":  "100 2 0 0 0 0 0\n",
		// utime=100 stime=100 ticks, started at 100s of uptime
		"stat": "7 (my proc) S 1 7 7 0 -1 0 0 0 0 0 100 100 0 0 20 0 5 0 10000 0 0\n",
	})

	stats, err := Sample(7)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.ThreadCount)
	assert.Equal(t, 3, stats.FileDescCount)
	assert.Equal(t, 2*pageSize, stats.MemoryUsage)
	assert.InDelta(t, float64(2*pageSize)/(8192*1024)*100, stats.MemoryPercent, 1e-9)
	// 2s of cpu over 100s alive
	assert.InDelta(t, 2.0, stats.CPUUsage, 1e-9)

	_, err = Sample(8)
	assert.Error(t, err)
}

func TestCredentialFor(t *testing.T) {
	cred, err := credentialFor(&user.User{Uid: "1000", Gid: "1001", Username: "nobody-here"})
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), cred.Uid)
	assert.Equal(t, uint32(1001), cred.Gid)

	_, err = credentialFor(&user.User{Uid: "abc", Gid: "1"})
	assert.Error(t, err)
}

func TestSudoCredentialWithoutSudo(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	_, err := SudoCredential()
	assert.Error(t, err)
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := NewLauncher(nil).Launch("nonexistent-path", nil)
	assert.Error(t, err)
}
