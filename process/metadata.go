package process

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// procRoot is the procfs mount point; tests point it at a fixture tree.
var procRoot = "/proc"

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[uint32]string)
)

var containerIDRegex = regexp.MustCompile(`^[a-f0-9]{12,64}$`)

// GetUsernameFromUID resolves uid to a user name, caching the result.
func GetUsernameFromUID(uid uint32) string {
	usernameCacheMutex.RLock()
	if username, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return username
	}
	usernameCacheMutex.RUnlock()

	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		usernameCacheMutex.Lock()
		usernameCache[uid] = u.Username
		usernameCacheMutex.Unlock()
		return u.Username
	}
	return ""
}

func procPath(pid uint32, name string) string {
	return filepath.Join(procRoot, strconv.FormatUint(uint64(pid), 10), name)
}

// Exists reports whether pid has a procfs entry.
func Exists(pid uint32) bool {
	_, err := os.Stat(procPath(pid, ""))
	return !os.IsNotExist(err)
}

// CollectProcMetadata fills info from /proc. It returns false when the
// process is already gone.
func CollectProcMetadata(pid uint32, info *Info) bool {
	if !Exists(pid) {
		return false
	}
	info.PID = pid
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}

	if exePath, err := os.Readlink(procPath(pid, "exe")); err == nil {
		info.ExePath = exePath
	}

	if comm, err := readProcFile(pid, "comm"); err == nil {
		info.Comm = comm
	}

	// cmdline is NUL separated
	if cmdlineBytes, err := os.ReadFile(procPath(pid, "cmdline")); err == nil && len(cmdlineBytes) > 0 {
		var cmdArgs []string
		for _, arg := range bytes.Split(cmdlineBytes, []byte{0}) {
			if len(arg) > 0 {
				cmdArgs = append(cmdArgs, string(arg))
			}
		}
		info.CmdLine = strings.Join(cmdArgs, " ")
	}

	if cwd, err := os.Readlink(procPath(pid, "cwd")); err == nil {
		info.WorkingDir = cwd
	}

	status := procPath(pid, "status")
	if v, err := keyValue(status, "PPid"); err == nil {
		info.PPID = uint32(v)
	}
	// Uid: real effective saved fs; the first is the real uid.
	if v, err := keyValue(status, "Uid"); err == nil {
		info.UID = uint32(v)
	}

	if info.Username == "" {
		info.Username = GetUsernameFromUID(info.UID)
	}

	if info.ContainerID == "" {
		info.ContainerID = containerID(pid)
	}

	return true
}

func containerID(pid uint32) string {
	cgroupData, err := os.ReadFile(procPath(pid, "cgroup"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(cgroupData), "\n") {
		if !strings.Contains(line, "docker") && !strings.Contains(line, "containerd") {
			continue
		}
		parts := strings.Split(line, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := strings.TrimSuffix(strings.TrimPrefix(parts[i], "docker-"), ".scope")
			if containerIDRegex.MatchString(part) {
				return part
			}
		}
	}
	return ""
}

// readProcFile reads a file from /proc and returns its trimmed contents
func readProcFile(pid uint32, filename string) (string, error) {
	data, err := os.ReadFile(procPath(pid, filename))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}

// FormatInfo renders info for log output.
func FormatInfo(info *Info) string {
	s := fmt.Sprintf("pid=%d comm=%s ppid=%d uid=%d", info.PID, info.Comm, info.PPID, info.UID)
	if info.Username != "" {
		s += fmt.Sprintf(" user=%s", info.Username)
	}
	if info.ExePath != "" {
		s += fmt.Sprintf(" path=%s", info.ExePath)
	}
	if info.CmdLine != "" {
		s += fmt.Sprintf(" cmdline=%s", info.CmdLine)
	}
	if info.ContainerID != "" {
		s += fmt.Sprintf(" container=%s", info.ContainerID)
	}
	return s
}
