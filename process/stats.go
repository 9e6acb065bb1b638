package process

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// pageSize converts statm pages to bytes.
var pageSize = uint64(os.Getpagesize())

// clockTicks is USER_HZ, the unit of utime/stime in /proc/<pid>/stat.
const clockTicks = 100

// Sample collects a resource snapshot of pid. Individual fields that cannot
// be read are left zero; an error is returned only if the process is gone.
func Sample(pid uint32) (*Stats, error) {
	if !Exists(pid) {
		return nil, fmt.Errorf("process %d not found", pid)
	}

	stats := &Stats{Timestamp: time.Now()}

	if cpuUsage, err := getCPUUsage(pid); err == nil {
		stats.CPUUsage = cpuUsage
	}
	if memBytes, memPercent, err := getMemoryUsage(pid); err == nil {
		stats.MemoryUsage = memBytes
		stats.MemoryPercent = memPercent
	}
	if threadCount, err := getThreadCount(pid); err == nil {
		stats.ThreadCount = threadCount
	}
	if fds, err := os.ReadDir(procPath(pid, "fd")); err == nil {
		stats.FileDescCount = len(fds)
	}

	return stats, nil
}

// getMemoryUsage returns resident set size in bytes and as a share of
// MemTotal.
func getMemoryUsage(pid uint32) (uint64, float64, error) {
	data, err := readProcFile(pid, "statm")
	if err != nil {
		return 0, 0.0, err
	}

	// size resident shared text lib data dt, in pages
	fields := strings.Fields(data)
	if len(fields) < 2 {
		return 0, 0.0, fmt.Errorf("invalid statm format")
	}
	rss, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0.0, err
	}
	memoryBytes := rss * pageSize

	totalKB, err := keyValue(filepath.Join(procRoot, "meminfo"), "MemTotal")
	if err != nil || totalKB == 0 {
		return memoryBytes, 0.0, nil
	}
	return memoryBytes, float64(memoryBytes) / float64(totalKB*1024) * 100, nil
}

// getCPUUsage returns average CPU usage over the process lifetime.
func getCPUUsage(pid uint32) (float64, error) {
	data, err := readProcFile(pid, "stat")
	if err != nil {
		return 0.0, err
	}

	// comm may contain spaces; fields are counted after its closing paren.
	if i := strings.LastIndexByte(data, ')'); i >= 0 {
		data = data[i+1:]
	}
	fields := strings.Fields(data)
	// fields[0] is state (field 3), so utime (14) and stime (15) are at 11 and 12,
	// starttime (22) at 19.
	if len(fields) < 20 {
		return 0.0, fmt.Errorf("invalid stat format")
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0.0, err
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0.0, err
	}
	start, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return 0.0, err
	}

	uptime, err := os.ReadFile(filepath.Join(procRoot, "uptime"))
	if err != nil {
		return 0.0, err
	}
	up := strings.Fields(string(uptime))
	if len(up) == 0 {
		return 0.0, fmt.Errorf("invalid uptime format")
	}
	uptimeSeconds, err := strconv.ParseFloat(up[0], 64)
	if err != nil {
		return 0.0, err
	}

	elapsed := uptimeSeconds - float64(start)/clockTicks
	if elapsed <= 0 {
		return 0.0, nil
	}
	return 100 * (float64(utime+stime) / clockTicks) / elapsed, nil
}

func getThreadCount(pid uint32) (int, error) {
	n, err := keyValue(procPath(pid, "status"), "Threads")
	return int(n), err
}

// keyValue returns the first number after "key:" in a procfs file laid out
// like status or meminfo.
func keyValue(path, key string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || name != key {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		return strconv.ParseUint(fields[0], 10, 64)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s: %s not found", path, key)
}
