//go:build linux

package tracer

//go:generate clang -O2 -g -target bpf -D__TARGET_ARCH_x86 -I../bpf -c ../bpf/sandbox.c -o ../bpf/sandbox.o

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/jnesss/bpf-sandbox/types"
)

// probe binds one tracepoint to the program that handles it. A program may
// emit several categories (the exit handler produces Process and Thread
// events), so it is attached when any of them is enabled.
type probe struct {
	group      string
	name       string
	program    string
	categories []types.Category
}

var probes = []probe{
	{"sched", "sched_process_exec", "handle_exec", []types.Category{types.CategoryImage}},
	{"sched", "sched_process_fork", "handle_fork", []types.Category{types.CategoryProcess}},
	{"sched", "sched_process_exit", "handle_exit", []types.Category{types.CategoryProcess, types.CategoryThread}},
	{"syscalls", "sys_enter_ptrace", "handle_ptrace", []types.Category{types.CategoryProcess}},
	{"syscalls", "sys_enter_openat", "handle_openat", []types.Category{types.CategoryFileSystem}},
	{"syscalls", "sys_enter_unlinkat", "handle_unlinkat", []types.Category{types.CategoryFileSystem}},
	{"syscalls", "sys_enter_renameat2", "handle_renameat2", []types.Category{types.CategoryFileSystem}},
	{"syscalls", "sys_enter_connect", "handle_connect", []types.Category{types.CategoryNetwork}},
	{"syscalls", "sys_enter_bind", "handle_bind", []types.Category{types.CategoryNetwork}},
	{"syscalls", "sys_enter_sendto", "handle_sendto", []types.Category{types.CategoryNetwork, types.CategoryDns}},
	{"syscalls", "sys_enter_mmap", "handle_mmap", []types.Category{types.CategoryMemory}},
	{"syscalls", "sys_enter_mprotect", "handle_mprotect", []types.Category{types.CategoryMemory}},
	{"syscalls", "sys_enter_munmap", "handle_munmap", []types.Category{types.CategoryMemory}},
	{"syscalls", "sys_enter_setuid", "handle_setuid", []types.Category{types.CategorySecurity}},
}

// sandboxConfig mirrors struct sandbox_config, stored at key 0 of the
// "config" array map.
type sandboxConfig struct {
	TargetPid    uint32
	CategoryMask uint32
}

// EBPFSource loads the compiled sandbox program from ObjectPath and attaches
// it to the tracepoints of every enabled category.
type EBPFSource struct {
	ObjectPath string
	Logger     *zap.Logger
}

// NewEBPFSource returns a source for the compiled object at path.
func NewEBPFSource(path string, logger *zap.Logger) *EBPFSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EBPFSource{ObjectPath: path, Logger: logger}
}

// Open loads the collection, configures it for cfg.TargetPID and attaches
// the probes. Partially created state is released on failure.
func (s *EBPFSource) Open(cfg Config) (Reader, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(s.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF object %s: %w", s.ObjectPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			logger.Error("BPF verifier error", zap.String("log", fmt.Sprintf("%+v", ve)))
		}
		return nil, fmt.Errorf("failed to load BPF collection: %w", err)
	}

	var cleanupFuncs []func()
	cleanupFuncs = append(cleanupFuncs, func() { coll.Close() })
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	if err := configure(coll, cfg); err != nil {
		cleanup()
		return nil, err
	}

	var links []link.Link
	for _, p := range probes {
		if !p.enabled(cfg) {
			continue
		}
		prog := coll.Programs[p.program]
		if prog == nil {
			logger.Warn("BPF program missing from object, skipping",
				zap.String("program", p.program))
			continue
		}
		tp, err := link.Tracepoint(p.group, p.name, prog, nil)
		if err != nil {
			logger.Warn("Could not attach tracepoint, continuing without it",
				zap.String("tracepoint", p.group+"/"+p.name), zap.Error(err))
			continue
		}
		links = append(links, tp)
		cleanupFuncs = append(cleanupFuncs, func() { tp.Close() })
	}
	if len(links) == 0 {
		cleanup()
		return nil, fmt.Errorf("no tracepoint could be attached")
	}

	events := coll.Maps["events"]
	if events == nil {
		cleanup()
		return nil, fmt.Errorf("events map not found")
	}
	rd, err := ringbuf.NewReader(events)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create ringbuf reader: %w", err)
	}

	logger.Info("Attached BPF probes",
		zap.Int("count", len(links)), zap.Uint32("target_pid", cfg.TargetPID))

	return &ringReader{rd: rd, coll: coll, links: links}, nil
}

func (p probe) enabled(cfg Config) bool {
	for _, c := range p.categories {
		if cfg.Enabled(c) {
			return true
		}
	}
	return false
}

func configure(coll *ebpf.Collection, cfg Config) error {
	configMap := coll.Maps["config"]
	if configMap == nil {
		return fmt.Errorf("config map not found")
	}

	value := sandboxConfig{TargetPid: cfg.TargetPID}
	for _, c := range types.Categories() {
		if cfg.Enabled(c) {
			value.CategoryMask |= 1 << uint(c)
		}
	}
	if err := configMap.Update(uint32(0), value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("setting target config: %w", err)
	}

	// The kernel side adds forked children to this map itself.
	if tracked := coll.Maps["tracked"]; tracked != nil {
		if err := tracked.Update(cfg.TargetPID, uint8(1), ebpf.UpdateAny); err != nil {
			return fmt.Errorf("tracking target pid: %w", err)
		}
	}
	return nil
}

// ringReader adapts ringbuf.Reader to Reader.
type ringReader struct {
	rd    *ringbuf.Reader
	coll  *ebpf.Collection
	links []link.Link

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (r *ringReader) Read() (Record, error) {
	rec, err := r.rd.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
			return Record{}, ErrClosed
		}
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample}, nil
}

// Stop detaches the probes so nothing new is produced, then expires the
// read deadline. Read keeps returning buffered records until the ring is
// empty.
func (r *ringReader) Stop() error {
	r.stopOnce.Do(func() {
		for _, l := range r.links {
			l.Close()
		}
		r.rd.SetDeadline(time.Now())
	})
	return nil
}

func (r *ringReader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.rd.Close()
		for i := len(r.links) - 1; i >= 0; i-- {
			r.links[i].Close()
		}
		r.coll.Close()
	})
	return r.closeErr
}

// Monotonic returns CLOCK_MONOTONIC in nanoseconds, the clock used by
// bpf_ktime_get_ns.
func Monotonic() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Since(processStart))
	}
	return uint64(ts.Nano())
}

var processStart = time.Now()
