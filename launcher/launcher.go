// Package launcher implements Start, the supervisor-facing entry point of
// spec §4.2: create a SpawnPipe, launch the intermediate, wait for it, and
// turn the result into a TaskHandle or an error.
//
// Grounded on the teacher's pkg/forkexec.Runner.Start/syncWithChild
// (fork_linux.go): socketpair-based sync with the forked child, SIGKILL and
// reap on failure, PID handed back only once the child's own result word
// has been read. The teacher forks directly because its child never runs
// allocating Go code before execve; this launcher instead re-execs itself
// as the intermediate stage (see reexec, internal/reexecenv), since the
// intermediate's job (mounts, netlink, cgroups) cannot safely run in raw
// post-fork code in a multithreaded Go binary.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/internal/cgroupfs"
	"github.com/ekilimchuk/porto/internal/reexecenv"
	"github.com/ekilimchuk/porto/reexec"
	"github.com/ekilimchuk/porto/wire"
	"golang.org/x/sys/unix"
)

// State mirrors TaskHandle's lifecycle, spec §3/§4.9.
type State int

const (
	Stopped State = iota
	Started
)

// Launcher starts tasks. It carries no per-call state; every field a real
// deployment would want to vary (binary path override, logger) belongs on
// TaskEnv or is read from the environment, matching the teacher's Runner
// being a plain value type with no shared launcher object.
type Launcher struct {
	// SelfPath overrides os.Executable for tests that re-exec a stub
	// binary instead of the real one.
	SelfPath string
}

// New returns a ready-to-use Launcher.
func New() *Launcher { return &Launcher{} }

// TaskHandle is the supervisor-visible handle to a started task, spec §4.9.
type TaskHandle struct {
	pid         int
	state       State
	exitStatus  int
	scopedDir   string
	leafCgroups env.LeafCgroups
	netDisabled bool
}

// GetPid returns the grandchild's PID, or 0 if never started.
func (h *TaskHandle) GetPid() int { return h.pid }

// IsRunning reports whether the handle believes the task is still alive.
func (h *TaskHandle) IsRunning() bool { return h.state == Started }

// Start implements spec §4.2's algorithm end to end.
func (l *Launcher) Start(e *env.TaskEnv) (*TaskHandle, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	h := &TaskHandle{leafCgroups: e.LeafCgroups, netDisabled: e.NetCfg.Mode == env.NetModeHost}

	if e.CreateCwd {
		dir, err := createScopedCwd(e.Cred)
		if err != nil {
			return nil, err
		}
		h.scopedDir = dir
		e.Cwd = dir
	}

	selfPath := l.SelfPath
	if selfPath == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("launcher: resolve self path: %w", err)
		}
		selfPath = p
	}

	envR, envW, err := os.Pipe()
	if err != nil {
		h.cleanup()
		return nil, fmt.Errorf("launcher: new env pipe: %w", err)
	}
	spawn, err := wire.NewSpawnPipe()
	if err != nil {
		envR.Close()
		envW.Close()
		h.cleanup()
		return nil, fmt.Errorf("launcher: new spawn pipe: %w", err)
	}

	nsFiles, nsKinds := reexecenv.CollectHandles(e)

	cmd := exec.Command(selfPath)
	cmd.Env = append(os.Environ(),
		reexec.EnvStage+"="+reexec.StageIntermediate,
		reexec.EnvNSFds+"="+strings.Join(nsKinds, ","),
	)
	cmd.ExtraFiles = append([]*os.File{envR, spawn.WriteFile()}, nsFiles...)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		envR.Close()
		envW.Close()
		spawn.CloseRead()
		spawn.CloseWrite()
		h.cleanup()
		return nil, fmt.Errorf("launcher: fork intermediate: %w", err)
	}

	envR.Close()
	spawn.CloseWrite() // the intermediate's dup keeps the pipe alive
	for _, f := range nsFiles {
		f.Close()
	}

	if err := reexecenv.Encode(envW, e); err != nil {
		envW.Close()
		_ = cmd.Process.Kill()
		cmd.Wait()
		spawn.CloseRead()
		h.cleanup()
		return nil, fmt.Errorf("launcher: send task env: %w", err)
	}
	envW.Close()

	waitErr := cmd.Wait()

	pid, resultErr := spawn.ReadResult()
	spawn.CloseRead()

	if resultErr != nil {
		if pid > 0 {
			unix.Kill(pid, unix.SIGKILL)
		}
		h.cleanup()
		return nil, resultErr
	}
	if waitErr != nil {
		if pid > 0 {
			unix.Kill(pid, unix.SIGKILL)
		}
		h.cleanup()
		return nil, fmt.Errorf("launcher: intermediate exited with error: %w", waitErr)
	}

	h.pid = pid
	h.state = Started
	return h, nil
}

func (h *TaskHandle) cleanup() {
	if h.scopedDir != "" {
		os.RemoveAll(h.scopedDir)
	}
}

// createScopedCwd implements spec §4.2 step 1: a temporary directory owned
// by cred, released with the handle.
func createScopedCwd(cred env.Cred) (string, error) {
	dir, err := os.MkdirTemp("", "porto-task-*")
	if err != nil {
		return "", wire.NewRecord(wire.NoSpace, 0, "create scoped cwd: %v", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("launcher: chmod scoped cwd: %w", err)
	}
	if err := unix.Chown(dir, int(cred.UID), int(cred.GID)); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("launcher: chown scoped cwd: %w", err)
	}
	return dir, nil
}

// Kill implements spec §4.9: send sig, requires a nonzero PID.
func (h *TaskHandle) Kill(sig unix.Signal) error {
	if h.pid <= 0 {
		return fmt.Errorf("launcher: kill: handle has no pid")
	}
	if err := unix.Kill(h.pid, sig); err != nil {
		return fmt.Errorf("launcher: kill pid %d: %w", h.pid, err)
	}
	return nil
}

// Exit implements spec §4.9: record the exit status and transition to
// Stopped.
func (h *TaskHandle) Exit(status int) {
	h.exitStatus = status
	h.state = Stopped
	h.cleanup()
}

// ExitStatus returns the status last recorded by Exit.
func (h *TaskHandle) ExitStatus() int { return h.exitStatus }

// IsZombie implements spec §4.9 by parsing /proc/<pid>/status for "State:\tZ".
func (h *TaskHandle) IsZombie() bool {
	if h.pid <= 0 {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", h.pid))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") && strings.Contains(line, "Z") {
			return true
		}
	}
	return false
}

// Restore implements spec §4.9: unconditionally mark Started. Callers must
// follow up with HasCorrectParent and HasCorrectFreezer per the spec's
// design note — Restore itself never rejects.
func (h *TaskHandle) Restore(pid int) {
	h.pid = pid
	h.state = Started
}

// HasCorrectParent implements spec §4.9: compare the restored process's
// PPid against this process's own ppid, the supervisor's parent.
func (h *TaskHandle) HasCorrectParent() bool {
	if h.pid <= 0 {
		return false
	}
	ppid, err := readPPid(h.pid)
	if err != nil {
		h.state = Stopped
		return false
	}
	if ppid != unix.Getppid() {
		h.state = Stopped
		return false
	}
	return true
}

func readPPid(pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "PPid:") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				return 0, fmt.Errorf("launcher: malformed PPid line %q", line)
			}
			var ppid int
			if _, err := fmt.Sscanf(fields[1], "%d", &ppid); err != nil {
				return 0, err
			}
			return ppid, nil
		}
	}
	return 0, fmt.Errorf("launcher: no PPid line in status")
}

// HasCorrectFreezer implements spec §4.9: zombies pass (no cgroup info to
// check); otherwise the observed freezer leaf must match the expected one.
func (h *TaskHandle) HasCorrectFreezer() bool {
	if h.IsZombie() {
		return true
	}
	expected, ok := h.leafCgroups["freezer"]
	if !ok {
		return true
	}
	observed, err := cgroupfs.ProcCgroups(h.pid)
	if err != nil {
		h.state = Stopped
		return false
	}
	if observed["freezer"] != expected {
		h.state = Stopped
		return false
	}
	return true
}

// FixCgroups implements spec §4.9: reattach every subsystem whose observed
// leaf differs from the expected one. When network is disabled, net_cls is
// forcibly reattached to the root of its hierarchy regardless of what the
// expected leaf map says.
func (h *TaskHandle) FixCgroups() error {
	if h.pid <= 0 {
		return fmt.Errorf("launcher: fix cgroups: handle has no pid")
	}
	observed, err := cgroupfs.ProcCgroups(h.pid)
	if err != nil {
		return err
	}
	for subsystem, expected := range h.leafCgroups {
		if observed[subsystem] == expected {
			continue
		}
		if err := cgroupfs.Reattach(subsystem, expected, h.pid); err != nil {
			return err
		}
	}
	if h.netDisabled {
		if _, ok := observed["net_cls"]; ok {
			if err := cgroupfs.Reattach("net_cls", "/", h.pid); err != nil {
				return err
			}
		}
	}
	return nil
}
