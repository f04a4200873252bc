// Package intermediate implements the host-side setup process of spec
// §4.2 steps 4-6: it installs a parent-death signal, joins its own session,
// attaches itself to every leaf cgroup so the grandchild inherits them,
// enters the client mount namespace and parent namespaces, reopens stdio,
// clones the grandchild, reports its PID over SpawnPipe, performs
// host-side network setup now that it knows the grandchild's PID, and
// finally signals SyncPipe.
//
// Grounded on the teacher's PR_SET_PDEATHSIG usage pattern in
// other_examples' moby/containerd userns helpers (syscall.PR_SET_PDEATHSIG
// via SYS_PRCTL), generalized into golang.org/x/sys/unix.Prctl, and on
// pkg/forkexec's fork-then-report-PID-unconditionally discipline
// (fork_linux.go's syncWithChild), reworked around a self-reexec clone of
// the grandchild instead of a raw clone(2) call.
package intermediate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"unsafe"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/internal/cgroupfs"
	"github.com/ekilimchuk/porto/internal/netctl"
	"github.com/ekilimchuk/porto/internal/nsutil"
	"github.com/ekilimchuk/porto/internal/reexecenv"
	"github.com/ekilimchuk/porto/reexec"
	"github.com/ekilimchuk/porto/wire"
	"golang.org/x/sys/unix"
)

func init() {
	reexec.RegisterIntermediate(Main)
}

const (
	fdEnv    = 3
	fdSpawn  = 4
	fdNSBase = 5
)

// Main is the intermediate stage's entrypoint, installed on reexec.Init.
// Every failure path calls os.Exit(1); on success Main returns and
// reexec.Init exits zero.
func Main() {
	envFile := os.NewFile(uintptr(fdEnv), "env")
	spawn := wire.SpawnPipeFromWriteFile(os.NewFile(uintptr(fdSpawn), "spawn"))

	e, err := reexecenv.Decode(envFile)
	if err != nil {
		abortBeforePid(spawn, fmt.Errorf("intermediate: decode task env: %w", err))
	}
	envFile.Close()

	nsFds := reexecenv.ParseNSFds(os.Getenv(reexec.EnvNSFds), fdNSBase)
	reexecenv.AttachNamespaces(e, nsFds)

	if err := run(e, spawn); err != nil {
		abortBeforePid(spawn, err)
	}
}

// pidReported records whether run has already written the PID word.
var pidReported bool

// abortBeforePid satisfies spec §4.1's invariant that exactly one PID word
// precedes any error: it writes the sentinel word only when run has not
// written one yet (the intermediate failed before or during clone).
func abortBeforePid(spawn *wire.SpawnPipe, err error) {
	if !pidReported {
		spawn.WritePID(0)
	}
	spawn.WriteError(err)
	os.Exit(1)
}

func run(e *env.TaskEnv, spawn *wire.SpawnPipe) error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		return fmt.Errorf("intermediate: PR_SET_PDEATHSIG: %w", err)
	}
	name := "porto-intermediate"
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(strPtr(name)), 0, 0, 0); err != nil {
		return fmt.Errorf("intermediate: PR_SET_NAME: %w", err)
	}
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("intermediate: setsid: %w", err)
	}

	if len(e.LeafCgroups) > 0 {
		if err := cgroupfs.AttachAll(e.LeafCgroups, os.Getpid()); err != nil {
			return fmt.Errorf("intermediate: attach leaf cgroups: %w", err)
		}
	}

	if e.ClientMountNs != nil && e.ClientMountNs.IsOpened() {
		if err := e.ClientMountNs.SetNs(); err != nil {
			return fmt.Errorf("intermediate: enter client mount namespace: %w", err)
		}
	}

	if err := reopenStdio(e); err != nil {
		return err
	}

	if err := nsutil.Enter(e.ParentNS); err != nil {
		return fmt.Errorf("intermediate: enter parent namespaces: %w", err)
	}

	sync, err := wire.NewSyncPipe()
	if err != nil {
		return fmt.Errorf("intermediate: new sync pipe: %w", err)
	}

	cloneFlags := uintptr(unix.SIGCHLD)
	if e.Isolate {
		cloneFlags |= unix.CLONE_NEWPID | unix.CLONE_NEWIPC
	}
	if e.NewMountNs {
		cloneFlags |= unix.CLONE_NEWNS
	}
	if e.NewUTSNamespace() {
		cloneFlags |= unix.CLONE_NEWUTS
	}
	if e.NewNetNs && e.NetCfg.Mode != env.NetModeInherited {
		cloneFlags |= unix.CLONE_NEWNET
	}

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("intermediate: resolve self path: %w", err)
	}

	childEnvR, childEnvW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("intermediate: new child env pipe: %w", err)
	}

	cmd := exec.Command(selfPath)
	cmd.Env = append(os.Environ(), reexec.EnvStage+"="+reexec.StageChild)
	cmd.ExtraFiles = []*os.File{childEnvR, sync.ReadFile(), spawn.WriteFile()}
	cmd.SysProcAttr = &unix.SysProcAttr{Cloneflags: cloneFlags}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	startErr := cmd.Start()

	childEnvR.Close()
	sync.CloseRead()

	if startErr != nil {
		childEnvW.Close()
		spawn.WritePID(0)
		pidReported = true
		if errors.Is(startErr, unix.ENOMEM) {
			return wire.NewRecord(wire.ResourceNotAvailable, unix.ENOMEM, "intermediate: clone grandchild: %v", startErr)
		}
		return fmt.Errorf("intermediate: clone grandchild: %w", startErr)
	}

	pid := cmd.Process.Pid
	pidReported = true
	if err := spawn.WritePID(pid); err != nil {
		childEnvW.Close()
		return err
	}

	if encErr := reexecenv.Encode(childEnvW, e); encErr != nil {
		childEnvW.Close()
		return fmt.Errorf("intermediate: send task env to grandchild: %w", encErr)
	}
	childEnvW.Close()

	if e.NewNetNs && len(e.NetCfg.HostIfaces)+len(e.NetCfg.MacVlan)+len(e.NetCfg.IPVlan)+len(e.NetCfg.Veth) > 0 {
		if err := netctl.IsolateNet(e.NetCfg, e.Hostname, pid); err != nil {
			return fmt.Errorf("intermediate: host-side network setup: %w", err)
		}
	}

	if err := sync.Signal(); err != nil {
		return fmt.Errorf("intermediate: signal sync pipe: %w", err)
	}
	sync.CloseWrite()
	return nil
}

// reopenStdio implements spec §4.2 step 4's fd-numbering requirement: every
// requested path is dup2'd onto its literal fd, so the resulting numbering
// cannot drift.
func reopenStdio(e *env.TaskEnv) error {
	if e.StdinPath != "" {
		if err := reopenOne(e.StdinPath, os.O_RDONLY, 0, 0); err != nil {
			return err
		}
	}
	if e.StdoutPath != "" {
		if err := reopenOne(e.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644, 1); err != nil {
			return err
		}
	}
	if e.StderrPath != "" {
		if err := reopenOne(e.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644, 2); err != nil {
			return err
		}
	}
	return nil
}

func reopenOne(path string, flag int, perm os.FileMode, target int) error {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return fmt.Errorf("intermediate: open %s for fd %d: %w", path, target, err)
	}
	defer f.Close()
	if int(f.Fd()) == target {
		return nil
	}
	if err := unix.Dup2(int(f.Fd()), target); err != nil {
		return fmt.Errorf("intermediate: dup2 %s onto fd %d: %w", path, target, err)
	}
	return nil
}

func strPtr(s string) uintptr {
	b := append([]byte(s), 0)
	return uintptr(unsafe.Pointer(&b[0]))
}
