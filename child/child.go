// Package child implements ChildStage (spec §4.3), the ordered pipeline
// run by the grandchild: wait for SyncPipe, reset signals, apply rlimits,
// start a session, build or enter a root filesystem, apply capabilities
// and credentials, and finally exec the user's command. Every step is
// fail-fast: the first error goes out over SpawnPipe via Abort, which then
// exits non-zero.
//
// Grounded on the teacher's container/container_init_linux.go (initFileSystem's
// step ordering: mount slave -> bind mounts -> pivot_root -> mount shared)
// and pkg/rlimit's setrlimit loop, reworked from "always build a fresh
// tmpfs root" into "build or enter a caller-supplied root" per spec §4.3
// step 7's branch, and from ptrace-based privilege drop into the
// capability-trim-then-setuid sequence of spec §4.6/§4.7.
package child

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/internal/capset"
	"github.com/ekilimchuk/porto/internal/netctl"
	"github.com/ekilimchuk/porto/internal/reexecenv"
	"github.com/ekilimchuk/porto/internal/rootfs"
	"github.com/ekilimchuk/porto/internal/wordexp"
	"github.com/ekilimchuk/porto/reexec"
	"github.com/ekilimchuk/porto/wire"
	"golang.org/x/sys/unix"
)

func init() {
	reexec.RegisterChild(Main)
}

const (
	fdEnv   = 3
	fdSync  = 4
	fdSpawn = 5
)

// Main is the grandchild stage's entrypoint, installed on reexec.Init. It
// never returns on the success path either: step 10 execs into the user's
// command, replacing this process image.
func Main() {
	unix.CloseOnExec(fdSpawn)
	spawn := wire.SpawnPipeFromWriteFile(os.NewFile(uintptr(fdSpawn), "spawn"))
	sync := wire.SyncPipeFromReadFile(os.NewFile(uintptr(fdSync), "sync"))

	if err := sync.Wait(); err != nil {
		Abort(spawn, err)
	}
	sync.CloseRead()

	envFile := os.NewFile(uintptr(fdEnv), "env")
	e, err := reexecenv.Decode(envFile)
	if err != nil {
		Abort(spawn, fmt.Errorf("child: decode task env: %w", err))
	}
	envFile.Close()

	if err := run(e); err != nil {
		Abort(spawn, err)
	}
	// run only returns on success by executing into the user command; if
	// it returns at all, exec failed silently, which is itself a bug.
	Abort(spawn, fmt.Errorf("child: run returned without exec'ing"))
}

// Abort implements spec §4.3's closing line: wrap the failure, write it to
// SpawnPipe, and _exit non-zero.
func Abort(spawn *wire.SpawnPipe, err error) {
	spawn.WriteError(err)
	os.Exit(1)
}

func run(e *env.TaskEnv) error {
	signal.Reset()

	for _, rl := range e.RLimits {
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(rl.Resource, &lim); err != nil {
			return fmt.Errorf("child: setrlimit(%d): %w", rl.Resource, err)
		}
	}

	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("child: setsid: %w", err)
	}
	unix.Umask(0)

	if e.NewMountNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_SLAVE, ""); err != nil {
			return fmt.Errorf("child: mount slave: %w", err)
		}
	}

	if e.Isolate {
		if err := refreshProc(); err != nil {
			return err
		}
	}

	if e.ParentNS != nil && e.ParentNS.Root != "" {
		if err := unix.Chroot(e.ParentNS.Root); err != nil {
			return fmt.Errorf("child: chroot %s: %w", e.ParentNS.Root, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("child: chdir / after chroot: %w", err)
		}
		if err := unix.Chdir(e.Cwd); err != nil {
			return fmt.Errorf("child: chdir %s: %w", e.Cwd, err)
		}
	} else if e.Root != "/" {
		if err := rootfs.Build(e, e.Cred.UID != 0); err != nil {
			return err
		}
	} else if err := unix.Chdir(e.Cwd); err != nil {
		return fmt.Errorf("child: chdir %s: %w", e.Cwd, err)
	}

	if e.NewMountNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_SHARED, ""); err != nil {
			return fmt.Errorf("child: mount shared: %w", err)
		}
	}

	switch {
	case e.NetCfg.Mode == env.NetModeInherited:
		if err := netctl.JoinNamedNetNs(e.NetCfg.NetNsName); err != nil {
			return err
		}
		if err := netctl.ChildEnableNet(e.NetCfg); err != nil {
			return err
		}
	case e.NewNetNs:
		if err := netctl.ChildEnableNet(e.NetCfg); err != nil {
			return err
		}
	}

	if e.Cred.UID == 0 {
		if err := capset.Apply(e.Caps); err != nil {
			return err
		}
	}
	if err := switchCredential(e.Cred); err != nil {
		return err
	}

	return execCommand(e)
}

// refreshProc implements spec §4.3 step 6: detach any existing /proc and
// mount a fresh one so PID namespace views are consistent.
func refreshProc() error {
	unix.Unmount("/proc", unix.MNT_DETACH)
	if err := os.MkdirAll("/proc", 0555); err != nil {
		return fmt.Errorf("child: mkdir /proc: %w", err)
	}
	flags := uintptr(unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV)
	if err := unix.Mount("proc", "/proc", "proc", flags, ""); err != nil {
		return fmt.Errorf("child: mount fresh /proc: %w", err)
	}
	return nil
}

// switchCredential implements spec §4.7. The supplementary group list was
// already resolved by the supervisor (see env.ResolveCred), so no
// name-service lookup happens here, in the grandchild's possibly-chrooted
// namespace.
func switchCredential(cred env.Cred) error {
	if err := unix.Setgid(int(cred.GID)); err != nil {
		return fmt.Errorf("child: setgid(%d): %w", cred.GID, err)
	}
	groups := make([]int, len(cred.Groups))
	for i, g := range cred.Groups {
		groups[i] = int(g)
	}
	if err := unix.Setgroups(groups); err != nil {
		return fmt.Errorf("child: setgroups: %w", err)
	}
	if err := unix.Setuid(int(cred.UID)); err != nil {
		return fmt.Errorf("child: setuid(%d): %w", cred.UID, err)
	}
	return nil
}

// execCommand implements spec §4.8: word-expand the command, clear and
// rebuild the environment, clear PDEATHSIG, and execvpe.
func execCommand(e *env.TaskEnv) error {
	result, err := wordexp.Expand(e.Command, e.Environ)
	if err != nil {
		return wire.NewRecord(wire.InvalidValue, 0, "%v", err)
	}

	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("child: clear PR_SET_PDEATHSIG: %w", err)
	}

	argv0, err := exec.LookPath(result.Argv[0])
	if err != nil {
		argv0 = result.Argv[0]
	}
	if err := unix.Exec(argv0, result.Argv, e.Environ); err != nil {
		return fmt.Errorf("child: execve %s: %w", argv0, err)
	}
	return nil
}
