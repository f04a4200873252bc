// Package nsutil implements the Namespace handle contract spec §6 names as
// an external collaborator: IsOpened, SetNs, Chroot, and a composite Enter
// that applies a whole ParentNamespaces snapshot in the kernel-mandated
// order. There is no teacher file that does exactly this (the teacher's
// Runner always creates fresh namespaces via CLONE_NEW* and never re-enters
// an existing one), so this package is grounded on the same raw-syscall
// style as pkg/forkexec and golang.org/x/sys/unix's Setns wrapper.
package nsutil

import (
	"fmt"
	"os"

	"github.com/ekilimchuk/porto/env"
	"golang.org/x/sys/unix"
)

// Kind identifies which /proc/<pid>/ns/<kind> entry a Handle was opened
// from; it also selects the CLONE_NEW* flag used when validating the fd.
type Kind string

const (
	KindMount Kind = "mnt"
	KindNet   Kind = "net"
	KindPID   Kind = "pid"
	KindUser  Kind = "user"
	KindUTS   Kind = "uts"
	KindIPC   Kind = "ipc"
)

func (k Kind) flag() int {
	switch k {
	case KindMount:
		return unix.CLONE_NEWNS
	case KindNet:
		return unix.CLONE_NEWNET
	case KindPID:
		return unix.CLONE_NEWPID
	case KindUser:
		return unix.CLONE_NEWUSER
	case KindUTS:
		return unix.CLONE_NEWUTS
	case KindIPC:
		return unix.CLONE_NEWIPC
	}
	return 0
}

// Handle is a namespace file descriptor opened ahead of time, satisfying
// env.NamespaceHandle.
type Handle struct {
	kind Kind
	f    *os.File
}

// Open opens the namespace entry for pid (use "self" for the caller).
func Open(kind Kind, pid string) (*Handle, error) {
	path := fmt.Sprintf("/proc/%s/ns/%s", pid, kind)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nsutil: open %s: %w", path, err)
	}
	return &Handle{kind: kind, f: f}, nil
}

// FromFD wraps an already-open, inherited namespace fd, used on the
// receiving side of a self-reexec where the fd arrived via ExtraFiles
// rather than a fresh /proc open.
func FromFD(kind Kind, fd uintptr) *Handle {
	if fd == 0 {
		return nil
	}
	return &Handle{kind: kind, f: os.NewFile(fd, string(kind))}
}

// IsOpened reports whether the handle refers to a live fd.
func (h *Handle) IsOpened() bool { return h != nil && h.f != nil }

// File exposes the handle's underlying fd so a self-reexec can pass it on
// via os/exec's ExtraFiles. Returns nil for an unopened handle.
func (h *Handle) File() *os.File {
	if h == nil {
		return nil
	}
	return h.f
}

// Kind reports which namespace this handle refers to.
func (h *Handle) Kind() Kind { return h.kind }

// SetNs enters the namespace the handle refers to via setns(2).
func (h *Handle) SetNs() error {
	if !h.IsOpened() {
		return nil
	}
	if err := unix.Setns(int(h.f.Fd()), h.kind.flag()); err != nil {
		return fmt.Errorf("nsutil: setns(%s): %w", h.kind, err)
	}
	return nil
}

// Chroot changes root to path. It only makes sense after SetNs(KindMount),
// which is why Enter always places the mount namespace last.
func (h *Handle) Chroot(path string) error {
	if path == "" {
		return nil
	}
	if err := unix.Chroot(path); err != nil {
		return fmt.Errorf("nsutil: chroot(%s): %w", path, err)
	}
	return unix.Chdir("/")
}

// Close releases the handle's fd.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	return h.f.Close()
}

// Enter applies a ParentNamespaces snapshot in the order spec §4.2 step 4
// mandates: every other namespace first, mount namespace last, so that
// later setns/chroot calls still resolve paths against a consistent view.
func Enter(p *env.ParentNamespaces) error {
	if p == nil {
		return nil
	}
	ordered := []env.NamespaceHandle{p.UTS, p.IPC, p.User, p.PID, p.Net, p.Mount}
	for _, h := range ordered {
		if h == nil || !h.IsOpened() {
			continue
		}
		if err := h.SetNs(); err != nil {
			return err
		}
	}
	if p.Mount != nil && p.Mount.IsOpened() && p.Root != "" {
		return p.Mount.Chroot(p.Root)
	}
	return nil
}
