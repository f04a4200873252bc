// Package rootfs builds a grandchild's private view of the filesystem (spec
// §4.4): loop-mount or self-bind the root, attach sysfs/proc, restrict
// procfs, populate /dev, apply bind_map, optionally remount everything
// read-only, and pivot_root (or chroot) into place.
//
// Grounded on the teacher's container/container_init_linux.go's
// initFileSystem (tmpfs root, pivot_root, old_root cleanup, symlink creation,
// maskPath), generalized from "always a fresh tmpfs root" to "bind or loop
// mount an arbitrary root directory" since this launcher's root is caller
// supplied rather than always freshly synthesized. Every mount call, self-bind
// root included, goes through unix.Mount directly rather than a builder type.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/wire"
	"golang.org/x/sys/unix"
)

const (
	devTmpfsSize   = "size=33554432" // 32 MiB
	runTmpfsSize   = "size=33554432"
	shmTmpfsSize   = "size=67108864" // 64 MiB
	devtmpfsData   = "mode=755," + devTmpfsSize
	shmtmpfsData   = "mode=1777," + shmTmpfsSize
	devptsData     = "newinstance,ptmxmode=0666,mode=620,gid=5"
	procRestrictFl = unix.MS_BIND | unix.MS_RDONLY
)

// restrictedProc is the fixed set spec §4.4 step 4 / glossary "Restricted
// proc" names. proc/sys is added by restrictProc only when the caller is
// unprivileged.
var restrictedProc = []string{"sysrq-trigger", "irq", "bus"}

// devNode is one of the fixed character devices spec §4.4 step 5 creates.
type devNode struct {
	name       string
	major, min uint32
}

var devNodes = []devNode{
	{"null", 1, 3},
	{"zero", 1, 5},
	{"full", 1, 7},
	{"random", 1, 8},
	{"urandom", 1, 9},
}

// Build executes the full sequence of spec §4.4 against e, assuming the
// caller (the grandchild, post-clone) already owns a private mount
// namespace. It is only invoked when env.Root != "/" and no parent mount
// namespace was supplied; the caller who enters a parent namespace instead
// never calls Build.
func Build(e *env.TaskEnv, unprivileged bool) error {
	root := e.Root

	if err := mountRoot(e); err != nil {
		return err
	}
	if err := os.Chdir(root); err != nil {
		return fmt.Errorf("rootfs: chdir root %s: %w", root, err)
	}

	if err := mountSys(root); err != nil {
		return err
	}
	if err := mountProc(root); err != nil {
		return err
	}
	if err := restrictProc(root, unprivileged); err != nil {
		return err
	}
	if err := populateDev(root); err != nil {
		return err
	}
	if e.Loop != nil {
		if err := mountRun(root); err != nil {
			return err
		}
	}
	if err := mountShm(root); err != nil {
		return err
	}
	if e.BindDNS {
		if err := bindDNS(root); err != nil {
			return err
		}
	}
	if err := applyBindMap(e); err != nil {
		return err
	}
	if e.RootRdonly && e.Loop == nil {
		if err := remountReadonly(e); err != nil {
			return err
		}
	}
	if err := pivot(root, e.RootRdonly); err != nil {
		return err
	}

	if err := os.Chdir(e.Cwd); err != nil {
		return fmt.Errorf("rootfs: chdir cwd %s: %w", e.Cwd, err)
	}
	return applyHostname(e.Hostname)
}

// mountRoot implements spec §4.4 step 1: loop-attach the backing file and
// mount the filesystem at root, or turn root into its own mount point via a
// self bind mount so later remounts only affect it.
func mountRoot(e *env.TaskEnv) error {
	root := e.Root
	if e.Loop != nil {
		if err := attachLoop(e.Loop.Device, e.Loop.BackingFile); err != nil {
			return err
		}
		flags := uintptr(0)
		if e.RootRdonly {
			flags = unix.MS_RDONLY
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("rootfs: mkdir root %s: %w", root, err)
		}
		if err := unix.Mount(e.Loop.Device, root, "ext4", flags, ""); err != nil {
			return fmt.Errorf("rootfs: mount loop %s -> %s: %w", e.Loop.Device, root, err)
		}
		return nil
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir root %s: %w", root, err)
	}
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rootfs: self-bind root %s: %w", root, err)
	}
	return nil
}

func mountSys(root string) error {
	target := filepath.Join(root, "sys")
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", target, err)
	}
	flags := uintptr(unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_RDONLY)
	if err := unix.Mount("sysfs", target, "sysfs", flags, ""); err != nil {
		return fmt.Errorf("rootfs: mount sysfs at %s: %w", target, err)
	}
	return nil
}

func mountProc(root string) error {
	target := filepath.Join(root, "proc")
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", target, err)
	}
	flags := uintptr(unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV)
	if err := unix.Mount("proc", target, "proc", flags, ""); err != nil {
		return fmt.Errorf("rootfs: mount proc at %s: %w", target, err)
	}
	return nil
}

// restrictProc implements spec §4.4 step 4. /proc/sys is only bound
// read-only when unprivileged; /proc/kcore is always masked with
// /dev/null, the same maskPath technique as container_init_linux.go.
func restrictProc(root string, unprivileged bool) error {
	bound := append([]string{}, restrictedProc...)
	if unprivileged {
		bound = append(bound, "sys")
	}
	for _, rel := range bound {
		target := filepath.Join(root, "proc", rel)
		if _, err := os.Stat(target); err != nil {
			continue
		}
		if err := unix.Mount(target, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("rootfs: bind-restrict %s: %w", target, err)
		}
		if err := unix.Mount("", target, "", procRestrictFl|unix.MS_REMOUNT, ""); err != nil {
			return fmt.Errorf("rootfs: remount-ro restrict %s: %w", target, err)
		}
	}
	kcore := filepath.Join(root, "proc", "kcore")
	if _, err := os.Stat(kcore); err == nil {
		if err := unix.Mount("/dev/null", kcore, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("rootfs: mask %s: %w", kcore, err)
		}
	}
	return nil
}

// populateDev implements spec §4.4 step 5: tmpfs /dev, devpts, the fixed
// character devices, the ptmx/fd symlinks, and an empty /dev/console file.
func populateDev(root string) error {
	dev := filepath.Join(root, "dev")
	if err := os.MkdirAll(dev, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", dev, err)
	}
	if err := unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, devtmpfsData); err != nil {
		return fmt.Errorf("rootfs: mount tmpfs at %s: %w", dev, err)
	}

	pts := filepath.Join(dev, "pts")
	if err := os.MkdirAll(pts, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", pts, err)
	}
	if err := unix.Mount("devpts", pts, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, devptsData); err != nil {
		return fmt.Errorf("rootfs: mount devpts at %s: %w", pts, err)
	}

	for _, n := range devNodes {
		path := filepath.Join(dev, n.name)
		mode := uint32(0666 | unix.S_IFCHR)
		if err := unix.Mknod(path, mode, int(unix.Mkdev(n.major, n.min))); err != nil {
			return fmt.Errorf("rootfs: mknod %s: %w", path, err)
		}
	}

	if err := os.Symlink("pts/ptmx", filepath.Join(dev, "ptmx")); err != nil {
		return fmt.Errorf("rootfs: symlink ptmx: %w", err)
	}
	if err := os.Symlink("/proc/self/fd", filepath.Join(dev, "fd")); err != nil {
		return fmt.Errorf("rootfs: symlink fd: %w", err)
	}
	if f, err := os.Create(filepath.Join(dev, "console")); err != nil {
		return fmt.Errorf("rootfs: touch console: %w", err)
	} else {
		f.Close()
	}
	return nil
}

// mountRun implements spec §4.4 step 6: a loop root gets a fresh tmpfs /run,
// with any subdirectories that existed before the mount recreated on top,
// since the tmpfs mount otherwise hides them.
func mountRun(root string) error {
	run := filepath.Join(root, "run")
	var existing []string
	if entries, err := os.ReadDir(run); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				existing = append(existing, ent.Name())
			}
		}
	}
	if err := os.MkdirAll(run, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", run, err)
	}
	if err := unix.Mount("tmpfs", run, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=755,"+runTmpfsSize); err != nil {
		return fmt.Errorf("rootfs: mount tmpfs at %s: %w", run, err)
	}
	for _, name := range existing {
		if err := os.MkdirAll(filepath.Join(run, name), 0755); err != nil {
			return fmt.Errorf("rootfs: recreate %s/%s: %w", run, name, err)
		}
	}
	return nil
}

func mountShm(root string) error {
	shm := filepath.Join(root, "dev", "shm")
	if err := os.MkdirAll(shm, 0755); err != nil {
		return fmt.Errorf("rootfs: mkdir %s: %w", shm, err)
	}
	flags := uintptr(unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV)
	if err := unix.Mount("tmpfs", shm, "tmpfs", flags, shmtmpfsData); err != nil {
		return fmt.Errorf("rootfs: mount tmpfs at %s: %w", shm, err)
	}
	return nil
}

func bindDNS(root string) error {
	for _, src := range []string{"/etc/hosts", "/etc/resolv.conf"} {
		if _, err := os.Stat(src); err != nil {
			continue
		}
		target := filepath.Join(root, src)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("rootfs: mkdir for %s: %w", target, err)
		}
		if _, err := os.Stat(target); err != nil {
			if f, err := os.Create(target); err != nil {
				return fmt.Errorf("rootfs: create %s: %w", target, err)
			} else {
				f.Close()
			}
		}
		if err := unix.Mount(src, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("rootfs: bind-dns %s -> %s: %w", src, target, err)
		}
	}
	return nil
}

// applyBindMap implements spec §4.4 step 9: resolve each bind target,
// reject it if it escapes root before ever mounting, then bind mount and
// remount under the real target's own flags when a new mount ns was
// requested.
func applyBindMap(e *env.TaskEnv) error {
	rootReal, err := filepath.EvalSymlinks(e.Root)
	if err != nil {
		return fmt.Errorf("rootfs: resolve root %s: %w", e.Root, err)
	}
	for _, b := range e.BindMap {
		dest := b.Dest
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(e.Cwd, dest)
		}
		target := filepath.Join(e.Root, dest)

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("rootfs: mkdir for bind target %s: %w", target, err)
		}
		if fi, err := os.Stat(b.Source); err == nil && !fi.IsDir() {
			if f, err := os.Create(target); err != nil {
				return fmt.Errorf("rootfs: create bind target %s: %w", target, err)
			} else {
				f.Close()
			}
		} else if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("rootfs: mkdir bind target %s: %w", target, err)
		}

		resolved, err := filepath.EvalSymlinks(target)
		if err != nil {
			return fmt.Errorf("rootfs: resolve bind target %s: %w", target, err)
		}
		if resolved == rootReal || !isDescendant(rootReal, resolved) {
			return wire.NewRecord(wire.InvalidValue, 0, "rootfs: bind_map dest %q resolves to %s, which is not strictly inside root %s", b.Dest, resolved, rootReal)
		}

		flags := uintptr(unix.MS_BIND)
		if err := unix.Mount(b.Source, target, "", flags, ""); err != nil {
			return fmt.Errorf("rootfs: bind %s -> %s: %w", b.Source, target, err)
		}

		if e.NewMountNs {
			remountFlags := uintptr(unix.MS_REMOUNT | unix.MS_BIND)
			if b.Rdonly {
				remountFlags |= unix.MS_RDONLY
			}
			if err := unix.Mount("", target, "", remountFlags, ""); err != nil {
				return fmt.Errorf("rootfs: remount bind target %s: %w", target, err)
			}
		}
	}
	return nil
}

func isDescendant(root, path string) bool {
	if root == path {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// remountReadonly implements spec §4.4 step 10: snapshot /proc/self/mountinfo
// and remount every mount point under root read-only, except bind targets
// (already remounted at their requested writability by applyBindMap) and
// the restricted-proc overlays (already read-only).
func remountReadonly(e *env.TaskEnv) error {
	root := e.Root
	skip := map[string]bool{
		filepath.Join(root, "proc", "sysrq-trigger"): true,
		filepath.Join(root, "proc", "irq"):           true,
		filepath.Join(root, "proc", "bus"):           true,
		filepath.Join(root, "proc", "sys"):           true,
		filepath.Join(root, "proc", "kcore"):         true,
	}
	for _, b := range e.BindMap {
		dest := b.Dest
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(e.Cwd, dest)
		}
		skip[filepath.Join(root, dest)] = true
	}
	mounts, err := mountpointsUnder(root)
	if err != nil {
		return err
	}
	for _, mp := range mounts {
		if skip[mp] {
			continue
		}
		flags := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY)
		if err := unix.Mount("", mp, "", flags, ""); err != nil {
			return fmt.Errorf("rootfs: remount-ro %s: %w", mp, err)
		}
	}
	return nil
}

func mountpointsUnder(root string) ([]string, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("rootfs: read mountinfo: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		mp := fields[4]
		if isDescendant(root, mp) {
			out = append(out, mp)
		}
	}
	return out, nil
}

// pivot implements spec §4.4 step 11: pivot_root into place, falling back
// to chroot with a logged warning if pivot_root fails (e.g. root is itself
// the initial mount namespace's root, where pivot_root is refused).
func pivot(root string, rdonly bool) error {
	oldRoot := filepath.Join(root, ".rootfs-old")
	pivotErr := func() error {
		if err := os.MkdirAll(oldRoot, 0755); err != nil {
			return err
		}
		if err := unix.PivotRoot(root, oldRoot); err != nil {
			return err
		}
		if err := os.Chdir("/"); err != nil {
			return err
		}
		relOld := "/" + filepath.Base(oldRoot)
		if err := unix.Unmount(relOld, unix.MNT_DETACH); err != nil {
			return err
		}
		return os.Remove(relOld)
	}()
	if pivotErr != nil {
		fmt.Fprintf(os.Stderr, "rootfs: pivot_root failed, falling back to chroot: %v\n", pivotErr)
		if err := unix.Chroot(root); err != nil {
			return fmt.Errorf("rootfs: chroot fallback %s: %w", root, err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("rootfs: chdir / after chroot: %w", err)
		}
	}

	flags := uintptr(unix.MS_REMOUNT | unix.MS_BIND)
	if rdonly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount("", "/", "", flags, ""); err != nil {
		return fmt.Errorf("rootfs: remount / after pivot: %w", err)
	}
	return nil
}

func applyHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return fmt.Errorf("rootfs: sethostname: %w", err)
	}
	const etcHostname = "/etc/hostname"
	if _, err := os.Stat(etcHostname); err == nil {
		if err := os.WriteFile(etcHostname, []byte(hostname+"\n"), 0644); err != nil {
			return fmt.Errorf("rootfs: write %s: %w", etcHostname, err)
		}
	}
	return nil
}
