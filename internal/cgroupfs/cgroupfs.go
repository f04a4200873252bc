// Package cgroupfs supplements spec §6's "Cgroup" collaborator contract
// (Attach, Relpath, GetRootCgroup, GetName) with a concrete implementation,
// since a launcher with no usable cgroup driver cannot satisfy spec §4.2
// step 4 (leaf attach) or §4.9's FixCgroups end to end. Leaf-path math and
// cgroup.procs writes are grounded on the teacher's pkg/cgroup (SubCGroup,
// v1controller); v1/v2 hierarchy detection is enriched with
// github.com/containerd/cgroups/v3, which the teacher never needed because
// it only ever targets v1.
package cgroupfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cgroupsv3 "github.com/containerd/cgroups/v3"
)

const cgroupProcs = "cgroup.procs"

// Subsystem is spec §6's Cgroup collaborator contract, scoped to a single
// subsystem's leaf.
type Subsystem interface {
	Attach(pid int) error
	Relpath() string
	GetRootCgroup() string
	GetName() string
}

// leaf implements Subsystem over a v1-style subsystem mountpoint, the same
// shape the teacher's SubCGroup writes cgroup.procs against.
type leaf struct {
	subsystem string
	root      string // e.g. "/sys/fs/cgroup/memory"
	relpath   string // e.g. "/porto/task-17"
}

// Open resolves the mountpoint for subsystem and builds a leaf handle
// pointed at relpath underneath it, creating the directory if absent.
func Open(subsystem, relpath string) (Subsystem, error) {
	root, err := mountpointFor(subsystem)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(root, relpath)
	if err := os.MkdirAll(full, 0755); err != nil {
		return nil, fmt.Errorf("cgroupfs: mkdir %s: %w", full, err)
	}
	return &leaf{subsystem: subsystem, root: root, relpath: relpath}, nil
}

// Attach writes pid into the leaf's cgroup.procs, moving it (and, by
// inheritance, every process it later clones) into this leaf cgroup.
func (l *leaf) Attach(pid int) error {
	full := filepath.Join(l.root, l.relpath, cgroupProcs)
	if err := os.WriteFile(full, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("cgroupfs: attach pid %d to %s: %w", pid, full, err)
	}
	return nil
}

// Relpath returns the leaf's path relative to the subsystem root.
func (l *leaf) Relpath() string { return l.relpath }

// GetRootCgroup returns the subsystem's mountpoint root.
func (l *leaf) GetRootCgroup() string { return l.root }

// GetName returns the subsystem name ("cpu", "memory", "pids", "net_cls", ...).
func (l *leaf) GetName() string { return l.subsystem }

// mountpointFor finds where subsystem is mounted, preferring the unified
// (v2) hierarchy when present, falling back to the classic per-subsystem
// mount the teacher's pkg/cgroup assumes.
func mountpointFor(subsystem string) (string, error) {
	if cgroupsv3.Mode() == cgroupsv3.Unified {
		return "/sys/fs/cgroup", nil
	}
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("cgroupfs: open mountinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Split(line, " - ")
		if len(fields) != 2 {
			continue
		}
		left := strings.Fields(fields[0])
		right := strings.Fields(fields[1])
		if len(right) < 3 || right[0] != "cgroup" {
			continue
		}
		if len(left) < 5 {
			continue
		}
		mountPoint := left[4]
		opts := strings.Split(right[2], ",")
		for _, o := range opts {
			if o == subsystem {
				return mountPoint, nil
			}
		}
	}
	return "", fmt.Errorf("cgroupfs: subsystem %q not mounted", subsystem)
}

// AttachAll attaches pid to every leaf cgroup named in leaves, subsystem by
// subsystem, per spec §4.2 step 4 ("attaches itself to every leaf cgroup so
// the grandchild inherits").
func AttachAll(leaves map[string]string, pid int) error {
	for subsystem, relpath := range leaves {
		s, err := Open(subsystem, relpath)
		if err != nil {
			return err
		}
		if err := s.Attach(pid); err != nil {
			return err
		}
	}
	return nil
}

var knownSubsystems = map[string]bool{
	"cpu": true, "cpuacct": true, "cpuset": true, "memory": true,
	"pids": true, "freezer": true, "net_cls": true, "devices": true,
	"blkio": true,
}

// parseCgroupLines implements /proc/<pid>/cgroup's line format as a pure
// function of its scanner, split out of ProcCgroups so the skip rules
// (unknown subsystems, the combined "name=..." hierarchy entry) are
// testable without a real /proc.
func parseCgroupLines(scanner *bufio.Scanner) (map[string]string, error) {
	out := make(map[string]string)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), ":", 3)
		if len(fields) != 3 {
			continue
		}
		names := fields[1]
		cgpath := fields[2]
		if names == "" || strings.HasPrefix(names, "name=") {
			continue
		}
		for _, name := range strings.Split(names, ",") {
			if knownSubsystems[name] {
				out[name] = cgpath
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ProcCgroups parses /proc/<pid>/cgroup into a subsystem -> path map, for
// FixCgroups (spec §4.9) and HasCorrectFreezer. Unknown subsystems and the
// combined "name=..." hierarchy entry are skipped, per spec §4.9's
// "Unknown subsystems are skipped; the combined entry ... is skipped."
func ProcCgroups(pid int) (map[string]string, error) {
	path := fmt.Sprintf("/proc/%d/cgroup", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cgroupfs: open %s: %w", path, err)
	}
	defer f.Close()

	out, err := parseCgroupLines(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("cgroupfs: scan %s: %w", path, err)
	}
	return out, nil
}

// Reattach moves pid into the given subsystem's leaf, used by FixCgroups
// when the observed path differs from the expected one.
func Reattach(subsystem, relpath string, pid int) error {
	s, err := Open(subsystem, relpath)
	if err != nil {
		return err
	}
	return s.Attach(pid)
}
