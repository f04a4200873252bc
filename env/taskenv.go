// Package env defines TaskEnv, the immutable description consumed by the
// launcher, and the small value types it is built from. Field names follow
// the teacher's Runner struct in pkg/forkexec, generalized from "one flat
// exec configuration" to the fuller namespace/mount/network/credential
// surface this launcher supports.
package env

import "fmt"

// Cred is a resolved uid/gid pair plus the supplementary group list the
// supervisor computed via two successive, agreeing name-service lookups
// (see ResolveCred). It never changes once attached to a TaskEnv.
type Cred struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// RLimit is one POSIX resource limit, generalized from the teacher's
// pkg/rlimit.RLimit (Res int, Rlim syscall.Rlimit) into a plain (soft, hard)
// pair keyed by resource id so TaskEnv does not need to import syscall.
type RLimit struct {
	Resource int
	Soft     uint64
	Hard     uint64
}

// BindMap describes one bind mount applied during root-filesystem
// construction. Dest is resolved relative to TaskEnv.Root (or
// Root/Cwd when Dest is itself relative); after symlink resolution the
// result must remain a strict descendant of Root.
type BindMap struct {
	Source string
	Dest   string
	Rdonly bool
}

// NetMode selects how a task's network namespace is set up.
type NetMode int

const (
	// NetModeHost means no network isolation: the task shares the host
	// netns and §4.5 is skipped entirely.
	NetModeHost NetMode = iota
	// NetModeNewNs requests a fresh CLONE_NEWNET namespace, populated per
	// NetConfig's host interfaces and veth/macvlan/ipvlan entries.
	NetModeNewNs
	// NetModeInherited joins a pre-existing, named network namespace
	// under /var/run/netns instead of creating one.
	NetModeInherited
)

// HostIface names a host network interface to move into the task's netns.
type HostIface struct {
	Name string
}

// MacVlanCfg describes a macvlan interface to create inside the task's
// netns, with a transient host-side name before it is renamed in.
type MacVlanCfg struct {
	Master string
	Name   string
	Hw     string // empty ⇒ generated, see GenerateMAC
	MTU    int
}

// IPVlanCfg describes an ipvlan interface to create inside the task's netns.
type IPVlanCfg struct {
	Master string
	Name   string
	Mode   string
	MTU    int
}

// VethCfg describes a veth pair whose container-side end is placed directly
// into the task's netns at clone time.
type VethCfg struct {
	Bridge string
	Name   string
	Peer   string
	Hw     string
	MTU    int
}

// IPEntry assigns an address/prefix to an interface inside the new netns.
type IPEntry struct {
	Iface  string
	Addr   string
	Prefix int
}

// GwEntry assigns a default gateway reachable through an interface inside
// the new netns.
type GwEntry struct {
	Iface string
	Addr  string
}

// NetConfig is TaskEnv's network construction request, see spec §4.5.
type NetConfig struct {
	Mode       NetMode
	NetNsName  string // used when Mode == NetModeInherited
	HostIfaces []HostIface
	MacVlan    []MacVlanCfg
	IPVlan     []IPVlanCfg
	Veth       []VethCfg
	IPVec      []IPEntry
	GwVec      []GwEntry
}

// LoopConfig names a backing file to attach as a loop device and mount as
// the task's root ext4 image, instead of bind-mounting Root onto itself.
type LoopConfig struct {
	BackingFile string
	Device      string // e.g. "/dev/loop7", resolved by the caller
}

// NamespaceHandle is a previously opened handle to one of the caller's
// namespaces that the task must enter before it clones its grandchild. The
// concrete implementation lives in internal/nsutil; TaskEnv only needs the
// contract spec §6 names for "Namespace handle".
type NamespaceHandle interface {
	IsOpened() bool
	SetNs() error
	Chroot(path string) error
}

// ParentNamespaces bundles the namespace handles a task enters before
// clone, in the kernel-mandated order (mount namespace last — see spec
// §4.2 step 4).
type ParentNamespaces struct {
	Mount NamespaceHandle
	Net   NamespaceHandle
	PID   NamespaceHandle
	User  NamespaceHandle
	UTS   NamespaceHandle
	IPC   NamespaceHandle
	Root  string // chroot target once Mount.SetNs() has taken effect
}

// LeafCgroups maps a cgroup subsystem name ("cpu", "memory", "pids", ...)
// to the task's target leaf cgroup path within that subsystem.
type LeafCgroups map[string]string

// TaskEnv is the immutable description consumed by Launcher.Start. It is
// shared read-only with the intermediate and grandchild processes by
// gob-encoding it once across the self-reexec boundary (see
// internal/reexecenv), since this launcher does not have raw fork's
// automatic memory inheritance to rely on.
type TaskEnv struct {
	Command string
	Cwd     string
	Root    string // "/" means no root change

	RootRdonly bool
	CreateCwd  bool
	BindDNS    bool
	Isolate    bool // new PID+IPC namespaces
	NewMountNs bool
	NewNetNs   bool

	User, Group string
	Cred        Cred

	Environ []string // ordered KEY=VALUE, duplicates allowed, last wins

	StdinPath, StdoutPath, StderrPath string

	ParentNS      *ParentNamespaces
	ClientMountNs NamespaceHandle

	RLimits []RLimit

	Hostname string // non-empty ⇒ new UTS namespace requested

	BindMap []BindMap

	NetCfg NetConfig

	Loop *LoopConfig

	Caps uint64 // bitmap of retained capabilities

	LeafCgroups LeafCgroups
}

// Validate rejects an empty Command and fills in "/" for an empty Root or
// Cwd before the launcher starts forking anything. It checks nothing else;
// bind_map targets are checked against Root when the root filesystem is
// built.
func (e *TaskEnv) Validate() error {
	if e.Command == "" {
		return fmt.Errorf("env: command must not be empty")
	}
	if e.Root == "" {
		e.Root = "/"
	}
	if e.Cwd == "" {
		e.Cwd = "/"
	}
	return nil
}

// NewUTSNamespace reports whether a fresh UTS namespace was implicitly
// requested by setting Hostname, per spec §3.
func (e *TaskEnv) NewUTSNamespace() bool { return e.Hostname != "" }
