// Package reexecenv carries TaskEnv across the self-reexec boundaries this
// launcher uses in place of raw fork: Launcher -> intermediate and
// intermediate -> grandchild. TaskEnv's NamespaceHandle fields hold live
// file descriptors that gob cannot serialize and that only make sense in
// the process that owns them, so they travel separately as inherited fds
// (see CollectHandles and AttachNamespaces) while everything else travels as one gob-encoded
// Payload, the same encoding the teacher's container protocol uses for its
// cmd/reply pairs (container/socket.go).
package reexecenv

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/ekilimchuk/porto/env"
	"github.com/ekilimchuk/porto/internal/nsutil"
)

// Payload is the gob-safe projection of env.TaskEnv: every field except the
// namespace handles, whose fds are plumbed separately.
type Payload struct {
	Command    string
	Cwd        string
	Root       string
	RootRdonly bool
	CreateCwd  bool
	BindDNS    bool
	Isolate    bool
	NewMountNs bool
	NewNetNs   bool
	User       string
	Group      string
	Cred       env.Cred
	Environ    []string
	StdinPath  string
	StdoutPath string
	StderrPath string
	RLimits     []env.RLimit
	Hostname    string
	BindMap     []env.BindMap
	NetCfg      env.NetConfig
	Loop        *env.LoopConfig
	Caps        uint64
	LeafCgroups env.LeafCgroups

	// ParentNSRoot is carried separately from the live fds so the
	// receiving process can still chroot even though the Mount handle
	// itself arrives as a raw fd slot.
	HasParentNS  bool
	ParentNSRoot string
}

// ToPayload projects a TaskEnv into its wire form.
func ToPayload(e *env.TaskEnv) Payload {
	p := Payload{
		Command: e.Command, Cwd: e.Cwd, Root: e.Root,
		RootRdonly: e.RootRdonly, CreateCwd: e.CreateCwd, BindDNS: e.BindDNS,
		Isolate: e.Isolate, NewMountNs: e.NewMountNs, NewNetNs: e.NewNetNs,
		User: e.User, Group: e.Group, Cred: e.Cred, Environ: e.Environ,
		StdinPath: e.StdinPath, StdoutPath: e.StdoutPath, StderrPath: e.StderrPath,
		RLimits: e.RLimits, Hostname: e.Hostname, BindMap: e.BindMap,
		NetCfg: e.NetCfg, Loop: e.Loop, Caps: e.Caps, LeafCgroups: e.LeafCgroups,
	}
	if e.ParentNS != nil {
		p.HasParentNS = true
		p.ParentNSRoot = e.ParentNS.Root
	}
	return p
}

// Env reconstructs a TaskEnv from a payload. Namespace handles are left
// nil; the caller attaches them from inherited fds via AttachNamespaces.
func (p Payload) Env() *env.TaskEnv {
	e := &env.TaskEnv{
		Command: p.Command, Cwd: p.Cwd, Root: p.Root,
		RootRdonly: p.RootRdonly, CreateCwd: p.CreateCwd, BindDNS: p.BindDNS,
		Isolate: p.Isolate, NewMountNs: p.NewMountNs, NewNetNs: p.NewNetNs,
		User: p.User, Group: p.Group, Cred: p.Cred, Environ: p.Environ,
		StdinPath: p.StdinPath, StdoutPath: p.StdoutPath, StderrPath: p.StderrPath,
		RLimits: p.RLimits, Hostname: p.Hostname, BindMap: p.BindMap,
		NetCfg: p.NetCfg, Loop: p.Loop, Caps: p.Caps, LeafCgroups: p.LeafCgroups,
	}
	if p.HasParentNS {
		e.ParentNS = &env.ParentNamespaces{Root: p.ParentNSRoot}
	}
	return e
}

// Encode writes the gob-encoded payload to w, length-prefixed so the
// reader can frame it off a pipe that may carry nothing else.
func Encode(w io.Writer, e *env.TaskEnv) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ToPayload(e)); err != nil {
		return fmt.Errorf("reexecenv: encode: %w", err)
	}
	var lenBuf [4]byte
	n := buf.Len()
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("reexecenv: write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("reexecenv: write payload: %w", err)
	}
	return nil
}

// Decode reads a payload previously written by Encode and reconstructs a
// TaskEnv with nil namespace handles.
func Decode(r io.Reader) (*env.TaskEnv, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reexecenv: read length prefix: %w", err)
	}
	n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reexecenv: read payload: %w", err)
	}
	var p Payload
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&p); err != nil {
		return nil, fmt.Errorf("reexecenv: decode: %w", err)
	}
	return p.Env(), nil
}

// NamespaceFDs names the fixed fd slots namespace handles are inherited at,
// one past the last fixed pipe/config fd a given stage uses. ClientMountNs
// is carried separately from the ParentNS bundle since TaskEnv models it as
// its own field (entered earlier, to resolve stdio paths correctly).
type NamespaceFDs struct {
	ClientMountNs                   uintptr
	Mount, Net, PID, User, UTS, IPC uintptr
}

// AttachNamespaces wraps the inherited fds named by fds onto e.ParentNS and
// e.ClientMountNs, creating the ParentNS struct if TaskEnv did not already
// carry one.
func AttachNamespaces(e *env.TaskEnv, fds NamespaceFDs) {
	if fds.ClientMountNs != 0 {
		e.ClientMountNs = nsutil.FromFD(nsutil.KindMount, fds.ClientMountNs)
	}
	if fds.Mount == 0 && fds.Net == 0 && fds.PID == 0 && fds.User == 0 && fds.UTS == 0 && fds.IPC == 0 {
		return
	}
	if e.ParentNS == nil {
		e.ParentNS = &env.ParentNamespaces{}
	}
	if fds.Mount != 0 {
		e.ParentNS.Mount = nsutil.FromFD(nsutil.KindMount, fds.Mount)
	}
	if fds.Net != 0 {
		e.ParentNS.Net = nsutil.FromFD(nsutil.KindNet, fds.Net)
	}
	if fds.PID != 0 {
		e.ParentNS.PID = nsutil.FromFD(nsutil.KindPID, fds.PID)
	}
	if fds.User != 0 {
		e.ParentNS.User = nsutil.FromFD(nsutil.KindUser, fds.User)
	}
	if fds.UTS != 0 {
		e.ParentNS.UTS = nsutil.FromFD(nsutil.KindUTS, fds.UTS)
	}
	if fds.IPC != 0 {
		e.ParentNS.IPC = nsutil.FromFD(nsutil.KindIPC, fds.IPC)
	}
}

// CollectHandles gathers the live namespace handles on e (ClientMountNs
// plus every set ParentNS field) in a fixed order: client mount, then
// mount, net, pid, user, uts, ipc.
// Handles that are nil or unopened are omitted, and the returned kinds
// slice names each included file in order, for EnvNSFds.
func CollectHandles(e *env.TaskEnv) (files []*os.File, kinds []string) {
	add := func(kind string, h env.NamespaceHandle) {
		type filer interface{ File() *os.File }
		f, ok := h.(filer)
		if !ok || h == nil || !h.IsOpened() {
			return
		}
		file := f.File()
		if file == nil {
			return
		}
		files = append(files, file)
		kinds = append(kinds, kind)
	}
	if e.ClientMountNs != nil {
		add("client_mnt", e.ClientMountNs)
	}
	if e.ParentNS != nil {
		add("mnt", e.ParentNS.Mount)
		add("net", e.ParentNS.Net)
		add("pid", e.ParentNS.PID)
		add("user", e.ParentNS.User)
		add("uts", e.ParentNS.UTS)
		add("ipc", e.ParentNS.IPC)
	}
	return files, kinds
}

// ParseNSFds turns the comma-separated kind list EnvNSFds carries and the
// fd slots they landed at (base, base+1, ...) back into a NamespaceFDs.
func ParseNSFds(kindsCSV string, base uintptr) NamespaceFDs {
	var fds NamespaceFDs
	if kindsCSV == "" {
		return fds
	}
	fd := base
	for _, k := range splitCSV(kindsCSV) {
		switch k {
		case "client_mnt":
			fds.ClientMountNs = fd
		case "mnt":
			fds.Mount = fd
		case "net":
			fds.Net = fd
		case "pid":
			fds.PID = fd
		case "user":
			fds.User = fd
		case "uts":
			fds.UTS = fd
		case "ipc":
			fds.IPC = fd
		}
		fd++
	}
	return fds
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
