// Package netctl builds a task's network namespace: ChildEnableNet runs
// inside the grandchild after it has entered its new netns and brings up
// whatever links landed there; IsolateNet runs in the intermediate, while
// it can still see both the host netns and the grandchild's pid, and moves
// or creates interfaces into place (spec §4.5).
//
// The teacher has no netlink code of its own (pkg/forkexec only ever runs
// with NetModeHost), so this package is grounded on
// github.com/vishvananda/netlink's usage in the retrieval pack's
// google-gvisor/runsc/sandbox/network.go, generalized from "copy the host's
// addresses into a new stack" to "move/create interfaces into a target
// netns" per spec §4.5's Netlink-link collaborator contract.
package netctl

import (
	"fmt"
	"hash/crc32"
	"net"

	"github.com/ekilimchuk/porto/env"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// Link is spec §6's "Netlink link" collaborator contract.
type Link interface {
	Load(name string) error
	Up() error
	SetIpAddr(addr string, prefix int) error
	SetDefaultGw(addr string) error
	ChangeNs(name string, pid int) error
	AddIpVlan(master, name, mode string, mtu int) error
	AddMacVlan(master, name, hw string, mtu int) error
	AddVeth(bridge, name, peer, hw string, mtu, peerPidNs int) error
	Remove() error
}

// netlinkLink is the concrete Link backed by github.com/vishvananda/netlink.
type netlinkLink struct {
	link netlink.Link
}

func (l *netlinkLink) Load(name string) error {
	lk, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("netctl: link by name %s: %w", name, err)
	}
	l.link = lk
	return nil
}

func (l *netlinkLink) Up() error {
	if err := netlink.LinkSetUp(l.link); err != nil {
		return fmt.Errorf("netctl: link up %s: %w", l.link.Attrs().Name, err)
	}
	return nil
}

func (l *netlinkLink) SetIpAddr(addr string, prefix int) error {
	a, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", addr, prefix))
	if err != nil {
		return fmt.Errorf("netctl: parse addr %s/%d: %w", addr, prefix, err)
	}
	if err := netlink.AddrAdd(l.link, a); err != nil {
		return fmt.Errorf("netctl: addr add %s to %s: %w", addr, l.link.Attrs().Name, err)
	}
	return nil
}

func (l *netlinkLink) SetDefaultGw(addr string) error {
	route := &netlink.Route{
		LinkIndex: l.link.Attrs().Index,
		Gw:        parseIP(addr),
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("netctl: default gw %s via %s: %w", addr, l.link.Attrs().Name, err)
	}
	return nil
}

func (l *netlinkLink) ChangeNs(name string, pid int) error {
	if pid > 0 {
		if err := netlink.LinkSetNsPid(l.link, pid); err != nil {
			return fmt.Errorf("netctl: move %s to pid %d netns: %w", l.link.Attrs().Name, pid, err)
		}
		return nil
	}
	ns, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("netctl: get netns %s: %w", name, err)
	}
	defer ns.Close()
	if err := netlink.LinkSetNsFd(l.link, int(ns)); err != nil {
		return fmt.Errorf("netctl: move %s to netns %s: %w", l.link.Attrs().Name, name, err)
	}
	return nil
}

func (l *netlinkLink) AddIpVlan(master, name, mode string, mtu int) error {
	masterLink, err := netlink.LinkByName(master)
	if err != nil {
		return fmt.Errorf("netctl: ipvlan master %s: %w", master, err)
	}
	m := netlink.IPVLAN_MODE_L2
	if mode == "l3" {
		m = netlink.IPVLAN_MODE_L3
	}
	ipvlan := &netlink.IPVlan{
		LinkAttrs: netlink.LinkAttrs{Name: name, ParentIndex: masterLink.Attrs().Index, MTU: mtu},
		Mode:      m,
	}
	if err := netlink.LinkAdd(ipvlan); err != nil {
		return fmt.Errorf("netctl: add ipvlan %s on %s: %w", name, master, err)
	}
	l.link = ipvlan
	return nil
}

func (l *netlinkLink) AddMacVlan(master, name, hw string, mtu int) error {
	masterLink, err := netlink.LinkByName(master)
	if err != nil {
		return fmt.Errorf("netctl: macvlan master %s: %w", master, err)
	}
	attrs := netlink.LinkAttrs{Name: name, ParentIndex: masterLink.Attrs().Index, MTU: mtu}
	if hw != "" {
		hwAddr, err := parseMAC(hw)
		if err != nil {
			return err
		}
		attrs.HardwareAddr = hwAddr
	}
	macvlan := &netlink.Macvlan{LinkAttrs: attrs, Mode: netlink.MACVLAN_MODE_BRIDGE}
	if err := netlink.LinkAdd(macvlan); err != nil {
		return fmt.Errorf("netctl: add macvlan %s on %s: %w", name, master, err)
	}
	l.link = macvlan
	return nil
}

func (l *netlinkLink) AddVeth(bridge, name, peer, hw string, mtu, peerPidNs int) error {
	attrs := netlink.LinkAttrs{Name: name, MTU: mtu}
	if hw != "" {
		hwAddr, err := parseMAC(hw)
		if err != nil {
			return err
		}
		attrs.HardwareAddr = hwAddr
	}
	veth := &netlink.Veth{LinkAttrs: attrs, PeerName: peer}
	if peerPidNs > 0 {
		veth.PeerNamespace = netlink.NsPid(peerPidNs)
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("netctl: add veth %s/%s: %w", name, peer, err)
	}
	l.link = veth
	if bridge != "" {
		br, err := netlink.LinkByName(bridge)
		if err != nil {
			return fmt.Errorf("netctl: load bridge %s: %w", bridge, err)
		}
		if err := netlink.LinkSetMaster(veth, br.(*netlink.Bridge)); err != nil {
			return fmt.Errorf("netctl: attach veth %s to bridge %s: %w", name, bridge, err)
		}
	}
	return nil
}

func (l *netlinkLink) Remove() error {
	if err := netlink.LinkDel(l.link); err != nil {
		return fmt.Errorf("netctl: remove %s: %w", l.link.Attrs().Name, err)
	}
	return nil
}

// NewLink constructs the concrete Link implementation.
func NewLink() Link { return &netlinkLink{} }

// JoinNamedNetNs implements spec §4.5's NetModeInherited branch: enter a
// pre-existing network namespace under /var/run/netns/<name> instead of the
// fresh CLONE_NEWNET the intermediate would otherwise have requested.
func JoinNamedNetNs(name string) error {
	ns, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("netctl: get netns %s: %w", name, err)
	}
	defer ns.Close()
	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("netctl: join netns %s: %w", name, err)
	}
	return nil
}

// ChildEnableNet implements spec §4.5's grandchild-side step: bring every
// link up and apply the matching ip_vec/gw_vec entries. Run after the
// grandchild has already entered its new netns via clone flags or setns.
func ChildEnableNet(cfg env.NetConfig) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("netctl: enumerate links: %w", err)
	}
	for _, lk := range links {
		if err := netlink.LinkSetUp(lk); err != nil {
			return fmt.Errorf("netctl: up %s: %w", lk.Attrs().Name, err)
		}
		name := lk.Attrs().Name
		for _, ip := range cfg.IPVec {
			if ip.Iface != name {
				continue
			}
			a, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", ip.Addr, ip.Prefix))
			if err != nil {
				return fmt.Errorf("netctl: parse addr %s/%d: %w", ip.Addr, ip.Prefix, err)
			}
			if err := netlink.AddrAdd(lk, a); err != nil {
				return fmt.Errorf("netctl: addr add %s to %s: %w", ip.Addr, name, err)
			}
		}
		for _, gw := range cfg.GwVec {
			if gw.Iface != name {
				continue
			}
			route := &netlink.Route{LinkIndex: lk.Attrs().Index, Gw: parseIP(gw.Addr)}
			if err := netlink.RouteAdd(route); err != nil {
				return fmt.Errorf("netctl: default gw %s via %s: %w", gw.Addr, name, err)
			}
		}
	}
	return nil
}

// IsolateNet implements spec §4.5's intermediate-side step, run while the
// intermediate still shares the host netns and can see childPid's netns by
// pid.
func IsolateNet(cfg env.NetConfig, hostname string, childPid int) error {
	for _, h := range cfg.HostIfaces {
		l := &netlinkLink{}
		if err := l.Load(h.Name); err != nil {
			return err
		}
		if err := l.ChangeNs("", childPid); err != nil {
			return err
		}
	}
	for _, iv := range cfg.IPVlan {
		transient := fmt.Sprintf("piv%d", childPid)
		l := &netlinkLink{}
		if err := l.AddIpVlan(iv.Master, transient, iv.Mode, iv.MTU); err != nil {
			return err
		}
		if err := l.ChangeNs("", childPid); err != nil {
			return err
		}
		if err := renameInNs(childPid, transient, iv.Name); err != nil {
			return err
		}
	}
	for _, mv := range cfg.MacVlan {
		hw := mv.Hw
		if hw == "" {
			hw = GenerateMAC(hostname, mv.Name)
		}
		transient := fmt.Sprintf("piv%d", childPid)
		l := &netlinkLink{}
		if err := l.AddMacVlan(mv.Master, transient, hw, mv.MTU); err != nil {
			return err
		}
		if err := l.ChangeNs("", childPid); err != nil {
			return err
		}
		if err := renameInNs(childPid, transient, mv.Name); err != nil {
			return err
		}
	}
	for _, v := range cfg.Veth {
		hw := v.Hw
		if hw == "" {
			hw = GenerateMAC(hostname, v.Name)
		}
		l := &netlinkLink{}
		if err := l.AddVeth(v.Bridge, v.Name, v.Peer, hw, v.MTU, childPid); err != nil {
			return err
		}
	}
	return nil
}

// renameInNs renames an interface already moved into childPid's netns,
// since LinkSetName must run with that netns as the calling thread's
// current namespace.
func renameInNs(childPid int, from, to string) error {
	ns, err := netns.GetFromPid(childPid)
	if err != nil {
		return fmt.Errorf("netctl: get netns of pid %d: %w", childPid, err)
	}
	defer ns.Close()
	cur, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netctl: get current netns: %w", err)
	}
	defer cur.Close()
	if err := netns.Set(ns); err != nil {
		return fmt.Errorf("netctl: enter netns of pid %d: %w", childPid, err)
	}
	defer netns.Set(cur)

	lk, err := netlink.LinkByName(from)
	if err != nil {
		return fmt.Errorf("netctl: find %s in target netns: %w", from, err)
	}
	if err := netlink.LinkSetName(lk, to); err != nil {
		return fmt.Errorf("netctl: rename %s -> %s: %w", from, to, err)
	}
	return nil
}

// GenerateMAC implements spec §4.5's deterministic MAC address scheme:
// 02:NN:HH:HH:HH:HH where NN is CRC32(iface) & 0xFF and HH... is the
// big-endian CRC32 of hostname, stable per (hostname, iface) pair.
func GenerateMAC(hostname, iface string) string {
	nn := crc32.ChecksumIEEE([]byte(iface)) & 0xFF
	hh := crc32.ChecksumIEEE([]byte(hostname))
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x",
		nn, byte(hh>>24), byte(hh>>16), byte(hh>>8), byte(hh))
}

func parseMAC(s string) (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("netctl: parse mac %s: %w", s, err)
	}
	return hw, nil
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
