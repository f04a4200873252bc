// Package capset implements the capability policy of spec §4.6: for a root
// credential, set effective/permitted to the full mask, inheritable to the
// requested set, then drop every bounding-set bit not requested, leaving
// CAP_SETPCAP for last since dropping it earlier removes the ability to
// keep dropping. Non-root credentials skip the whole step.
//
// Grounded on the teacher's capset usage in pkg/forkexec/fork_child_linux.go
// (PR_SET_SECUREBITS + raw SYS_CAPSET to drop everything before exec),
// generalized from "drop everything" to "drop everything outside a
// requested bitmap" and enriched with github.com/moby/sys/capability for
// last_cap discovery, since the teacher only ever drops the full set and
// never needed to read the kernel's last_cap bound itself.
package capset

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"
)

var (
	lastCapOnce sync.Once
	lastCap     int
	lastCapErr  error
)

// LastCap returns the kernel's highest capability bit, read once from
// /proc/sys/kernel/cap_last_cap and cached process-wide, per spec §5's
// "last_cap as process-wide mutable state" note: initialize once, treat as
// immutable thereafter.
func LastCap() (int, error) {
	lastCapOnce.Do(func() {
		c, err := capability.LastCap()
		lastCap, lastCapErr = int(c), err
		if lastCapErr == nil && lastCap == 0 {
			lastCapErr = fmt.Errorf("capset: kernel reported last_cap == 0")
		}
	})
	return lastCap, lastCapErr
}

const capSetpcap = unix.CAP_SETPCAP

// Apply implements spec §4.6 for a root credential. caps is the bitmap of
// capabilities to retain; bits beyond LastCap are never touched, satisfying
// the invariant in spec §3 that caps never exceeds the kernel's bound.
func Apply(caps uint64) error {
	last, err := LastCap()
	if err != nil {
		return err
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	// effective and permitted go to the full mask; inheritable carries
	// exactly the requested set, matching spec §4.6's ordering.
	data[0].Effective, data[1].Effective = ^uint32(0), ^uint32(0)
	data[0].Permitted, data[1].Permitted = ^uint32(0), ^uint32(0)
	data[0].Inheritable = uint32(caps)
	data[1].Inheritable = uint32(caps >> 32)
	if _, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0); errno != 0 {
		return fmt.Errorf("capset: capset: %w", errno)
	}

	// Drop every bounding-set bit not in caps, CAP_SETPCAP last.
	for bit := 0; bit <= last; bit++ {
		if bit == capSetpcap {
			continue
		}
		if caps&(1<<uint(bit)) != 0 {
			continue
		}
		if err := dropBound(bit); err != nil {
			return fmt.Errorf("capset: drop bound cap %d: %w", bit, err)
		}
	}
	if caps&(1<<uint(capSetpcap)) == 0 {
		if err := dropBound(capSetpcap); err != nil {
			return fmt.Errorf("capset: drop bound CAP_SETPCAP: %w", err)
		}
	}
	return nil
}

func dropBound(bit int) error {
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_CAPBSET_DROP, uintptr(bit), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
