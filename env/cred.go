package env

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/pkg/errors"
)

// ResolveCred resolves a user/group name pair into a Cred, computing the
// supplementary group list in the supervisor's own namespace (spec §4.7:
// name-service lookups must happen before the credential switch, not after,
// so they see the caller's /etc/nsswitch.conf view rather than the
// container's).
//
// The supplementary list is accepted only once two independent GroupIds()
// calls agree on its length.
func ResolveCred(userName, groupName string) (Cred, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return Cred{}, errors.Wrapf(err, "env: lookup user %q", userName)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Cred{}, errors.Wrapf(err, "env: parse uid for %q", userName)
	}

	gid := uint64(uid)
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return Cred{}, errors.Wrapf(err, "env: lookup group %q", groupName)
		}
		gid, err = strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return Cred{}, errors.Wrapf(err, "env: parse gid for %q", groupName)
		}
	} else {
		gid, err = strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return Cred{}, errors.Wrapf(err, "env: parse primary gid for %q", userName)
		}
	}

	first, err := u.GroupIds()
	if err != nil {
		return Cred{}, errors.Wrapf(err, "env: list groups for %q", userName)
	}
	second, err := u.GroupIds()
	if err != nil {
		return Cred{}, errors.Wrapf(err, "env: list groups for %q (second pass)", userName)
	}
	if len(first) != len(second) {
		return Cred{}, fmt.Errorf("env: supplementary group lookups for %q disagree (%d vs %d)",
			userName, len(first), len(second))
	}

	groups := make([]uint32, 0, len(first))
	for _, g := range first {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			return Cred{}, errors.Wrapf(err, "env: parse supplementary gid %q", g)
		}
		groups = append(groups, uint32(n))
	}

	return Cred{UID: uint32(uid), GID: uint32(gid), Groups: groups}, nil
}
