package rootfs

import "testing"

func TestIsDescendantSamePath(t *testing.T) {
	if !isDescendant("/var/task/rootfs", "/var/task/rootfs") {
		t.Fatal("isDescendant: a path is not its own descendant")
	}
}

func TestIsDescendantNested(t *testing.T) {
	if !isDescendant("/var/task/rootfs", "/var/task/rootfs/etc/passwd") {
		t.Fatal("isDescendant: want true for a nested path")
	}
}

func TestIsDescendantEscapes(t *testing.T) {
	if isDescendant("/var/task/rootfs", "/var/task/rootfs-evil/etc/passwd") {
		t.Fatal("isDescendant: a sibling directory sharing a prefix must not count as a descendant")
	}
	if isDescendant("/var/task/rootfs", "/etc/passwd") {
		t.Fatal("isDescendant: want false for an unrelated path")
	}
}
