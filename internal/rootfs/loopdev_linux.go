package rootfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// attachLoop binds a backing file to a loop device, grounded on
// original_source/task.cpp's LoopMount: open the backing file and the loop
// device node, LOOP_SET_FD, then LOOP_SET_STATUS64 to record the backing
// file's name for introspection.
func attachLoop(device, backingFile string) error {
	bf, err := os.OpenFile(backingFile, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("rootfs: open loop backing file %s: %w", backingFile, err)
	}
	defer bf.Close()

	dev, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("rootfs: open loop device %s: %w", device, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(bf.Fd())); err != nil {
		return fmt.Errorf("rootfs: LOOP_SET_FD %s <- %s: %w", device, backingFile, err)
	}

	var info unix.LoopInfo64
	name := []byte(backingFile)
	if len(name) > len(info.File_name) {
		name = name[:len(info.File_name)]
	}
	copy(info.File_name[:], name)
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), &info); err != nil {
		return fmt.Errorf("rootfs: LOOP_SET_STATUS64 %s: %w", device, err)
	}
	return nil
}
