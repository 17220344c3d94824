//go:build linux

package ebpf

import (
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// checkObjectFile fails early, with a readable message, when the BPF object
// is missing, not a regular file, or not readable by the effective user
// without relying on CAP_DAC_OVERRIDE.
func checkObjectFile(path string) error {
	if path == "" {
		return fmt.Errorf("no eBPF object path configured")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat eBPF object: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("eBPF object %s is not a regular file", path)
	}
	return ensureReadable(path, info)
}

func ensureReadable(path string, info fs.FileInfo) error {
	perms := info.Mode().Perm()

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	switch {
	case int(st.Uid) == os.Geteuid():
		if perms&0o400 == 0 {
			return fmt.Errorf("permission denied reading %s: owner has no read bit", path)
		}
		return nil
	case inGroup(int(st.Gid)):
		if perms&0o040 == 0 {
			return fmt.Errorf("permission denied reading %s: group has no read bit", path)
		}
		return nil
	case perms&0o004 == 0:
		return fmt.Errorf("permission denied reading %s: others have no read bit", path)
	}
	return nil
}

func inGroup(gid int) bool {
	if gid == os.Getegid() {
		return true
	}
	groups, err := unix.Getgroups()
	if err != nil {
		return false
	}
	for _, g := range groups {
		if g == gid {
			return true
		}
	}
	return false
}
