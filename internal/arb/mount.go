package arb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// sysOps is the kernel surface root construction needs.
type sysOps interface {
	mount(source, target, fstype string, flags uintptr, data string) error
	unmount(target string) error
	// mountPoints lists mount points in mount order.
	mountPoints() ([]string, error)
}

type linuxSys struct{}

func (linuxSys) mount(source, target, fstype string, flags uintptr, data string) error {
	debugf("Mounting %s (%s) on %s\n", source, fstype, target)
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

func (linuxSys) unmount(target string) error {
	debugf("Unmounting %s\n", target)
	err := unix.Unmount(target, 0)
	if errors.Is(err, unix.EBUSY) {
		// a straggling process still holds it; detach lazily
		err = unix.Unmount(target, unix.MNT_DETACH)
	}
	if err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

func (linuxSys) mountPoints() ([]string, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	return parseMountinfo(data), nil
}

// parseMountinfo extracts the mount point column of /proc/self/mountinfo.
func parseMountinfo(data []byte) []string {
	var points []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		points = append(points, unescapeMountPath(fields[4]))
	}
	return points
}

// unescapeMountPath decodes the \ooo octal escapes the kernel uses for
// space, tab, newline and backslash.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// unmountUnder unmounts everything mounted at or below abs, innermost
// first, until nothing is left.
func unmountUnder(sys sysOps, abs string) error {
	abs = filepath.Clean(abs)
	for tries := 0; ; tries++ {
		points, err := sys.mountPoints()
		if err != nil {
			return fmt.Errorf("failed to list mounts: %w", err)
		}
		target := ""
		for i := len(points) - 1; i >= 0; i-- {
			if points[i] == abs || strings.HasPrefix(points[i], abs+"/") {
				target = points[i]
				break
			}
		}
		if target == "" {
			return nil
		}
		if tries > 4096 {
			return fmt.Errorf("mounts under %s keep coming back, last %s", abs, target)
		}
		if err := sys.unmount(target); err != nil {
			return err
		}
	}
}

type mountSpec struct {
	source string
	target string // relative to the root
	fstype string
	flags  uintptr
	data   string
}

// The API filesystems every root gets, the same set arch-chroot mounts.
var baseMountSpecs = []mountSpec{
	{"proc", "proc", "proc", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, ""},
	{"sys", "sys", "sysfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV | unix.MS_RDONLY, ""},
	{"udev", "dev", "devtmpfs", unix.MS_NOSUID, "mode=0755"},
	{"devpts", "dev/pts", "devpts", unix.MS_NOSUID | unix.MS_NOEXEC, "mode=0620,gid=5"},
	{"shm", "dev/shm", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=1777"},
	{"run", "run", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=0755"},
	{"tmp", "tmp", "tmpfs", unix.MS_STRICTATIME | unix.MS_NODEV | unix.MS_NOSUID, "mode=1777"},
}

func mountBase(sys sysOps, root string) error {
	for _, m := range baseMountSpecs {
		target := filepath.Join(root, m.target)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", target, err)
		}
		if err := sys.mount(m.source, target, m.fstype, m.flags, m.data); err != nil {
			return err
		}
	}
	return nil
}

// bindMount binds source onto target and keeps mount events from
// propagating back to the host.
func bindMount(sys sysOps, source, target string) error {
	if err := sys.mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	return sys.mount("", target, "", unix.MS_REC|unix.MS_PRIVATE, "")
}
