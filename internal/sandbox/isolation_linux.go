//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"
)

func init() {
	reexec.Register(isolationInitName, isolationInit)
}

// isolatedCommand returns a command that runs script with /bin/sh inside new user, mount
// and network namespaces. The evolver binary re-executes itself as isolationInitName to
// lock the filesystem before the shell starts.
func isolatedCommand(dir, script string) (*exec.Cmd, error) {
	cmd := reexec.Command(isolationInitName, dir, script)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:     true,
		Pdeathsig:   syscall.SIGKILL,
		Cloneflags:  syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}
	return cmd, nil
}

// isolationInit is the entry point of the re-executed binary. It never returns: it either
// replaces itself with the shell or exits with isolationFailureExit.
func isolationInit() {
	if len(os.Args) != 3 {
		isolationFail(errors.New("expected <scratch dir> <script>"))
	}
	dir, script := os.Args[1], os.Args[2]

	if err := lockFilesystem(dir); err != nil {
		isolationFail(err)
	}
	if err := os.Chdir(dir); err != nil {
		isolationFail(err)
	}
	err := syscall.Exec("/bin/sh", []string{"/bin/sh", "-c", script}, os.Environ())
	isolationFail(fmt.Errorf("exec /bin/sh: %w", err))
}

// lockFilesystem makes every mount of the private mount namespace read-only, except a
// bind mount of dir over itself.
func lockFilesystem(dir string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}
	if err := unix.Mount(dir, dir, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind scratch dir: %w", err)
	}
	if err := unix.MountSetattr(unix.AT_FDCWD, "/", unix.AT_RECURSIVE,
		&unix.MountAttr{Attr_set: unix.MOUNT_ATTR_RDONLY}); err != nil {
		return fmt.Errorf("remount read-only: %w", err)
	}
	if err := unix.MountSetattr(unix.AT_FDCWD, dir, 0,
		&unix.MountAttr{Attr_clr: unix.MOUNT_ATTR_RDONLY}); err != nil {
		return fmt.Errorf("remount scratch dir writable: %w", err)
	}
	return nil
}

func isolationFail(err error) {
	fmt.Fprintf(os.Stderr, "%s%v\n", isolationFailurePrefix, err)
	os.Exit(isolationFailureExit)
}
