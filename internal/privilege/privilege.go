// Package privilege inspects the privileges tracecov runs with: whether the
// kernel lets it trace its test binaries, and who should own the files it
// writes when it was started through sudo.
package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/coral-mesh/tracecov/internal/sys/proc"
)

// UserContext identifies the user that invoked tracecov.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser returns the invoking user, looking through sudo via
// SUDO_USER, SUDO_UID and SUDO_GID.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return currentUser()
	}

	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", sudoUser, err)
	}

	return &UserContext{Username: sudoUser, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}

func currentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &UserContext{Username: u.Username, UID: os.Getuid(), GID: os.Getgid(), HomeDir: u.HomeDir}, nil
}

// IsRoot reports whether the effective uid is 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo reports whether SUDO_USER is set.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership hands path, and its parent directory when it is the cache
// directory tracecov created, back to the user that invoked sudo. It is a no-op
// unless running as root under sudo.
func FixFileOwnership(path string) error {
	if !IsRoot() || !IsRunningUnderSudo() {
		return nil
	}

	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("detect original user: %w", err)
	}

	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}

	// DuckDB keeps a write-ahead log next to the database.
	if wal := path + ".wal"; fileExists(wal) {
		if err := os.Chown(wal, userCtx.UID, userCtx.GID); err != nil {
			return fmt.Errorf("chown %s: %w", wal, err)
		}
	}

	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err == nil {
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Uid == 0 {
			if err := os.Chown(dir, userCtx.UID, userCtx.GID); err != nil {
				return fmt.Errorf("chown %s: %w", dir, err)
			}
		}
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TraceHint explains a failure to start a binary under ptrace, or returns ""
// when err is not a permission problem.
func TraceHint(err error) string {
	if !errors.Is(err, syscall.EPERM) && !errors.Is(err, syscall.EACCES) {
		return ""
	}
	return traceHint(hintEnv{
		scope:     proc.PtraceScope(),
		capPtrace: HasPtraceCapability(),
		container: InContainer(),
	})
}

type hintEnv struct {
	scope     int
	capPtrace bool
	container bool
}

func traceHint(env hintEnv) string {
	switch {
	case env.scope >= 3:
		return "ptrace is disabled (kernel.yama.ptrace_scope=3); it can only be re-enabled by rebooting with a lower setting"
	case env.scope == 2 && !env.capPtrace:
		return "kernel.yama.ptrace_scope=2 restricts ptrace to privileged tracers; run as root or grant CAP_SYS_PTRACE"
	case env.container:
		return "ptrace was denied inside a container; add CAP_SYS_PTRACE or use a seccomp profile that allows ptrace"
	default:
		return "ptrace was denied; check SELinux or AppArmor policy for the test binary"
	}
}
