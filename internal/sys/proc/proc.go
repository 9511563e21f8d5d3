// Package proc provides utilities for inspecting traced processes on Linux systems.
// It parses the /proc filesystem for executable paths, thread lists and memory mappings.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// pageMask aligns segment addresses down to a page boundary.
const pageMask = 0xfff

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the mapping is mapped with execute permission.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// GetKernelVersion reads the kernel version from /proc/version.
func GetKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}

	// Parse version from output like "Linux version 5.15.0-xxx...".
	version := string(data)
	if idx := strings.Index(version, "Linux version "); idx >= 0 {
		version = version[idx+14:]
		if idx := strings.Index(version, " "); idx >= 0 {
			version = version[:idx]
		}
		return version
	}

	return "unknown"
}

// GetBinaryPath returns the path to the executable for the given PID.
// A " (deleted)" suffix left by the kernel for replaced binaries is removed.
func GetBinaryPath(pid int) (string, error) {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(target, " (deleted)"), nil
}

// Descendants returns every live descendant of pid, children before grandchildren.
func Descendants(pid int) []int {
	//nolint:gosec // G115: pids fit in int32 on Linux.
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var out []int
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, child := range children {
			out = append(out, int(child.Pid))
			queue = append(queue, child)
		}
	}

	return out
}

// ReadMaps reads and parses /proc/<pid>/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open maps: %w", err)
	}
	defer f.Close() // nolint:errcheck

	return parseMaps(f)
}

// parseMaps parses the maps format:
// address           perms offset  dev   inode   pathname
func parseMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}

		m := Mapping{Start: start, End: end, Perms: fields[1], Offset: offset}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		mappings = append(mappings, m)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}

	return mappings, nil
}

// LoadBias returns the difference between the runtime and link-time addresses of a
// position independent binary. firstLoadVaddr is the virtual address of the binary's
// first PT_LOAD segment.
func LoadBias(pid int, binaryPath string, firstLoadVaddr uint64) (uint64, error) {
	mappings, err := ReadMaps(pid)
	if err != nil {
		return 0, err
	}
	return loadBias(mappings, binaryPath, firstLoadVaddr)
}

func loadBias(mappings []Mapping, binaryPath string, firstLoadVaddr uint64) (uint64, error) {
	want := filepath.Clean(binaryPath)
	if resolved, err := filepath.EvalSymlinks(want); err == nil {
		want = resolved
	}

	for _, m := range mappings {
		if m.Offset != 0 || m.Path == "" {
			continue
		}
		if filepath.Clean(strings.TrimSuffix(m.Path, " (deleted)")) != want {
			continue
		}
		return m.Start - (firstLoadVaddr &^ pageMask), nil
	}

	return 0, fmt.Errorf("no mapping of %s found", binaryPath)
}

// PtraceScope reads the Yama ptrace restriction level.
// Returns 0 when Yama is not enabled.
func PtraceScope() int {
	data, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
	if err != nil {
		return 0
	}
	scope, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return scope
}
