// Package tracepoint manages the trap instructions inserted into a traced process
// at the start addresses of coverable lines.
package tracepoint

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
	"github.com/coral-mesh/tracecov/internal/errors"
)

// Memory reads and writes the address space of a traced process.
type Memory interface {
	ReadMemory(addr uint64, buf []byte) error
	WriteMemory(addr uint64, data []byte) error
}

var (
	trapAMD64 = []byte{0xcc}                   // int3
	trapARM64 = []byte{0x00, 0x00, 0x20, 0xd4} // brk #0
)

// TrapBytes returns the trap instruction encoding for an architecture.
func TrapBytes(arch debuginfo.Arch) ([]byte, error) {
	switch arch {
	case debuginfo.ArchAMD64:
		return trapAMD64, nil
	case debuginfo.ArchARM64:
		return trapARM64, nil
	default:
		return nil, fmt.Errorf("no trap instruction for architecture %q", arch)
	}
}

// TrapAddress maps the program counter reported at a trap stop back to the
// address of the trap instruction. x86 reports the address after int3, arm64
// reports the brk itself.
func TrapAddress(arch debuginfo.Arch, pc uint64) uint64 {
	if arch == debuginfo.ArchAMD64 {
		return pc - uint64(len(trapAMD64))
	}
	return pc
}

// Point is a single trap site.
type Point struct {
	// Addr is the runtime address of the trap.
	Addr uint64
	Line *debuginfo.Line

	saved     []byte
	installed bool
	hits      uint64
}

// Hits returns the number of times the point was executed.
func (p *Point) Hits() uint64 {
	return p.hits
}

// Installed reports whether the trap is currently written to memory.
func (p *Point) Installed() bool {
	return p.installed
}

// Table holds the trace points of one image within one process. A table is
// mutated only by the control loop that owns the process.
type Table struct {
	image  *debuginfo.Image
	trap   []byte
	bias   uint64
	points map[uint64]*Point
	addrs  []uint64
}

// New builds a table for img loaded at the given bias. Only the first address of
// each line is traced unless allAddresses is set.
func New(img *debuginfo.Image, bias uint64, allAddresses bool) (*Table, error) {
	trap, err := TrapBytes(img.Arch)
	if err != nil {
		return nil, err
	}

	t := &Table{
		image:  img,
		trap:   trap,
		bias:   bias,
		points: make(map[uint64]*Point),
	}

	for _, line := range img.Lines() {
		addrs := line.Addresses[:1]
		if allAddresses {
			addrs = line.Addresses
		}
		for _, addr := range addrs {
			runtime := addr + bias
			if _, dup := t.points[runtime]; dup {
				continue
			}
			t.points[runtime] = &Point{Addr: runtime, Line: line}
			t.addrs = append(t.addrs, runtime)
		}
	}
	sort.Slice(t.addrs, func(i, j int) bool { return t.addrs[i] < t.addrs[j] })

	return t, nil
}

// Image returns the image the table was built from.
func (t *Table) Image() *debuginfo.Image {
	return t.image
}

// Bias returns the load bias applied to link-time addresses.
func (t *Table) Bias() uint64 {
	return t.bias
}

// Len returns the number of trace points.
func (t *Table) Len() int {
	return len(t.points)
}

// Lookup returns the point at a runtime address.
func (t *Table) Lookup(addr uint64) (*Point, bool) {
	p, ok := t.points[addr]
	return p, ok
}

// Install saves the original bytes of every point not yet installed and writes
// the trap. Points that cannot be written are skipped and reported in the error;
// the count of installed points is returned either way.
func (t *Table) Install(mem Memory) (int, error) {
	var errs errors.Collect
	installed := 0

	for _, addr := range t.addrs {
		p := t.points[addr]
		if p.installed {
			installed++
			continue
		}

		if p.saved == nil {
			saved := make([]byte, len(t.trap))
			if err := mem.ReadMemory(addr, saved); err != nil {
				errs.Add(fmt.Errorf("read %#x (%s): %w", addr, p.Line, err))
				continue
			}
			if bytes.Equal(saved, t.trap) {
				errs.Add(fmt.Errorf("trap already present at %#x (%s)", addr, p.Line))
				continue
			}
			p.saved = saved
		}

		if err := mem.WriteMemory(addr, t.trap); err != nil {
			errs.Add(fmt.Errorf("write trap at %#x (%s): %w", addr, p.Line, err))
			continue
		}
		p.installed = true
		installed++
	}

	return installed, errs.Err()
}

// Hit records an execution of the point.
func (t *Table) Hit(p *Point) {
	p.hits++
}

// Restore writes the original bytes back so the site can execute normally.
func (t *Table) Restore(mem Memory, p *Point) error {
	if !p.installed {
		return nil
	}
	if err := mem.WriteMemory(p.Addr, p.saved); err != nil {
		return fmt.Errorf("restore %#x (%s): %w", p.Addr, p.Line, err)
	}
	p.installed = false
	return nil
}

// Reinstall writes the trap back after the original instruction has executed.
func (t *Table) Reinstall(mem Memory, p *Point) error {
	if p.installed || p.saved == nil {
		return nil
	}
	if err := mem.WriteMemory(p.Addr, t.trap); err != nil {
		return fmt.Errorf("reinstall %#x (%s): %w", p.Addr, p.Line, err)
	}
	p.installed = true
	return nil
}

// Forget marks every point as not installed without touching memory. Used once
// the address space the table described is gone (exit or exec).
func (t *Table) Forget() {
	for _, p := range t.points {
		p.installed = false
	}
}

// Fork returns a copy of the table for a child process whose address space is a
// copy of the parent's. Installation state and saved bytes carry over; hit
// counts start from zero so the child is counted separately.
func (t *Table) Fork() *Table {
	child := &Table{
		image:  t.image,
		trap:   t.trap,
		bias:   t.bias,
		points: make(map[uint64]*Point, len(t.points)),
		addrs:  t.addrs,
	}
	for addr, p := range t.points {
		child.points[addr] = &Point{
			Addr:      p.Addr,
			Line:      p.Line,
			saved:     p.saved,
			installed: p.installed,
		}
	}
	return child
}

// LineHits returns the hit count of every traced line. A line traced at several
// addresses reports the highest count among them.
func (t *Table) LineHits() map[*debuginfo.Line]uint64 {
	hits := make(map[*debuginfo.Line]uint64, len(t.image.Lines()))
	for _, line := range t.image.Lines() {
		hits[line] = 0
	}
	for _, p := range t.points {
		if p.hits > hits[p.Line] {
			hits[p.Line] = p.hits
		}
	}
	return hits
}
