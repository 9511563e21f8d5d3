package debuginfo

import (
	"fmt"
	"sort"
)

// Line is a coverable source line: a (file, line) pair that compiles to at least one
// machine address. Lines are immutable after resolution.
type Line struct {
	File string
	Line int

	// Addresses holds every link-time address attributed to the line, ascending.
	Addresses []uint64
}

// FirstAddress returns the lowest address mapped to the line.
func (l *Line) FirstAddress() uint64 {
	return l.Addresses[0]
}

func (l *Line) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Arch identifies the instruction set of a resolved image.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// Image is the resolution result for one binary image.
type Image struct {
	// Path is the binary the image was resolved from.
	Path string
	// DebugPath is the file DWARF data was read from; equal to Path unless a separate
	// debug file was used.
	DebugPath string
	// Hash is the xxh3 hash of the binary contents.
	Hash uint64
	Arch Arch

	// PIE is set for position independent executables, whose addresses must be
	// relocated by the runtime load bias.
	PIE bool
	// FirstLoadVaddr is the virtual address of the first PT_LOAD segment.
	FirstLoadVaddr uint64

	lines  []*Line
	byAddr map[uint64]*Line
}

func newImage(lines []*Line) *Image {
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].File != lines[j].File {
			return lines[i].File < lines[j].File
		}
		return lines[i].Line < lines[j].Line
	})

	byAddr := make(map[uint64]*Line)
	for _, l := range lines {
		for _, addr := range l.Addresses {
			byAddr[addr] = l
		}
	}

	return &Image{lines: lines, byAddr: byAddr}
}

// NewImage builds an image from already resolved lines. It is mainly useful for
// callers that synthesize images, such as tests of trap management.
func NewImage(path string, arch Arch, lines []*Line) *Image {
	img := newImage(lines)
	img.Path = path
	img.DebugPath = path
	img.Arch = arch
	return img
}

// Lines returns the coverable lines ordered by file and line number.
func (img *Image) Lines() []*Line {
	return img.lines
}

// Len returns the number of coverable lines.
func (img *Image) Len() int {
	return len(img.lines)
}

// LineAt returns the line that owns a link-time address.
func (img *Image) LineAt(addr uint64) (*Line, bool) {
	l, ok := img.byAddr[addr]
	return l, ok
}

// Files returns the distinct source files with coverable lines, sorted.
func (img *Image) Files() []string {
	var files []string
	for _, l := range img.lines {
		if len(files) == 0 || files[len(files)-1] != l.File {
			files = append(files, l.File)
		}
	}
	return files
}

// withPath returns a shallow copy of the image bound to another path. Lines are shared.
func (img *Image) withPath(path string) *Image {
	cp := *img
	cp.Path = path
	return &cp
}

// Error reports missing or malformed debug information for a binary.
type Error struct {
	Path   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("debug info for %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("debug info for %s: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}
