// Package coverage holds line coverage results, merges them across binaries
// and runs, and persists them in a DuckDB cache.
package coverage

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
)

// Stat is the coverage of one line. Zero hits means the line never executed.
type Stat struct {
	Hits uint64
}

// Covered reports whether the line executed at least once.
func (s Stat) Covered() bool {
	return s.Hits > 0
}

// LineStat pairs a line number with its stat.
type LineStat struct {
	Line int
	Stat Stat
}

// MergePolicy decides how hit counts of the same line combine.
type MergePolicy string

const (
	// MergeSum adds hit counts; running the same tests twice doubles them.
	MergeSum MergePolicy = "sum"
	// MergeMax keeps the highest count seen in any input.
	MergeMax MergePolicy = "max"
)

// ParseMergePolicy validates a policy name. Empty selects MergeSum.
func ParseMergePolicy(name string) (MergePolicy, error) {
	switch MergePolicy(name) {
	case MergeSum, MergeMax:
		return MergePolicy(name), nil
	case "":
		return MergeSum, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q (want %q or %q)", name, MergeSum, MergeMax)
	}
}

func (p MergePolicy) combine(a, b uint64) uint64 {
	if p == MergeMax {
		return max(a, b)
	}
	return a + b
}

// Result maps source files to the stats of their coverable lines. A line absent
// from a result is not tracked, which is distinct from a tracked line with zero
// hits. The zero value is not usable; use NewResult.
type Result struct {
	files map[string]map[int]Stat
}

// NewResult returns an empty result.
func NewResult() *Result {
	return &Result{files: make(map[string]map[int]Stat)}
}

// FromHits builds a result from per-line hit counts of resolved images.
func FromHits(hits map[*debuginfo.Line]uint64) *Result {
	r := NewResult()
	for line, n := range hits {
		r.Add(line.File, line.Line, n)
	}
	return r
}

// Add records a coverable line, summing with any hits already recorded.
func (r *Result) Add(file string, line int, hits uint64) {
	file = filepath.Clean(file)
	lines, ok := r.files[file]
	if !ok {
		lines = make(map[int]Stat)
		r.files[file] = lines
	}
	stat := lines[line]
	stat.Hits += hits
	lines[line] = stat
}

// Merge folds other into r. Lines coverable in either input are coverable in
// the result.
func (r *Result) Merge(other *Result, policy MergePolicy) {
	for file, lines := range other.files {
		dst, ok := r.files[file]
		if !ok {
			dst = make(map[int]Stat, len(lines))
			r.files[file] = dst
		}
		for line, stat := range lines {
			prev, seen := dst[line]
			if !seen {
				dst[line] = stat
				continue
			}
			dst[line] = Stat{Hits: policy.combine(prev.Hits, stat.Hits)}
		}
	}
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	cp := NewResult()
	cp.Merge(r, MergeSum)
	return cp
}

// IsEmpty reports whether no line is tracked.
func (r *Result) IsEmpty() bool {
	return len(r.files) == 0
}

// Files returns the tracked files, sorted.
func (r *Result) Files() []string {
	files := make([]string, 0, len(r.files))
	for f := range r.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Stat returns the stat of a line. ok is false when the line is not tracked.
func (r *Result) Stat(file string, line int) (Stat, bool) {
	stat, ok := r.files[filepath.Clean(file)][line]
	return stat, ok
}

// ChildTraces returns the tracked lines of a file in ascending line order.
func (r *Result) ChildTraces(file string) []LineStat {
	lines := r.files[filepath.Clean(file)]
	out := make([]LineStat, 0, len(lines))
	for line, stat := range lines {
		out = append(out, LineStat{Line: line, Stat: stat})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// CoverableInPath counts the tracked lines of a file, or of every file below it
// when path names a directory.
func (r *Result) CoverableInPath(path string) int {
	n := 0
	r.eachInPath(path, func(lines map[int]Stat) {
		n += len(lines)
	})
	return n
}

// CoveredInPath counts the executed lines of a file, or of every file below it
// when path names a directory.
func (r *Result) CoveredInPath(path string) int {
	n := 0
	r.eachInPath(path, func(lines map[int]Stat) {
		for _, stat := range lines {
			if stat.Covered() {
				n++
			}
		}
	})
	return n
}

func (r *Result) eachInPath(path string, fn func(map[int]Stat)) {
	path = filepath.Clean(path)
	if lines, ok := r.files[path]; ok {
		fn(lines)
		return
	}
	prefix := path + string(filepath.Separator)
	for file, lines := range r.files {
		if strings.HasPrefix(file, prefix) {
			fn(lines)
		}
	}
}

// Coverable returns the total number of tracked lines.
func (r *Result) Coverable() int {
	n := 0
	for _, lines := range r.files {
		n += len(lines)
	}
	return n
}

// Covered returns the total number of executed lines.
func (r *Result) Covered() int {
	n := 0
	for file := range r.files {
		n += r.CoveredInPath(file)
	}
	return n
}

// Percent returns covered/coverable as a percentage; zero when nothing is coverable.
func Percent(covered, coverable int) float64 {
	if coverable == 0 {
		return 0
	}
	return 100 * float64(covered) / float64(coverable)
}

// FileSummary is the per-file line of a coverage summary.
type FileSummary struct {
	File      string
	Covered   int
	Coverable int
}

// Percent returns the file's coverage percentage.
func (s FileSummary) Percent() float64 {
	return Percent(s.Covered, s.Coverable)
}

// Summary returns per-file totals in file order.
func (r *Result) Summary() []FileSummary {
	files := r.Files()
	out := make([]FileSummary, len(files))
	for i, file := range files {
		out[i] = FileSummary{
			File:      file,
			Covered:   r.CoveredInPath(file),
			Coverable: len(r.files[file]),
		}
	}
	return out
}
