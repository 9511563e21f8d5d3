package debuginfo

import (
	"path/filepath"
	"strings"
)

// generatedFiles are compiler or test-harness outputs that never count as project code.
var generatedFiles = map[string]bool{
	"_testmain.go":    true,
	"_cgo_gotypes.go": true,
}

// fileFilter decides which source files contribute coverable lines.
type fileFilter struct {
	root     string
	excludes []string
}

func newFileFilter(root string, excludes []string) *fileFilter {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &fileFilter{root: root, excludes: excludes}
}

// keep reports whether lines of the named file are tracked.
func (f *fileFilter) keep(name string) bool {
	if name == "" || strings.HasPrefix(name, "<") {
		// <autogenerated>, <stdin> and friends.
		return false
	}

	base := filepath.Base(name)
	if generatedFiles[base] {
		return false
	}

	rel := name
	if f.root != "" {
		if name != f.root && !strings.HasPrefix(name, f.root+string(filepath.Separator)) {
			return false
		}
		rel = strings.TrimPrefix(name, f.root+string(filepath.Separator))
	}

	for _, pattern := range f.excludes {
		if matchPath(pattern, rel, base) {
			return false
		}
	}

	return true
}

// matchPath matches an exclude pattern against a root-relative path.
// Patterns without a separator match the file name; "dir/**" matches a whole tree.
func matchPath(pattern, rel, base string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, base)
		return ok
	}
	ok, _ := filepath.Match(pattern, rel)
	return ok
}

// matchesFunction checks if a function name matches an exclusion pattern.
// A trailing * matches any suffix, so "testing.*" covers the whole package and
// "github.com/myapp/*" covers every package under the prefix.
func matchesFunction(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return name == pattern
}

// addrRange is a half-open [low, high) address interval.
type addrRange struct {
	low, high uint64
}

// rangeSet holds excluded address intervals.
type rangeSet []addrRange

func (s rangeSet) contains(addr uint64) bool {
	for _, r := range s {
		if addr >= r.low && addr < r.high {
			return true
		}
	}
	return false
}
