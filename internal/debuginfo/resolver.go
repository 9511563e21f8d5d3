package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/tracecov/internal/constants"
)

// Options controls which lines a Resolver reports as coverable.
type Options struct {
	// ProjectRoot restricts coverable lines to files below this directory. Empty keeps all files.
	ProjectRoot string

	// ExcludeFiles are glob patterns matched against the root-relative path
	// (or the file name for patterns without a separator). "dir/**" excludes a tree.
	ExcludeFiles []string

	// ExcludeFunctions are function name patterns whose address ranges are dropped.
	// A trailing * matches any suffix.
	ExcludeFunctions []string

	// DebugFileDirs are searched for separate debug files.
	DebugFileDirs []string

	// MaxCachedImages bounds the resolved image cache.
	MaxCachedImages int
}

// Resolver turns binaries into coverable line sets. It is safe for concurrent use.
type Resolver struct {
	logger zerolog.Logger
	opts   Options
	files  *fileFilter
	cache  *imageCache
}

// NewResolver creates a resolver with the given filtering options.
func NewResolver(logger zerolog.Logger, opts Options) *Resolver {
	if len(opts.DebugFileDirs) == 0 {
		opts.DebugFileDirs = []string{constants.DefaultDebugFileDir}
	}
	if opts.MaxCachedImages <= 0 {
		opts.MaxCachedImages = constants.DefaultMaxCachedImages
	}

	return &Resolver{
		logger: logger.With().Str("component", "debuginfo").Logger(),
		opts:   opts,
		files:  newFileFilter(opts.ProjectRoot, opts.ExcludeFiles),
		cache:  newImageCache(opts.MaxCachedImages),
	}
}

// Resolve loads the coverable lines of the binary at path.
// Missing or malformed debug information is reported as *Error.
func (r *Resolver) Resolve(path string) (*Image, error) {
	hash, err := hashFile(path)
	if err != nil {
		return nil, &Error{Path: path, Reason: "cannot read binary", Err: err}
	}

	if img, ok := r.cache.Get(hash); ok {
		r.logger.Debug().
			Str("binary", path).
			Str("hash", fmt.Sprintf("%016x", hash)).
			Msg("Using cached debug info")
		if img.Path == path {
			return img, nil
		}
		return img.withPath(path), nil
	}

	img, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	img.Hash = hash

	r.cache.Put(hash, img)

	r.logger.Info().
		Str("binary", path).
		Str("debug_file", img.DebugPath).
		Int("lines", img.Len()).
		Int("files", len(img.Files())).
		Bool("pie", img.PIE).
		Msg("Resolved coverable lines")

	return img, nil
}

func (r *Resolver) resolve(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, &Error{Path: path, Reason: "not an ELF binary", Err: err}
	}
	defer f.Close() // nolint:errcheck

	arch, err := archOf(f)
	if err != nil {
		return nil, &Error{Path: path, Reason: "unsupported binary", Err: err}
	}

	data, debugPath, err := r.openDWARF(f, path)
	if err != nil {
		return nil, err
	}

	lines, err := r.readLines(data, path)
	if err != nil {
		return nil, err
	}

	img := newImage(lines)
	img.Path = path
	img.DebugPath = debugPath
	img.Arch = arch
	img.PIE = f.Type == elf.ET_DYN
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			img.FirstLoadVaddr = prog.Vaddr
			break
		}
	}

	return img, nil
}

// openDWARF returns the DWARF data embedded in f or, failing that, from a separate
// debug file.
func (r *Resolver) openDWARF(f *elf.File, path string) (*dwarf.Data, string, error) {
	if hasLineTable(f) {
		data, err := f.DWARF()
		if err != nil {
			return nil, "", &Error{Path: path, Reason: "malformed DWARF", Err: err}
		}
		return data, path, nil
	}

	df, debugPath := openSeparateDebugFile(f, path, r.opts.DebugFileDirs)
	if df == nil {
		return nil, "", &Error{Path: path, Reason: "no DWARF line table (stripped binary?)"}
	}
	defer df.Close() // nolint:errcheck

	r.logger.Debug().
		Str("binary", path).
		Str("debug_file", debugPath).
		Msg("Using separate debug file")

	data, err := df.DWARF()
	if err != nil {
		return nil, "", &Error{Path: debugPath, Reason: "malformed DWARF", Err: err}
	}
	return data, debugPath, nil
}

type lineKey struct {
	file string
	line int
}

// readLines walks the line program of every compile unit.
func (r *Resolver) readLines(data *dwarf.Data, path string) (lines []*Line, err error) {
	// The DWARF reader panics on some malformed inputs; report those as bad debug info.
	defer func() {
		if rec := recover(); rec != nil {
			lines = nil
			err = &Error{Path: path, Reason: "malformed DWARF", Err: fmt.Errorf("%v", rec)}
		}
	}()

	excluded, err := r.excludedRanges(data)
	if err != nil {
		return nil, &Error{Path: path, Reason: "malformed DWARF", Err: err}
	}

	byKey := make(map[lineKey]*Line)
	keepFile := make(map[string]bool)
	rows := 0

	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, &Error{Path: path, Reason: "malformed DWARF", Err: err}
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}

		lr, err := data.LineReader(entry)
		if err != nil {
			return nil, &Error{Path: path, Reason: "malformed line table", Err: err}
		}
		reader.SkipChildren()
		if lr == nil {
			continue
		}

		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, &Error{Path: path, Reason: "malformed line table", Err: err}
			}
			rows++

			if le.EndSequence || !le.IsStmt || le.Line <= 0 || le.File == nil {
				continue
			}

			name := filepath.Clean(le.File.Name)
			keep, seen := keepFile[name]
			if !seen {
				keep = r.files.keep(name)
				keepFile[name] = keep
			}
			if !keep || excluded.contains(le.Address) {
				continue
			}

			k := lineKey{file: name, line: le.Line}
			l, ok := byKey[k]
			if !ok {
				l = &Line{File: name, Line: le.Line}
				byKey[k] = l
			}
			l.Addresses = append(l.Addresses, le.Address)
		}
	}

	if rows == 0 {
		return nil, &Error{Path: path, Reason: "empty line table"}
	}

	lines = make([]*Line, 0, len(byKey))
	for _, l := range byKey {
		slices.Sort(l.Addresses)
		l.Addresses = slices.Compact(l.Addresses)
		lines = append(lines, l)
	}

	return lines, nil
}

// excludedRanges collects the address ranges of subprograms matching ExcludeFunctions.
func (r *Resolver) excludedRanges(data *dwarf.Data) (rangeSet, error) {
	if len(r.opts.ExcludeFunctions) == 0 {
		return nil, nil
	}

	var excluded rangeSet
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		if !r.matchesExcludedFunction(name) {
			continue
		}

		ranges, err := data.Ranges(entry)
		if err != nil {
			r.logger.Debug().Err(err).Str("function", name).Msg("Cannot read function ranges")
			continue
		}
		for _, rg := range ranges {
			excluded = append(excluded, addrRange{low: rg[0], high: rg[1]})
		}
	}

	return excluded, nil
}

func (r *Resolver) matchesExcludedFunction(name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range r.opts.ExcludeFunctions {
		if matchesFunction(name, pattern) {
			return true
		}
	}
	return false
}

func archOf(f *elf.File) (Arch, error) {
	switch f.Machine {
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_AARCH64:
		return ArchARM64, nil
	default:
		return "", fmt.Errorf("unsupported machine %s", f.Machine)
	}
}

// hashFile computes the xxh3 hash of a file's contents.
func hashFile(path string) (uint64, error) {
	// #nosec G304 -- path is a test binary supplied by the caller
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}

	return h.Sum64(), nil
}
