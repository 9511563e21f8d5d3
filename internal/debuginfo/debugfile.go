package debuginfo

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"hash/crc32"
	"os"
	"path/filepath"
)

// noteTypeGNUBuildID is NT_GNU_BUILD_ID.
const noteTypeGNUBuildID = 3

// buildID extracts the NT_GNU_BUILD_ID note from an ELF binary.
func buildID(f *elf.File) string {
	section := f.Section(".note.gnu.build-id")
	if section == nil {
		return ""
	}
	data, err := section.Data()
	if err != nil {
		return ""
	}

	// Note layout: namesz(4) descsz(4) type(4) name(namesz, 4-aligned) desc(descsz).
	for len(data) >= 12 {
		namesz := f.ByteOrder.Uint32(data[0:4])
		descsz := f.ByteOrder.Uint32(data[4:8])
		typ := f.ByteOrder.Uint32(data[8:12])
		nameEnd := 12 + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(len(data)) < uint64(nameEnd)+uint64(descsz) {
			return ""
		}

		name := bytes.TrimRight(data[12:12+namesz], "\x00")
		if typ == noteTypeGNUBuildID && string(name) == "GNU" {
			return hex.EncodeToString(data[nameEnd : nameEnd+descsz])
		}
		if uint64(len(data)) < uint64(descEnd) {
			return ""
		}
		data = data[descEnd:]
	}

	return ""
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// debugLink parses the .gnu_debuglink section into a file name and its CRC32.
func debugLink(f *elf.File) (string, uint32, bool) {
	section := f.Section(".gnu_debuglink")
	if section == nil {
		return "", 0, false
	}
	data, err := section.Data()
	if err != nil {
		return "", 0, false
	}

	end := bytes.IndexByte(data, 0)
	if end <= 0 {
		return "", 0, false
	}
	crcOff := align4(uint32(end + 1)) //nolint:gosec // G115: section sizes fit in uint32.
	if len(data) < int(crcOff)+4 {
		return string(data[:end]), 0, false
	}

	return string(data[:end]), f.ByteOrder.Uint32(data[crcOff : crcOff+4]), true
}

// debugCandidate is a possible location of a separate debug file.
type debugCandidate struct {
	path string
	// crc is checked for debuglink candidates; build-id candidates are matched by name.
	crc      uint32
	checkCRC bool
}

// debugFileCandidates lists where a separate debug file for binaryPath may live,
// in lookup order.
func debugFileCandidates(f *elf.File, binaryPath string, dirs []string) []debugCandidate {
	var candidates []debugCandidate

	if id := buildID(f); len(id) > 2 {
		for _, dir := range dirs {
			candidates = append(candidates, debugCandidate{
				path: filepath.Join(dir, ".build-id", id[:2], id[2:]+".debug"),
			})
		}
	}

	if name, crc, ok := debugLink(f); ok {
		binDir := filepath.Dir(binaryPath)
		if abs, err := filepath.Abs(binDir); err == nil {
			binDir = abs
		}
		paths := []string{
			filepath.Join(binDir, name),
			filepath.Join(binDir, ".debug", name),
		}
		for _, dir := range dirs {
			paths = append(paths, filepath.Join(dir, binDir, name))
		}
		for _, p := range paths {
			candidates = append(candidates, debugCandidate{path: p, crc: crc, checkCRC: true})
		}
	}

	return candidates
}

// openSeparateDebugFile returns the first candidate that exists and carries a line table.
func openSeparateDebugFile(f *elf.File, binaryPath string, dirs []string) (*elf.File, string) {
	for _, candidate := range debugFileCandidates(f, binaryPath, dirs) {
		if candidate.path == binaryPath {
			continue
		}
		// #nosec G304 -- candidates are derived from the binary's own notes and configured dirs
		data, err := os.ReadFile(candidate.path)
		if err != nil {
			continue
		}
		if candidate.checkCRC && crc32.ChecksumIEEE(data) != candidate.crc {
			continue
		}

		df, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			continue
		}
		if !hasLineTable(df) {
			continue
		}
		return df, candidate.path
	}

	return nil, ""
}

// hasLineTable reports whether an ELF file carries a DWARF line table.
func hasLineTable(f *elf.File) bool {
	return f.Section(".debug_line") != nil || f.Section(".zdebug_line") != nil
}
