// Package debuginfo resolves coverable source lines from a compiled binary's DWARF data.
//
// A Resolver opens an ELF binary (or the separate debug file it references through its
// build-id note or .gnu_debuglink section), walks the line-number program of every
// compile unit and produces an Image: the ordered set of coverable lines together with
// an address index.
//
// Line table rows are dropped when they are not statement boundaries, carry line 0,
// belong to synthetic or generated files, fall outside the configured project root,
// match an exclude pattern, or lie inside a subprogram whose name matches an excluded
// function pattern. Rows sharing a (file, line) pair collapse into one Line with every
// address retained.
//
// Example usage:
//
//	resolver := debuginfo.NewResolver(logger, debuginfo.Options{ProjectRoot: root})
//	img, err := resolver.Resolve("/path/to/pkg.test")
//	var diErr *debuginfo.Error
//	if errors.As(err, &diErr) {
//		// binary has no usable debug info, skip it
//	}
//	for _, line := range img.Lines() {
//		fmt.Println(line.File, line.Line, len(line.Addresses))
//	}
//
// Resolved images are cached by content hash so that forked children and repeated runs of
// the same binary do not parse DWARF twice.
package debuginfo
