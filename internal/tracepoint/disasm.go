package tracepoint

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
)

// maxInstructionLen is the longest x86-64 instruction encoding.
const maxInstructionLen = 15

// Describe disassembles the original instruction at a trace point. The trap is
// masked with the saved bytes, so the result is valid whether or not the point
// is installed.
func (t *Table) Describe(mem Memory, p *Point) (string, error) {
	size := maxInstructionLen
	if t.image.Arch == debuginfo.ArchARM64 {
		size = 4
	}

	buf := make([]byte, size)
	if err := mem.ReadMemory(p.Addr, buf); err != nil {
		return "", fmt.Errorf("read instruction at %#x: %w", p.Addr, err)
	}
	if p.installed {
		copy(buf, p.saved)
	}

	return decode(t.image.Arch, buf)
}

func decode(arch debuginfo.Arch, code []byte) (string, error) {
	switch arch {
	case debuginfo.ArchAMD64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return "", fmt.Errorf("decode x86-64 instruction: %w", err)
		}
		return strings.TrimSpace(inst.String()), nil
	case debuginfo.ArchARM64:
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return "", fmt.Errorf("decode arm64 instruction: %w", err)
		}
		return strings.TrimSpace(inst.String()), nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", arch)
	}
}
