//go:build linux && arm64

package tracer

import "golang.org/x/sys/unix"

// ntPRStatus selects the general purpose register set (NT_PRSTATUS).
const ntPRStatus = 1

func (c *ptraceController) PC(tid int) (uint64, error) {
	var regs unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(tid, ntPRStatus, &regs); err != nil {
		return 0, err
	}
	return regs.Pc, nil
}

func (c *ptraceController) SetPC(tid int, pc uint64) error {
	var regs unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(tid, ntPRStatus, &regs); err != nil {
		return err
	}
	regs.Pc = pc
	return unix.PtraceSetRegSetArm64(tid, ntPRStatus, &regs)
}
