//go:build linux && amd64

package tracer

import "golang.org/x/sys/unix"

func (c *ptraceController) PC(tid int) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

func (c *ptraceController) SetPC(tid int, pc uint64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return err
	}
	regs.SetPC(pc)
	return unix.PtraceSetRegs(tid, &regs)
}
