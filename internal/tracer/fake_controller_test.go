package tracer

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
)

// scripted is a stop returned by the fake's Wait, with the PC the thread
// reports while stopped.
type scripted struct {
	stop Stop
	pc   uint64
	msg  uint64
}

type resumeCall struct {
	tid int
	sig syscall.Signal
}

// fakeController simulates a process tree. Wait(-1) replays a script; Wait(tid)
// after Step replays per-thread step results and otherwise reports the
// single-step trap.
type fakeController struct {
	root int

	script      []scripted
	stepResults map[int][]scripted

	pcs     map[int]uint64
	msgs    map[int]uint64
	tidPID  map[int]int
	memory  map[int]map[uint64]byte
	exes    map[int]string
	biases  map[int]uint64
	errs    map[string]error
	resumes []resumeCall
	steps   []int
	setPCs  []uint64

	// blockOnEmpty makes Wait(-1) block on an empty script until KillTree.
	blockOnEmpty bool
	mu           sync.Mutex
	killed       chan struct{}
	killCount    int
}

func newFakeController(root int) *fakeController {
	return &fakeController{
		root:        root,
		stepResults: make(map[int][]scripted),
		pcs:         make(map[int]uint64),
		msgs:        make(map[int]uint64),
		tidPID:      make(map[int]int),
		memory:      map[int]map[uint64]byte{root: {}},
		exes:        make(map[int]string),
		biases:      make(map[int]uint64),
		errs:        make(map[string]error),
		killed:      make(chan struct{}),
	}
}

func (f *fakeController) fill(pid int, addr uint64, code ...byte) {
	for i, b := range code {
		f.memory[pid][addr+uint64(i)] = b
	}
}

func (f *fakeController) at(pid int, addr uint64) byte {
	return f.memory[pid][addr]
}

func (f *fakeController) push(items ...scripted) {
	f.script = append(f.script, items...)
}

func (f *fakeController) pidOf(tid int) int {
	if pid, ok := f.tidPID[tid]; ok {
		return pid
	}
	return tid
}

// memFor returns the memory of a process, copying the root's on first use to
// model fork.
func (f *fakeController) memFor(tid int) map[uint64]byte {
	pid := f.pidOf(tid)
	mem, ok := f.memory[pid]
	if !ok {
		mem = make(map[uint64]byte)
		for addr, b := range f.memory[f.root] {
			mem[addr] = b
		}
		f.memory[pid] = mem
	}
	return mem
}

func (f *fakeController) apply(item scripted) Stop {
	if item.pc != 0 {
		f.pcs[item.stop.TID] = item.pc
	}
	if item.msg != 0 {
		f.msgs[item.stop.TID] = item.msg
	}
	return item.stop
}

func (f *fakeController) Root() int { return f.root }

func (f *fakeController) Wait(tid int) (Stop, error) {
	if tid > 0 {
		if results := f.stepResults[tid]; len(results) > 0 {
			f.stepResults[tid] = results[1:]
			return f.apply(results[0]), nil
		}
		f.pcs[tid]++
		return Stop{TID: tid, Kind: StopSignal, Signal: syscall.SIGTRAP}, nil
	}

	if len(f.script) == 0 {
		if f.blockOnEmpty {
			<-f.killed
			f.blockOnEmpty = false
			return Stop{TID: f.root, Kind: StopSignalled, Signal: syscall.SIGKILL}, nil
		}
		return Stop{}, syscall.ECHILD
	}
	item := f.script[0]
	f.script = f.script[1:]
	return f.apply(item), nil
}

func (f *fakeController) Continue(tid int, sig syscall.Signal) error {
	if err := f.errs[fmt.Sprintf("continue/%d", tid)]; err != nil {
		return err
	}
	f.resumes = append(f.resumes, resumeCall{tid: tid, sig: sig})
	return nil
}

func (f *fakeController) Step(tid int) error {
	if err := f.errs["step"]; err != nil {
		return err
	}
	f.steps = append(f.steps, tid)
	return nil
}

func (f *fakeController) PC(tid int) (uint64, error) {
	return f.pcs[tid], nil
}

func (f *fakeController) SetPC(tid int, pc uint64) error {
	f.pcs[tid] = pc
	f.setPCs = append(f.setPCs, pc)
	return nil
}

func (f *fakeController) EventMsg(tid int) (uint64, error) {
	return f.msgs[tid], nil
}

func (f *fakeController) ReadMemory(tid int, addr uint64, buf []byte) error {
	mem := f.memFor(tid)
	for i := range buf {
		b, ok := mem[addr+uint64(i)]
		if !ok {
			return fmt.Errorf("unmapped %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return nil
}

func (f *fakeController) WriteMemory(tid int, addr uint64, data []byte) error {
	mem := f.memFor(tid)
	for i, b := range data {
		mem[addr+uint64(i)] = b
	}
	return nil
}

func (f *fakeController) KillTree() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killCount == 0 {
		close(f.killed)
	}
	f.killCount++
	return nil
}

func (f *fakeController) kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCount
}

func (f *fakeController) Executable(pid int) (string, error) {
	exe, ok := f.exes[pid]
	if !ok {
		return "", fmt.Errorf("no such process %d", pid)
	}
	return exe, nil
}

func (f *fakeController) LoadBias(pid int, _ *debuginfo.Image) (uint64, error) {
	return f.biases[pid], nil
}

// fakeResolver hands out prepared images by path.
type fakeResolver map[string]*debuginfo.Image

func (r fakeResolver) Resolve(path string) (*debuginfo.Image, error) {
	img, ok := r[path]
	if !ok {
		return nil, &debuginfo.Error{Path: path, Reason: "no DWARF line table"}
	}
	return img, nil
}
