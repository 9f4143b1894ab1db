// Package bpfbacktracer kprobes do_coredump and samples the last few
// user-stack addresses for whatever pid the kernel is about to core-dump,
// stashing them in a pinned eBPF map. dumpwatch's own dump writer has no
// kernel hook of its own (it drives gcore from userspace), so this is a
// best-effort companion: when a kernel-initiated coredump happens to
// coincide with a dumpwatch-initiated one, the sample in the map gives the
// dump report a few raw frame addresses it could not have gotten any
// other way.
package bpfbacktracer

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

const (
	SamplesMapName = "dumpwatch_samples"
	FramesNumber   = 4
)

var samplesMapSpec = &ebpf.MapSpec{
	Name:       SamplesMapName,
	Type:       ebpf.Hash,
	KeySize:    4,                // u32 pid
	ValueSize:  FramesNumber * 8, // FramesNumber u64 frames
	MaxEntries: 128,
}

// Tracer owns the kprobe, program and pinned map for one running instance
// of the companion binary (cmd/dumpwatch-bpf).
type Tracer struct {
	samplesMap *ebpf.Map
	prog       *ebpf.Program
	link       link.Link
}

/*
	BCC version of the program this hand-assembles:
prog.c
```
#include <uapi/linux/ptrace.h>
#include <linux/sched.h>

struct data_t {
    u64 stacks[4];
};

BPF_HASH(dumpwatch_samples, u32, struct data_t, 128);

void trace_stack(struct pt_regs *ctx) {
    u32 pid = bpf_get_current_pid_tgid();
    struct data_t data = {};
    u64 ret = bpf_get_stack(ctx, data.stacks, sizeof(data.stacks), BPF_F_USER_STACK);
    if (ret > 0) {
        dumpwatch_samples.update(&pid, &data);
    }
}
```
*/
// NewTracer allocates the pinned map, assembles the kprobe program and
// attaches it to do_coredump.
func NewTracer() (*Tracer, error) {
	samplesMap, err := ebpf.NewMap(samplesMapSpec)
	if err != nil {
		return nil, err
	}
	if err := samplesMap.Pin(filepath.Join("/sys/fs/bpf", SamplesMapName)); err != nil {
		samplesMap.Close()
		return nil, err
	}
	samplesMap.Freeze()
	progSpec := &ebpf.ProgramSpec{
		Name:    "dumpwatch_core_handler",
		Type:    ebpf.Kprobe,
		License: "GPL",
		Instructions: asm.Instructions{
			// r6 = r1
			asm.Mov.Reg(asm.R6, asm.R1),
			// call bpf_get_current_pid_tgid#14
			asm.FnGetCurrentPidTgid.Call(),
			// *(u32*)(r10 -4) = r0
			asm.StoreMem(asm.R10, -4, asm.R0, asm.Word),
			// r1 = 0
			asm.Mov.Imm(asm.R1, 0),
			// zero the 32-byte sample buffer
			asm.StoreMem(asm.RFP, -16, asm.R1, asm.DWord),
			asm.StoreMem(asm.RFP, -24, asm.R1, asm.DWord),
			asm.StoreMem(asm.RFP, -32, asm.R1, asm.DWord),
			asm.StoreMem(asm.RFP, -40, asm.R1, asm.DWord),
			// bpf_get_stack(ctx, buf, 32, BPF_F_USER_STACK)
			asm.Mov.Reg(asm.R2, asm.R10),
			asm.Add.Imm(asm.R2, -40),
			asm.Mov.Reg(asm.R1, asm.R6),
			asm.Mov.Imm(asm.R3, 32),
			asm.Mov.Imm(asm.R4, unix.BPF_F_USER_STACK),
			asm.FnGetStack.Call(),
			asm.LSh.Imm(asm.R0, 32),
			asm.RSh.Imm(asm.R0, 32),
			asm.JEq.Imm(asm.R0, 0, "exit"),
			// dumpwatch_samples.update(&pid, &buf, BPF_ANY)
			asm.LoadMapPtr(asm.R1, samplesMap.FD()),
			asm.Mov.Reg(asm.R2, asm.R10),
			asm.Add.Imm(asm.R2, -4),
			asm.Mov.Reg(asm.R3, asm.R10),
			asm.Add.Imm(asm.R3, -40),
			asm.Mov.Imm(asm.R4, unix.BPF_ANY),
			asm.FnMapUpdateElem.Call(),
			asm.Mov.Imm(asm.R0, 0).Sym("exit"),
			asm.Return(),
		},
	}
	prog, err := ebpf.NewProgram(progSpec)
	if err != nil {
		samplesMap.Close()
		return nil, err
	}
	kprobe, err := link.Kprobe("do_coredump", prog)
	if err != nil {
		samplesMap.Close()
		prog.Close()
		return nil, err
	}
	return &Tracer{samplesMap: samplesMap, prog: prog, link: kprobe}, nil
}

func (t *Tracer) Close() error {
	t.link.Close()
	t.prog.Close()
	t.samplesMap.Unpin()
	t.samplesMap.Close()
	return nil
}

// Backtrace is the pinned map's value type: FramesNumber raw user-stack
// return addresses, unsymbolised.
type Backtrace struct {
	Vaddrs [FramesNumber]uint64
}

func (b *Backtrace) UnmarshalBinary(buf []byte) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, &b.Vaddrs)
}

var _ encoding.BinaryUnmarshaler = (*Backtrace)(nil)

// LoadSamplesMap opens the default pinned map read-only, for readers that
// did not start the tracer themselves (the dumpwatch engine process).
func LoadSamplesMap() (*ebpf.Map, error) {
	return LoadSamplesMapFromPath(filepath.Join("/sys/fs/bpf", SamplesMapName))
}

func LoadSamplesMapFromPath(path string) (*ebpf.Map, error) {
	return ebpf.LoadPinnedMap(path, &ebpf.LoadPinOptions{ReadOnly: true})
}
